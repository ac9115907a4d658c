// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of a pending IQ request. Exactly one of
// Stanza and Err is meaningful.
type Result struct {
	Stanza Stanza
	Err    error
}

// Pending is the future for an in-flight IQ request created by
// SendIQ. It resolves exactly once: with the matching result or error
// IQ, with ErrTimeout, or with ErrConnectionLost.
type Pending struct {
	id    string
	ch    chan Result
	once  sync.Once
	timer *time.Timer
}

func newPending(id string) *Pending {
	return &Pending{
		id: id,
		ch: make(chan Result, 1),
	}
}

// ID returns the request's stanza identifier.
func (p *Pending) ID() string { return p.id }

// Done returns a channel that receives the single Result.
func (p *Pending) Done() <-chan Result { return p.ch }

// Await blocks for the result or the context.
func (p *Pending) Await(ctx context.Context) (Stanza, error) {
	select {
	case res := <-p.ch:
		return res.Stanza, res.Err
	case <-ctx.Done():
		return Stanza{}, ctx.Err()
	}
}

func (p *Pending) resolve(st Stanza, err error) {
	p.once.Do(func() {
		p.ch <- Result{Stanza: st, Err: err}
	})
}

func (p *Pending) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}
