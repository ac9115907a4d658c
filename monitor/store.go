// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package monitor tracks contact presence and delivers news
// notifications.
//
// The monitor is the user-facing half of the system. It records the
// presence of roster contacts in Postgres, receives the aggregator's
// pub-sub notifications, stores the entries on each subscriber's news
// page, and sends per-item and digest notifications keyed to the
// contact's presence.
package monitor // import "mimir.ik.nu/mimir/monitor"

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
)

// Store records presences in Postgres.
//
// One row per (jid, resource) pair, plus a roster table pointing at
// the top resource for each bare JID. The top resource is elected by
// availability first, then priority, then, among available resources,
// recency of the record, and finally last update time.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewStore returns a Store over pool. Any presences still marked
// available from a previous run are reset to unavailable, since
// whatever was known before the restart can no longer be trusted.
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		pool: pool,
		log:  logger.With().Str("component", "store").Logger(),
	}
	_, err := pool.Exec(ctx, `
		UPDATE presences
		SET type='unavailable', show='', status='', priority=0
		WHERE type='available'`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetPresence records a presence for entity and re-elects the top
// resource of its bare JID, in one transaction. It reports whether the
// presence of the bare JID, as seen through its top resource, changed:
// true when this resource became the top resource, when it stayed the
// top resource and its availability or show changed, or when another
// resource took over the top spot.
func (s *Store) SetPresence(ctx context.Context, entity jid.JID, available bool, show, status string, priority int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	changed, err := s.setPresence(ctx, tx, entity, available, show, status, priority)
	if err != nil {
		return false, err
	}
	changed, err = s.updateRoster(ctx, tx, entity, changed)
	if err != nil {
		return false, err
	}
	return changed, tx.Commit(ctx)
}

func (s *Store) setPresence(ctx context.Context, tx pgx.Tx, entity jid.JID, available bool, show, status string, priority int) (bool, error) {
	typ := "unavailable"
	if available {
		typ = "available"
	}
	bare := entity.Bare().String()
	resource := entity.Resourcepart()

	var (
		id      int64
		oldType string
		oldShow string
	)
	err := tx.QueryRow(ctx, `
		SELECT presence_id, type, show FROM presences
		WHERE jid=$1 AND resource=$2`,
		bare, resource).Scan(&id, &oldType, &oldShow)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	// An unavailable predecessor is deleted so the insert below gets a
	// fresh presence_id; record age is part of the election order.
	if exists && oldType == "unavailable" {
		if _, err := tx.Exec(ctx,
			`DELETE FROM presences WHERE presence_id=$1`, id); err != nil {
			return false, err
		}
	}

	if exists && oldType == "available" {
		changed := show != oldShow || typ != oldType
		_, err := tx.Exec(ctx, `
			UPDATE presences
			SET type=$1, show=$2, status=$3, priority=$4, last_updated=now()
			WHERE presence_id=$5`,
			typ, show, status, priority, id)
		return changed, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO presences (type, show, status, priority, jid, resource)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		typ, show, status, priority, bare, resource)
	return true, err
}

func (s *Store) updateRoster(ctx context.Context, tx pgx.Tx, entity jid.JID, changed bool) (bool, error) {
	bare := entity.Bare().String()

	var (
		topID       int64
		topResource string
	)
	err := tx.QueryRow(ctx, `
		SELECT presence_id, resource FROM presences
		WHERE jid=$1
		ORDER BY type, priority desc,
		         (CASE WHEN type='available' THEN presence_id ELSE 0 END) desc,
		         last_updated desc`,
		bare).Scan(&topID, &topResource)
	if err != nil {
		return false, err
	}

	var oldTopID int64
	err = tx.QueryRow(ctx,
		`SELECT presence_id FROM roster WHERE jid=$1`, bare).Scan(&oldTopID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err := tx.Exec(ctx,
			`INSERT INTO roster (presence_id, jid) VALUES ($1, $2)`,
			topID, bare)
		return true, err
	case err != nil:
		return false, err
	}

	if oldTopID != topID {
		changed = true
	} else if entity.Resourcepart() != topResource {
		// Some other resource is still on top; this update is
		// invisible at the bare JID level.
		changed = false
	}

	_, err = tx.Exec(ctx,
		`UPDATE roster SET presence_id=$1 WHERE jid=$2`, topID, bare)
	return changed, err
}

// RemovePresences forgets everything known about entity's bare JID.
func (s *Store) RemovePresences(ctx context.Context, entity jid.JID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	bare := entity.Bare().String()
	if _, err := tx.Exec(ctx, `DELETE FROM roster WHERE jid=$1`, bare); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM presences WHERE jid=$1`, bare); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
