// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package aggregator implements the feed aggregation engine.
//
// The engine polls each registered feed on its own staggered
// schedule. A poll is a strictly serial pipeline for one handle:
// load the previous snapshot, fetch with conditional headers, detect
// new and updated entries against the snapshot, hand fresh entries to
// the publication handler, persist the new snapshot, and reschedule.
// Every outcome, success or failure, funnels into the reschedule step
// so that no handle ever falls off the schedule.
package aggregator // import "mimir.ik.nu/mimir/aggregator"

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mimir.ik.nu/mimir/feeds"
	"mimir.ik.nu/mimir/fetcher"
)

// Version is the release version reported in the HTTP agent string.
const Version = "0.3.0"

// Agent identifies the aggregator to the feeds it polls.
const Agent = "MimirAggregator/" + Version + " (http://mimir.ik.nu/)"

// NodePrefix is prepended to a feed handle to form its pub-sub node
// identifier.
const NodePrefix = "mimir/news/"

// startStagger separates the initial polls of consecutive feeds.
const startStagger = 5 * time.Second

// ErrInvalidHandle is returned by SetFeed for a handle that does not
// match the handle pattern.
var ErrInvalidHandle = errors.New("aggregator: invalid handle")

var handlePattern = regexp.MustCompile(`^[-a-z0-9_]+$`)

// ValidHandle reports whether handle is usable as a feed identifier.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// Getter fetches a feed URL. It is implemented by *fetcher.Fetcher.
type Getter interface {
	GetFeed(ctx context.Context, url string, opts fetcher.Options) (*fetcher.FeedResult, error)
}

// Handler consumes the fresh entries a poll discovered, oldest first.
type Handler interface {
	EntriesDiscovered(ctx context.Context, handle string, feed fetcher.FeedInfo, entries []fetcher.Entry) error
}

// Service is the aggregation engine.
type Service struct {
	storage *feeds.Storage
	getter  Getter
	handler Handler
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	schedule map[string]*time.Timer
	inflight map[string]bool
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc

	// afterFunc is indirect so tests can intercept scheduling.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New returns a stopped Service.
func New(storage *feeds.Storage, getter Getter, handler Handler, logger zerolog.Logger) *Service {
	return &Service{
		storage:   storage,
		getter:    getter,
		handler:   handler,
		log:       logger.With().Str("component", "aggregator").Logger(),
		metrics:   NewMetrics(),
		schedule:  make(map[string]*time.Timer),
		inflight:  make(map[string]bool),
		afterFunc: time.AfterFunc,
	}
}

// Metrics exposes the engine's instrumentation for registration.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Start reads the feed list and schedules every handle, staggering
// the initial poll wave by five seconds per feed.
func (s *Service) Start(ctx context.Context) error {
	list, err := s.storage.GetFeedList()
	if err != nil {
		return err
	}
	handles := make([]string, 0, len(list))
	for h := range list {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	s.mu.Lock()
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info().Int("feeds", len(handles)).Msg("starting aggregator")
	for i, handle := range handles {
		s.scheduleIn(handle, time.Duration(i+1)*startStagger, true)
	}
	return nil
}

// Stop cancels every outstanding scheduled call. Cancellation is
// idempotent; calls that already fired are unaffected.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	for handle, t := range s.schedule {
		t.Stop()
		delete(s.schedule, handle)
	}
	s.log.Info().Msg("stopping aggregator")
}

// SetFeed validates the handle, persists the feed, and, when the
// service is running, schedules an immediate uncached poll. Any
// scheduled call for the handle is cancelled first.
func (s *Service) SetFeed(handle, url string) (*feeds.Snapshot, error) {
	if !ValidHandle(handle) {
		return nil, ErrInvalidHandle
	}

	s.mu.Lock()
	if t, ok := s.schedule[handle]; ok {
		t.Stop()
		delete(s.schedule, handle)
	}
	running := s.running
	s.mu.Unlock()

	snap, err := s.storage.SetFeedURL(handle, url)
	if err != nil {
		return nil, err
	}
	if running {
		s.scheduleIn(handle, 0, false)
	}
	return snap, nil
}

// Scheduled reports whether a call is outstanding for handle.
func (s *Service) Scheduled(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schedule[handle]
	return ok
}

func (s *Service) scheduleIn(handle string, d time.Duration, useCache bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if t, ok := s.schedule[handle]; ok {
		t.Stop()
	}
	s.schedule[handle] = s.afterFunc(d, func() {
		s.fire(handle, useCache)
	})
}

// fire removes the handle from the schedule map before aggregating so
// that the terminal reschedule can uniquely reinsert it. At most one
// aggregation runs per handle; a fire that overlaps an in-flight poll
// is dropped, and that poll's terminal reschedule keeps the handle on
// the schedule.
func (s *Service) fire(handle string, useCache bool) {
	s.mu.Lock()
	delete(s.schedule, handle)
	running := s.running
	ctx := s.ctx
	if !running || s.inflight[handle] {
		s.mu.Unlock()
		return
	}
	s.inflight[handle] = true
	s.mu.Unlock()

	s.aggregate(ctx, handle, useCache)
}

// aggregate runs one poll cycle for handle. Whatever happens, the
// handle is rescheduled at the end.
func (s *Service) aggregate(ctx context.Context, handle string, useCache bool) {
	log := s.log.With().Str("handle", handle).Logger()
	s.metrics.polls.Inc()

	interval := time.Duration(feeds.DefaultInterval) * time.Second
	defer func() {
		s.mu.Lock()
		delete(s.inflight, handle)
		s.mu.Unlock()
		s.scheduleIn(handle, interval, true)
	}()

	snap, err := s.storage.GetFeed(handle)
	if err != nil {
		log.Error().Err(err).Msg("loading snapshot")
		return
	}
	if snap.Interval > 0 {
		interval = time.Duration(snap.Interval) * time.Second
	}

	headers := make(map[string]string)
	if useCache {
		if snap.ETag != "" {
			headers["If-None-Match"] = snap.ETag
		}
		if snap.Feed.Updated != nil {
			headers["If-Modified-Since"] = snap.Feed.Updated.Time().UTC().Format(http.TimeFormat)
		}
	}

	result, err := s.getter.GetFeed(ctx, snap.URL, fetcher.Options{
		Headers:  headers,
		UseCache: useCache,
	})

	var fetchErr *fetcher.Error
	switch {
	case errors.Is(err, fetcher.ErrNotModified):
		log.Info().Msg("not modified")
		return
	case errors.As(err, &fetchErr):
		s.metrics.fetchErrors.Inc()
		log.Info().Err(err).Msg("no feed")
		return
	case err != nil:
		log.Error().Err(err).Msg("unhandled error")
		return
	}

	if err := s.work(ctx, log, snap, result, interval); err != nil {
		log.Error().Err(err).Msg("unhandled error")
	}
}

// work runs the post-fetch stages of the pipeline: stamp the result,
// classify entries against the snapshot, publish, and update the
// cache. A publish failure skips the cache update so the entries are
// rediscovered on the next poll.
func (s *Service) work(ctx context.Context, log zerolog.Logger, snap *feeds.Snapshot, result *fetcher.FeedResult, interval time.Duration) error {
	handle := snap.Handle

	url := snap.URL
	if result.Status == "301" {
		log.Info().Str("url", result.URL).Msg("feed location changed permanently")
		if _, err := s.storage.SetFeedURL(handle, result.URL); err != nil {
			return err
		}
		url = result.URL
	}

	if result.Feed.Title != "" {
		log.Info().Str("title", result.Feed.Title).Msg("got feed")
	} else {
		log.Info().Msg("got feed without title")
	}
	if result.Bozo {
		log.Warn().Str("exception", result.BozoException).Msg("bozo flag raised")
	}

	for i := range result.Entries {
		if result.Entries[i].ID == "" && result.Entries[i].Link != "" {
			result.Entries[i].ID = result.Entries[i].Link
		}
	}

	fresh, indexes := freshEntries(snap, result)
	for _, e := range fresh {
		log.Info().Str("id", e.ID).Str("title", e.Title).Msg("found fresh entry")
	}

	if len(fresh) > 0 {
		s.metrics.freshEntries.Add(float64(len(fresh)))
		log.Info().Int("entries", len(fresh)).Msg("publishing items")
		if err := s.handler.EntriesDiscovered(ctx, handle, result.Feed, fresh); err != nil {
			s.metrics.publishFailures.Inc()
			return err
		}
	}

	log.Debug().Msg("updating cache")
	return s.storage.StoreFeed(&feeds.Snapshot{
		Handle:        handle,
		URL:           url,
		Status:        result.Status,
		ETag:          result.Headers.Get("ETag"),
		LastModified:  result.Headers.Get("Last-Modified"),
		Feed:          result.Feed,
		Entries:       result.Entries,
		Bozo:          result.Bozo,
		BozoException: result.BozoException,
		Indexes:       indexes,
		Interval:      int(interval / time.Second),
	})
}

// freshEntries classifies the fetched entries against the previous
// snapshot. Entries are walked in reverse source order (oldest first)
// so fresh entries come out oldest first; entries with no id are
// skipped. An entry is new when its id is absent from the snapshot's
// index, and updated when the cached entry at the indexed position is
// not value-equal to it.
func freshEntries(snap *feeds.Snapshot, result *fetcher.FeedResult) ([]fetcher.Entry, map[string]int) {
	indexes := make(map[string]int, len(result.Entries))
	var fresh []fetcher.Entry

	for i := len(result.Entries) - 1; i >= 0; i-- {
		entry := result.Entries[i]
		if entry.ID == "" {
			continue
		}
		indexes[entry.ID] = i

		oldIdx, ok := snap.Indexes[entry.ID]
		switch {
		case !ok:
			fresh = append(fresh, entry)
		case oldIdx < 0 || oldIdx >= len(snap.Entries):
			fresh = append(fresh, entry)
		case !snap.Entries[oldIdx].Equal(entry):
			fresh = append(fresh, entry)
		}
	}
	return fresh, indexes
}
