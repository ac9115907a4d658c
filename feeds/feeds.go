// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package feeds persists the feed registry.
//
// Two on-disk artifacts live under the storage directory: the feeds
// list file (one "handle url" per line, sorted on write) and one JSON
// snapshot per handle holding the last seen fetch result. A snapshot
// is rotated to <handle>.feed.json.1 before each overwrite.
package feeds // import "mimir.ik.nu/mimir/feeds"

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mimir.ik.nu/mimir/fetcher"
)

// DefaultInterval is the poll interval recorded in snapshots that do
// not carry one, in seconds.
const DefaultInterval = 1800

// Feed is one entry of the feed list.
type Feed struct {
	Handle string `json:"handle"`
	URL    string `json:"href"`
}

// Snapshot is the persisted form of the last seen FeedResult for a
// handle, plus the derived index map and the poll interval.
type Snapshot struct {
	Handle        string           `json:"handle"`
	URL           string           `json:"href"`
	Status        string           `json:"status,omitempty"`
	ETag          string           `json:"etag,omitempty"`
	LastModified  string           `json:"last-modified,omitempty"`
	Feed          fetcher.FeedInfo `json:"feed"`
	Entries       []fetcher.Entry  `json:"entries"`
	Bozo          bool             `json:"bozo,omitempty"`
	BozoException string           `json:"bozo_exception,omitempty"`

	// Indexes maps entry id to its position in Entries.
	Indexes map[string]int `json:"indexes"`

	// Interval is the poll interval in seconds.
	Interval int `json:"interval"`
}

// Storage is the durable feed registry, rooted at a directory.
type Storage struct {
	dir      string
	listPath string

	mu    sync.Mutex
	feeds map[string]Feed // cached list; nil until first read
}

// NewStorage returns a Storage reading and writing listPath and
// snapshot files in the same directory.
func NewStorage(listPath string) *Storage {
	return &Storage{
		dir:      filepath.Dir(listPath),
		listPath: listPath,
	}
}

// GetFeedList reads the feed list file. The list is cached in memory
// after the first read.
func (s *Storage) GetFeedList() (map[string]Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeds != nil {
		return s.copyList(), nil
	}
	if err := s.readList(); err != nil {
		return nil, err
	}
	return s.copyList(), nil
}

// SetFeedURL upserts the handle into the list, persists the list and
// an empty snapshot, and returns the minimal feed record.
func (s *Storage) SetFeedURL(handle, url string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeds == nil {
		if err := s.readList(); err != nil {
			return nil, err
		}
	}

	s.feeds[handle] = Feed{Handle: handle, URL: url}
	if err := s.writeList(); err != nil {
		return nil, err
	}

	snap := &Snapshot{Handle: handle, URL: url}
	if err := s.storeFeed(snap); err != nil {
		return nil, err
	}
	return &Snapshot{Handle: handle, URL: url}, nil
}

// GetFeed retrieves the last persisted snapshot for handle, or the
// minimal record when none has been stored yet.
func (s *Storage) GetFeed(handle string) (*Snapshot, error) {
	b, err := os.ReadFile(s.snapshotPath(handle))
	if os.IsNotExist(err) {
		return s.minimal(handle), nil
	}
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(b, snap); err != nil {
		return nil, fmt.Errorf("feeds: corrupt snapshot for %q: %w", handle, err)
	}
	if snap.Handle == "" {
		snap.Handle = handle
	}
	return snap, nil
}

// StoreFeed atomically replaces the snapshot for the feed's handle,
// rotating any previous snapshot to the .1 suffix first.
func (s *Storage) StoreFeed(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFeed(snap)
}

func (s *Storage) storeFeed(snap *Snapshot) error {
	path := s.snapshotPath(snap.Handle)
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".1"); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Storage) minimal(handle string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := ""
	if s.feeds != nil {
		url = s.feeds[handle].URL
	}
	return &Snapshot{Handle: handle, URL: url}
}

func (s *Storage) snapshotPath(handle string) string {
	return filepath.Join(s.dir, handle+".feed.json")
}

func (s *Storage) readList() error {
	s.feeds = make(map[string]Feed)

	f, err := os.Open(s.listPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("feeds: malformed feed list line %q", line)
		}
		s.feeds[fields[0]] = Feed{Handle: fields[0], URL: fields[1]}
	}
	return sc.Err()
}

func (s *Storage) writeList() error {
	lines := make([]string, 0, len(s.feeds))
	for _, f := range s.feeds {
		lines = append(lines, f.Handle+" "+f.URL+"\n")
	}
	sort.Strings(lines)

	tmp := s.listPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "")), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.listPath)
}

func (s *Storage) copyList() map[string]Feed {
	out := make(map[string]Feed, len(s.feeds))
	for k, v := range s.feeds {
		out[k] = v
	}
	return out
}
