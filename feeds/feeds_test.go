// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package feeds

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mimir.ik.nu/mimir/fetcher"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	return NewStorage(filepath.Join(t.TempDir(), "feeds"))
}

func TestGetFeedListMissingFile(t *testing.T) {
	s := newTestStorage(t)
	list, err := s.GetFeedList()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("got %d feeds from a missing list", len(list))
	}
}

func TestSetFeedURLPersistsList(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.SetFeedURL("ralphm", "http://ralphm.net/blog/atom"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetFeedURL("advogato", "http://advogato.org/rss"); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(s.listPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "advogato http://advogato.org/rss\nralphm http://ralphm.net/blog/atom\n"
	if string(b) != want {
		t.Errorf("list file:\n%s\nwant:\n%s", b, want)
	}

	// A fresh Storage re-reads the same list.
	s2 := NewStorage(s.listPath)
	list, err := s2.GetFeedList()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d feeds", len(list))
	}
	if list["ralphm"].URL != "http://ralphm.net/blog/atom" {
		t.Errorf("got %+v", list["ralphm"])
	}
}

func TestSetFeedURLUpdatesExisting(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.SetFeedURL("ralphm", "http://old.example.org/atom"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetFeedURL("ralphm", "http://new.example.org/atom"); err != nil {
		t.Fatal(err)
	}
	list, err := s.GetFeedList()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list["ralphm"].URL != "http://new.example.org/atom" {
		t.Errorf("got %+v", list)
	}
}

func TestGetFeedMinimalWhenMissing(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.SetFeedURL("ralphm", "http://ralphm.net/blog/atom"); err != nil {
		t.Fatal(err)
	}
	os.Remove(s.snapshotPath("ralphm"))

	snap, err := s.GetFeed("ralphm")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Handle != "ralphm" || snap.URL != "http://ralphm.net/blog/atom" {
		t.Errorf("got %+v", snap)
	}
	if len(snap.Entries) != 0 || snap.Interval != 0 {
		t.Errorf("minimal snapshot not empty: %+v", snap)
	}
}

func TestStoreFeedRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	updated := fetcher.StructTime(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC))
	in := &Snapshot{
		Handle:       "ralphm",
		URL:          "http://ralphm.net/blog/atom",
		Status:       "200",
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
		Feed: fetcher.FeedInfo{
			Title:   "ralphm.net",
			Updated: &updated,
		},
		Entries: []fetcher.Entry{
			{ID: "tag:1", Title: "First"},
			{ID: "tag:2", Title: "Second"},
		},
		Indexes:  map[string]int{"tag:1": 0, "tag:2": 1},
		Interval: 1800,
	}
	if err := s.StoreFeed(in); err != nil {
		t.Fatal(err)
	}

	out, err := s.GetFeed("ralphm")
	if err != nil {
		t.Fatal(err)
	}
	if out.ETag != in.ETag || out.Status != in.Status {
		t.Errorf("got %+v", out)
	}
	if len(out.Entries) != 2 || !out.Entries[0].Equal(in.Entries[0]) {
		t.Errorf("entries did not survive: %+v", out.Entries)
	}
	if out.Indexes["tag:2"] != 1 {
		t.Errorf("got indexes %v", out.Indexes)
	}
	if !out.Feed.Updated.Time().Equal(updated.Time()) {
		t.Errorf("got feed updated %v", out.Feed.Updated.Time())
	}
}

func TestStoreFeedRotates(t *testing.T) {
	s := newTestStorage(t)
	if err := s.StoreFeed(&Snapshot{Handle: "ralphm", Status: "200"}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreFeed(&Snapshot{Handle: "ralphm", Status: "301"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(s.snapshotPath("ralphm") + ".1"); err != nil {
		t.Errorf("no rotated snapshot: %v", err)
	}
	snap, err := s.GetFeed("ralphm")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "301" {
		t.Errorf("got status %q, want the newest snapshot", snap.Status)
	}
}
