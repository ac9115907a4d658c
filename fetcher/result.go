// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package fetcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// StructTime is a point in time that serialises to JSON as the
// 9-integer struct_time array used by the snapshot files:
// [year, month, day, hour, minute, second, weekday, yearday, isdst].
type StructTime time.Time

// MarshalJSON implements json.Marshaler.
func (t StructTime) MarshalJSON() ([]byte, error) {
	u := time.Time(t).UTC()
	wday := (int(u.Weekday()) + 6) % 7 // struct_time counts from Monday
	arr := [9]int{
		u.Year(), int(u.Month()), u.Day(),
		u.Hour(), u.Minute(), u.Second(),
		wday, u.YearDay(), 0,
	}
	return json.Marshal(arr)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *StructTime) UnmarshalJSON(b []byte) error {
	var arr [9]int
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*t = StructTime(time.Date(arr[0], time.Month(arr[1]), arr[2], arr[3], arr[4], arr[5], 0, time.UTC))
	return nil
}

// Time returns the underlying time.
func (t StructTime) Time() time.Time { return time.Time(t) }

// Entry is the source independent projection of one feed item. Two
// entries are equal when their canonical JSON forms are equal.
type Entry struct {
	ID          string      `json:"id,omitempty"`
	Title       string      `json:"title,omitempty"`
	TitleType   string      `json:"title_type,omitempty"`
	Link        string      `json:"link,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	SummaryType string      `json:"summary_type,omitempty"`
	Content     string      `json:"content,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Author      string      `json:"author,omitempty"`
	Published   *StructTime `json:"published,omitempty"`
	Updated     *StructTime `json:"updated,omitempty"`
}

// Date returns the entry's best timestamp: updated, then published.
func (e Entry) Date() (time.Time, bool) {
	if e.Updated != nil {
		return e.Updated.Time(), true
	}
	if e.Published != nil {
		return e.Published.Time(), true
	}
	return time.Time{}, false
}

// Equal reports value equality of two entries over the canonical JSON
// form.
func (e Entry) Equal(other Entry) bool {
	a, err := json.Marshal(e)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// FeedInfo carries the channel level attributes of a parsed feed.
type FeedInfo struct {
	Title       string      `json:"title,omitempty"`
	Link        string      `json:"link,omitempty"`
	Description string      `json:"description,omitempty"`
	Updated     *StructTime `json:"updated,omitempty"`
}

// FeedResult is the outcome of a successful fetch. When the transfer
// involved a permanent redirect Status is "301" and URL carries the
// post-redirect location so that callers can update their stored URL.
type FeedResult struct {
	Status  string      `json:"status"`
	URL     string      `json:"url"`
	Headers http.Header `json:"-"`
	Feed    FeedInfo    `json:"feed"`
	Entries []Entry     `json:"entries"`

	// Bozo is raised when the body could not be parsed as a feed.
	// The result is still delivered so that the poll cycle survives
	// ill-formed input.
	Bozo          bool   `json:"bozo,omitempty"`
	BozoException string `json:"bozo_exception,omitempty"`
}

func structTime(t *time.Time) *StructTime {
	if t == nil {
		return nil
	}
	st := StructTime(*t)
	return &st
}

func entryFromItem(item *gofeed.Item) Entry {
	e := Entry{
		ID:      item.GUID,
		Title:   item.Title,
		Link:    item.Link,
		Summary: item.Description,
		Content: item.Content,
	}
	if e.Summary != "" {
		e.SummaryType = "text/html"
	}
	if e.Content != "" {
		e.ContentType = "text/html"
	}
	if len(item.Authors) > 0 {
		e.Author = item.Authors[0].Name
	}
	e.Published = structTime(item.PublishedParsed)
	e.Updated = structTime(item.UpdatedParsed)
	return e
}

func resultFromFeed(parsed *gofeed.Feed) (FeedInfo, []Entry) {
	info := FeedInfo{
		Title:       parsed.Title,
		Link:        parsed.Link,
		Description: parsed.Description,
		Updated:     structTime(parsed.UpdatedParsed),
	}
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, entryFromItem(item))
	}
	return info, entries
}

// Error is a fetch failure with HTTP detail.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("fetcher: %s: %s", e.Status, e.Message)
	}
	return "fetcher: " + e.Message
}
