// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package atom writes Atom entry documents.
//
// Writers turn the fetcher's entry representation back into Atom XML
// for publication. Two writers exist: Writer builds the entry element
// field by field, and ReconstituteWriter renders from the canonical
// JSON form of the entry. Both produce an <entry/> in the Atom
// namespace.
package atom // import "mimir.ik.nu/mimir/atom"

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"mimir.ik.nu/mimir/fetcher"
)

// NS is the Atom namespace.
const NS = "http://www.w3.org/2005/Atom"

// Text is an Atom text construct. Bodies of type html are carried as
// escaped character data, per the Atom rules.
type Text struct {
	Type string `xml:"type,attr,omitempty"`
	Body string `xml:",chardata"`
}

// Link is an Atom link element.
type Link struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

// Person is an Atom person construct.
type Person struct {
	Name  string `xml:"name,omitempty"`
	URI   string `xml:"uri,omitempty"`
	Email string `xml:"email,omitempty"`
}

// Entry is an Atom entry document.
type Entry struct {
	XMLName   xml.Name `xml:"http://www.w3.org/2005/Atom entry"`
	ID        string   `xml:"id"`
	Title     *Text    `xml:"title,omitempty"`
	Links     []Link   `xml:"link"`
	Summary   *Text    `xml:"summary,omitempty"`
	Content   *Text    `xml:"content,omitempty"`
	Published string   `xml:"published,omitempty"`
	Updated   string   `xml:"updated,omitempty"`
	Authors   []Person `xml:"author"`
}

// A WriterFunc serialises one entry to Atom XML.
type WriterFunc func(e fetcher.Entry) ([]byte, error)

func textConstruct(body, mimeType string) *Text {
	if body == "" {
		return nil
	}
	t := &Text{Body: body}
	switch mimeType {
	case "", "text/plain":
		t.Type = "text"
	default:
		t.Type = "html"
	}
	return t
}

func atomTime(t *fetcher.StructTime) string {
	if t == nil {
		return ""
	}
	return t.Time().UTC().Format(time.RFC3339)
}

// FromEntry converts a parsed entry into an Atom entry model.
func FromEntry(e fetcher.Entry) (*Entry, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("atom: entry has no id")
	}
	entry := &Entry{
		ID:        e.ID,
		Title:     textConstruct(e.Title, e.TitleType),
		Summary:   textConstruct(e.Summary, e.SummaryType),
		Content:   textConstruct(e.Content, e.ContentType),
		Published: atomTime(e.Published),
		Updated:   atomTime(e.Updated),
	}
	if e.Link != "" {
		entry.Links = []Link{{Href: e.Link, Rel: "alternate"}}
	}
	if e.Author != "" {
		entry.Authors = []Person{{Name: e.Author}}
	}
	return entry, nil
}

// Writer serialises the entry field by field.
func Writer(e fetcher.Entry) ([]byte, error) {
	entry, err := FromEntry(e)
	if err != nil {
		return nil, err
	}
	return xml.Marshal(entry)
}

// ReconstituteWriter round-trips the entry through its canonical JSON
// form before serialising, normalising structured times the same way
// the change detector does.
func ReconstituteWriter(e fetcher.Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var round fetcher.Entry
	if err := json.Unmarshal(b, &round); err != nil {
		return nil, err
	}
	return Writer(round)
}
