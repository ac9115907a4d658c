// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"strings"
	"testing"
)

func TestRewriteRootStampsFrom(t *testing.T) {
	out, err := rewriteRoot([]byte(`<message to="juliet@example.com"><body>hi</body></message>`), "news.example.org", false)
	if err != nil {
		t.Fatal(err)
	}
	st := Stanza{Raw: out}
	if v := attrValue(st, "from"); v != "news.example.org" {
		t.Errorf("got from=%q, want news.example.org", v)
	}
	if v := attrValue(st, "to"); v != "juliet@example.com" {
		t.Errorf("got to=%q, want juliet@example.com", v)
	}
	if attrValue(st, "id") != "" {
		t.Error("id stamped without ensureID")
	}
}

func TestRewriteRootKeepsExistingFrom(t *testing.T) {
	out, err := rewriteRoot([]byte(`<message from="other.example.org"/>`), "news.example.org", false)
	if err != nil {
		t.Fatal(err)
	}
	if v := attrValue(Stanza{Raw: out}, "from"); v != "other.example.org" {
		t.Errorf("got from=%q, want other.example.org", v)
	}
}

func TestRewriteRootEnsuresID(t *testing.T) {
	out, err := rewriteRoot([]byte(`<iq type="get"><query xmlns="jabber:iq:version"/></iq>`), "", true)
	if err != nil {
		t.Fatal(err)
	}
	id, err := stanzaID(out)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("no id generated")
	}

	out2, err := rewriteRoot([]byte(`<iq type="get" id="abc"/>`), "", true)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := stanzaID(out2); id != "abc" {
		t.Errorf("got id=%q, want abc", id)
	}
}

func TestRewriteRootOnlyTouchesRoot(t *testing.T) {
	out, err := rewriteRoot([]byte(`<message><x><y/></x></message>`), "a.example.org", true)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if strings.Count(s, "from=") != 1 {
		t.Errorf("from stamped on more than the root: %s", s)
	}
	if strings.Count(s, "id=") != 1 {
		t.Errorf("id stamped on more than the root: %s", s)
	}
}

func TestStanzaDecode(t *testing.T) {
	st := Stanza{Raw: []byte(`<message type="chat"><body>hello</body></message>`)}
	var msg struct {
		Type string `xml:"type,attr"`
		Body string `xml:"body"`
	}
	if err := st.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "chat" || msg.Body != "hello" {
		t.Errorf("got %+v", msg)
	}
}

func TestRandomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomID()
		if len(id) != 16 {
			t.Fatalf("got id of length %d: %q", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
