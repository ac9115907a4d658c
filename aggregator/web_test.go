// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package aggregator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
)

func TestWebSetFeed(t *testing.T) {
	svc, _, rec := newTestService(t, &fakeGetter{result: feedResult()}, &fakeHandler{})
	h := WebHandler(svc, jid.MustParse("pubsub.example.org"), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/setfeed",
		strings.NewReader(`{"handle":"ralphm","url":"http://example.org/atom"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	rec.waitFired(t)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.URI != "xmpp:pubsub.example.org?;node=mimir/news/ralphm" {
		t.Errorf("got uri %q", resp.URI)
	}
}

func TestWebSetFeedInvalidHandle(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeGetter{}, &fakeHandler{})
	h := WebHandler(svc, jid.MustParse("pubsub.example.org"), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/setfeed",
		strings.NewReader(`{"handle":"Not Valid","url":"http://example.org/atom"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("got status %d", w.Code)
	}
}

func TestWebSetFeedRequiresPost(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeGetter{}, &fakeHandler{})
	h := WebHandler(svc, jid.MustParse("pubsub.example.org"), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/setfeed", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d", w.Code)
	}
}
