// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
)

func testManager(t *testing.T, mode Mode) *Manager {
	t.Helper()
	j := jid.MustParse("news.example.org")
	if mode == ClientMode {
		j = jid.MustParse("mimir@example.org")
	}
	return New(Config{JID: j, Secret: "secret", Mode: mode})
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	m := testManager(t, ComponentMode)

	if err := m.Send("<presence/>"); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte(`<message to="a@example.com"/>`)); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) != 2 {
		t.Fatalf("got %d queued stanzas, want 2", len(m.queue))
	}
	// FIFO order survives queueing.
	if got := string(m.queue[0]); got != `<presence from="news.example.org"></presence>` {
		t.Errorf("first queued stanza: %s", got)
	}
}

func TestPrepareStampsComponentFrom(t *testing.T) {
	m := testManager(t, ComponentMode)
	b, err := m.prepare("<message/>", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := attrValue(Stanza{Raw: b}, "from"); got != "news.example.org" {
		t.Errorf("got from=%q, want news.example.org", got)
	}
}

func TestPrepareLeavesClientFromAlone(t *testing.T) {
	m := testManager(t, ClientMode)
	b, err := m.prepare("<message/>", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := attrValue(Stanza{Raw: b}, "from"); got != "" {
		t.Errorf("got from=%q, want none", got)
	}
}

func TestPrepareMarshalsStructs(t *testing.T) {
	m := testManager(t, ComponentMode)
	v := struct {
		XMLName xml.Name `xml:"presence"`
		To      string   `xml:"to,attr"`
	}{To: "juliet@example.com"}
	b, err := m.prepare(v, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := attrValue(Stanza{Raw: b}, "to"); got != "juliet@example.com" {
		t.Errorf("got to=%q", got)
	}
}

func TestSendIQTimesOut(t *testing.T) {
	m := testManager(t, ComponentMode)
	p, err := m.SendIQ(`<iq type="get"><query xmlns="jabber:iq:version"/></iq>`, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-p.Done():
		if !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("got %v, want ErrTimeout", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout result")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) != 0 {
		t.Error("timed out request still pending")
	}
}

func TestDispatchResolvesPending(t *testing.T) {
	m := testManager(t, ComponentMode)
	p, err := m.SendIQ(`<iq type="get" id="q1" to="pubsub.example.org"/>`, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	m.dispatch(Stanza{
		Name: xml.Name{Local: "iq"},
		Raw:  []byte(`<iq type="result" id="q1" from="pubsub.example.org"/>`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := p.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := attrValue(st, "id"); got != "q1" {
		t.Errorf("got response id=%q, want q1", got)
	}
}

func TestDispatchDropsLateResponses(t *testing.T) {
	m := testManager(t, ComponentMode)
	var calls int
	m.AddHandler(handlerFunc(func(s Sender, st Stanza) (bool, error) {
		calls++
		return true, nil
	}))

	m.dispatch(Stanza{
		Name: xml.Name{Local: "iq"},
		Raw:  []byte(`<iq type="result" id="unknown"/>`),
	})
	if calls != 0 {
		t.Error("late iq response reached the stanza handlers")
	}
}

func TestDetachFailsPending(t *testing.T) {
	m := testManager(t, ComponentMode)
	p, err := m.SendIQ(`<iq type="get"/>`, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	m.detach(errors.New("stream error"))

	select {
	case res := <-p.Done():
		if !errors.Is(res.Err, ErrConnectionLost) {
			t.Errorf("got %v, want ErrConnectionLost", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on detach")
	}
}

func TestAttachFlushesRacingSends(t *testing.T) {
	m := testManager(t, ComponentMode)
	var wrote []string
	raced := false
	m.writeTo = func(_ *xmpp.Session, b []byte) error {
		wrote = append(wrote, string(b))
		if !raced {
			raced = true
			// A Send arriving while the queue is being drained lands
			// back on the queue; it must still go out before the
			// manager reports itself initialized.
			if err := m.Send("<message/>"); err != nil {
				t.Error(err)
			}
		}
		return nil
	}

	if err := m.Send("<presence/>"); err != nil {
		t.Fatal(err)
	}
	m.attach(nil)

	if len(wrote) != 2 {
		t.Fatalf("got %d writes, want 2: %v", len(wrote), wrote)
	}
	if got := wrote[1]; got != `<message from="news.example.org"></message>` {
		t.Errorf("racing stanza written as %s", got)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		t.Error("manager not initialized after attach")
	}
	if len(m.queue) != 0 {
		t.Errorf("%d stanzas left on the queue", len(m.queue))
	}
}

func TestTeeConnCopiesTraffic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var in, out bytes.Buffer
	conn := teeConn{client, &in, &out}

	go func() {
		server.Write([]byte("<stream>"))
	}()
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := in.String(); got != string(buf[:n]) {
		t.Errorf("tee-in got %q, conn read %q", got, buf[:n])
	}

	go io.Copy(io.Discard, server)
	if _, err := conn.Write([]byte("<presence/>")); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "<presence/>" {
		t.Errorf("tee-out got %q", got)
	}
}

type handlerFunc func(s Sender, st Stanza) (bool, error)

func (f handlerFunc) HandleStanza(s Sender, st Stanza) (bool, error) { return f(s, st) }

type prioHandler struct {
	handlerFunc
	prio int
}

func (h prioHandler) Priority() int { return h.prio }

func TestDispatchPriorityOrder(t *testing.T) {
	m := testManager(t, ComponentMode)
	var order []int

	add := func(prio int, handled bool) {
		m.AddHandler(prioHandler{
			handlerFunc: func(s Sender, st Stanza) (bool, error) {
				order = append(order, prio)
				return handled, nil
			},
			prio: prio,
		})
	}
	add(-1, true)
	add(10, false)
	add(0, false)

	m.dispatch(Stanza{Name: xml.Name{Local: "message"}, Raw: []byte(`<message/>`)})

	want := []int{10, 0, -1}
	if len(order) != len(want) {
		t.Fatalf("got calls %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got calls %v, want %v", order, want)
		}
	}
}

func TestDispatchStopsWhenHandled(t *testing.T) {
	m := testManager(t, ComponentMode)
	var second bool
	m.AddHandler(prioHandler{
		handlerFunc: func(s Sender, st Stanza) (bool, error) { return true, nil },
		prio:        1,
	})
	m.AddHandler(prioHandler{
		handlerFunc: func(s Sender, st Stanza) (bool, error) {
			second = true
			return false, nil
		},
		prio: 0,
	})

	m.dispatch(Stanza{Name: xml.Name{Local: "message"}, Raw: []byte(`<message/>`)})
	if second {
		t.Error("dispatch continued past a handler that claimed the stanza")
	}
}

type countingHandler struct{ calls int }

func (h *countingHandler) HandleStanza(s Sender, st Stanza) (bool, error) {
	h.calls++
	return false, nil
}

func TestRemoveHandler(t *testing.T) {
	m := testManager(t, ComponentMode)
	h := &countingHandler{}
	m.AddHandler(h)
	m.RemoveHandler(h)

	m.dispatch(Stanza{Name: xml.Name{Local: "message"}, Raw: []byte(`<message/>`)})
	if h.calls != 0 {
		t.Error("removed handler still dispatched")
	}
}
