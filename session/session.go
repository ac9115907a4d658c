// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session maintains a single authenticated XMPP stream with
// automatic reconnection.
//
// A Manager owns the connection, a FIFO packet queue that buffers
// outbound stanzas while no initialized stream is available, and a
// table of pending IQ requests. Business logic attaches to a Manager
// as a Handler and is notified of stream lifecycle transitions.
package session // import "mimir.ik.nu/mimir/session"

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
)

// Errors returned to pending IQ futures.
var (
	// ErrTimeout indicates that no response was received to an IQ
	// request before its deadline.
	ErrTimeout = errors.New("session: iq request timed out")

	// ErrConnectionLost indicates that the stream ended before a
	// response was received.
	ErrConnectionLost = errors.New("session: connection lost")
)

// DefaultIQTimeout is used by SendIQ when no timeout is given.
const DefaultIQTimeout = 300 * time.Second

// maxBackoff caps the reconnect back-off.
const maxBackoff = 900 * time.Second

// Mode selects the stream negotiation style.
type Mode int

const (
	// ComponentMode negotiates an XEP-0114 component connection with
	// an upstream router.
	ComponentMode Mode = iota

	// ClientMode negotiates a client-to-server connection with
	// StartTLS and SASL.
	ClientMode
)

// Config configures a Manager.
type Config struct {
	// JID is the component or client address.
	JID jid.JID

	// Secret is the component handshake secret or the account
	// password, depending on Mode.
	Secret string

	Mode Mode

	// Addr is the upstream router address for component mode
	// (host:port). Ignored in client mode, where the server is
	// located through the JID.
	Addr string

	// TeeIn and TeeOut receive copies of the raw stream traffic when
	// non-nil.
	TeeIn, TeeOut io.Writer

	Logger zerolog.Logger
}

// A Handler attaches business logic to a Manager. Handler itself
// carries no methods; a handler participates in whichever of the
// optional interfaces below it implements.
type Handler interface{}

// ConnectionHandler is notified when a transport connection has been
// established, before stream negotiation.
type ConnectionHandler interface {
	ConnectionMade(s Sender)
}

// InitializedHandler is notified once the stream has authenticated
// and the packet queue has been drained. A handler added while the
// stream is already initialized is notified immediately.
type InitializedHandler interface {
	ConnectionInitialized(s Sender)
}

// DisconnectedHandler is notified when the stream ends.
type DisconnectedHandler interface {
	ConnectionLost(err error)
}

// StanzaHandler receives inbound stanzas. Returning handled true
// stops dispatch to lower priority handlers.
type StanzaHandler interface {
	HandleStanza(s Sender, st Stanza) (handled bool, err error)
}

// Prioritized orders stanza dispatch; higher priorities run first.
// Handlers that do not implement it dispatch at priority zero.
type Prioritized interface {
	Priority() int
}

// Sender is the stanza transmission surface handed to handlers. It is
// implemented by Manager.
type Sender interface {
	// Send enqueues a stanza for transmission. See Manager.Send.
	Send(v interface{}) error

	// SendIQ sends an IQ request and returns a future for its
	// response. See Manager.SendIQ.
	SendIQ(v interface{}, timeout time.Duration) (*Pending, error)
}

// Manager maintains a managed XMPP connection.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	handlers    []Handler
	sess        *xmpp.Session
	initialized bool
	queue       [][]byte
	pending     map[string]*Pending
	stopped     bool
	cancel      context.CancelFunc

	// wmu serializes writes to the live stream so that Send call
	// order is preserved on the wire.
	wmu sync.Mutex

	// writeTo is indirect so tests can intercept stream writes.
	writeTo func(sess *xmpp.Session, b []byte) error
}

// New returns an unconnected Manager. Call Run to establish and keep
// the connection.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "session").Logger(),
		pending: make(map[string]*Pending),
	}
	m.writeTo = m.write
	return m
}

// AddHandler registers h. If the stream is currently initialized and
// h implements InitializedHandler it is notified immediately.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	initialized := m.initialized
	m.mu.Unlock()

	if initialized {
		if ih, ok := h.(InitializedHandler); ok {
			ih.ConnectionInitialized(m)
		}
	}
}

// RemoveHandler unregisters h. Removing a handler that was never
// added is a no-op.
func (m *Manager) RemoveHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.handlers {
		if r == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Send enqueues a stanza. The value may be a struct that marshals to
// a stanza, an xml.TokenReader, a []byte, or a string of serialized
// XML. If the stream is up and initialized the stanza is written out
// immediately; otherwise it is appended to the packet queue and
// delivered, in FIFO order, after the next successful authentication.
//
// In component mode a missing from attribute is stamped with the
// component's bound host before the stanza hits the wire.
func (m *Manager) Send(v interface{}) error {
	b, err := m.prepare(v, false)
	if err != nil {
		return err
	}
	return m.send(b)
}

// SendIQ tags the stanza with a fresh unique id if it has none,
// enqueues it like Send, and returns a future that resolves with the
// matching result or error IQ, with ErrTimeout after the given
// timeout, or with ErrConnectionLost if the stream ends first. A zero
// timeout means DefaultIQTimeout.
func (m *Manager) SendIQ(v interface{}, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = DefaultIQTimeout
	}
	b, err := m.prepare(v, true)
	if err != nil {
		return nil, err
	}
	id, err := stanzaID(b)
	if err != nil {
		return nil, err
	}

	p := newPending(id)
	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		p.resolve(Stanza{}, ErrTimeout)
	})

	if err := m.send(b); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		p.cancelTimer()
		return nil, err
	}
	return p, nil
}

// Run dials, negotiates, and serves the stream, reconnecting with an
// exponential back-off capped at 900 seconds until ctx is cancelled
// or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return ErrConnectionLost
	}
	m.cancel = cancel
	m.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := m.dialConn(ctx)
		if err != nil {
			m.log.Error().Err(err).Msg("dial failed")
			if !m.sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		m.fanConnectionMade()

		sess, err := m.negotiate(ctx, conn)
		if err != nil {
			m.log.Error().Err(err).Msg("stream negotiation failed")
			conn.Close()
			if !m.sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		m.log.Info().Str("jid", m.cfg.JID.String()).Msg("stream initialized")

		m.attach(sess)
		m.fanInitialized()

		err = sess.Serve(xmpp.HandlerFunc(m.handleXMPP))
		m.detach(err)
		conn.Close()
		m.log.Warn().Err(err).Msg("stream ended")

		if !m.sleep(ctx, bo.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// Stop tears the connection down, cancels reconnection, and fails
// every pending IQ with ErrConnectionLost.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	sess := m.sess
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close()
	}
	m.detach(ErrConnectionLost)
}

func (m *Manager) dialConn(ctx context.Context) (net.Conn, error) {
	switch m.cfg.Mode {
	case ComponentMode:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", m.cfg.Addr)
	default:
		return dial.Client(ctx, "tcp", m.cfg.JID)
	}
}

func (m *Manager) negotiate(ctx context.Context, conn net.Conn) (*xmpp.Session, error) {
	var rw io.ReadWriter = conn
	if m.cfg.TeeIn != nil || m.cfg.TeeOut != nil {
		rw = teeConn{conn, m.cfg.TeeIn, m.cfg.TeeOut}
	}

	switch m.cfg.Mode {
	case ComponentMode:
		return component.NewSession(ctx, m.cfg.JID, []byte(m.cfg.Secret), rw)
	default:
		j := m.cfg.JID
		return xmpp.NewClientSession(ctx, j, rw,
			xmpp.StartTLS(&tls.Config{
				ServerName: j.Domain().String(),
			}),
			xmpp.SASL("", m.cfg.Secret, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
			xmpp.BindResource(),
		)
	}
}

// attach makes sess the live stream: the packet queue is drained in
// FIFO order onto the new stream before the manager reports itself
// initialized. Sends racing with the drain land on the queue, so the
// queue is re-checked until it stays empty.
func (m *Manager) attach(sess *xmpp.Session) {
	m.mu.Lock()
	m.sess = sess
	for len(m.queue) > 0 {
		queued := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, b := range queued {
			if err := m.writeTo(sess, b); err != nil {
				m.log.Error().Err(err).Msg("flushing packet queue")
			}
		}
		m.mu.Lock()
	}
	m.initialized = true
	m.mu.Unlock()
}

// detach clears the live stream and fails every pending IQ with
// ErrConnectionLost.
func (m *Manager) detach(err error) {
	m.mu.Lock()
	wasUp := m.sess != nil
	m.sess = nil
	m.initialized = false
	pending := m.pending
	m.pending = make(map[string]*Pending)
	m.mu.Unlock()

	for _, p := range pending {
		p.cancelTimer()
		p.resolve(Stanza{}, ErrConnectionLost)
	}
	if wasUp {
		m.fanConnectionLost(err)
	}
}

func (m *Manager) send(b []byte) error {
	m.mu.Lock()
	if m.sess == nil || !m.initialized {
		m.queue = append(m.queue, b)
		m.mu.Unlock()
		return nil
	}
	sess := m.sess
	m.mu.Unlock()
	return m.writeTo(sess, b)
}

func (m *Manager) write(sess *xmpp.Session, b []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sess.Send(ctx, xml.NewDecoder(bytes.NewReader(b)))
}

// prepare marshals v and rewrites its root start element: in
// component mode a missing from attribute is stamped with the bound
// host, and for IQ requests a missing id is generated.
func (m *Manager) prepare(v interface{}, ensureID bool) ([]byte, error) {
	var b []byte
	switch t := v.(type) {
	case []byte:
		b = t
	case string:
		b = []byte(t)
	case xml.TokenReader:
		var buf bytes.Buffer
		e := xml.NewEncoder(&buf)
		if _, err := xmlstream.Copy(e, t); err != nil {
			return nil, err
		}
		if err := e.Flush(); err != nil {
			return nil, err
		}
		b = buf.Bytes()
	default:
		var err error
		b, err = xml.Marshal(v)
		if err != nil {
			return nil, err
		}
	}

	var from string
	if m.cfg.Mode == ComponentMode {
		from = m.cfg.JID.Domain().String()
	}
	return rewriteRoot(b, from, ensureID)
}

func (m *Manager) sortedStanzaHandlers() []StanzaHandler {
	m.mu.Lock()
	hs := make([]Handler, len(m.handlers))
	copy(hs, m.handlers)
	m.mu.Unlock()

	var out []StanzaHandler
	for _, h := range hs {
		if sh, ok := h.(StanzaHandler); ok {
			out = append(out, sh)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priorityOf(out[i]) > priorityOf(out[j])
	})
	return out
}

func priorityOf(h interface{}) int {
	if p, ok := h.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// handleXMPP is served by the underlying stream for every top level
// element. The element is buffered once and then dispatched: pending
// IQ responses resolve their future and stop there; everything else
// fans out to the stanza handlers in priority order.
func (m *Manager) handleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	raw, err := bufferElement(t, start)
	if err != nil {
		return err
	}
	m.dispatch(Stanza{Name: start.Name, Raw: raw})
	return nil
}

func (m *Manager) dispatch(st Stanza) {
	if st.Name.Local == "iq" {
		typ := attrValue(st, "type")
		if typ == "result" || typ == "error" {
			id := attrValue(st, "id")
			m.mu.Lock()
			p, ok := m.pending[id]
			if ok {
				delete(m.pending, id)
			}
			m.mu.Unlock()
			if ok {
				p.cancelTimer()
				p.resolve(st, nil)
			}
			// Late responses are dropped silently.
			return
		}
	}

	for _, h := range m.sortedStanzaHandlers() {
		handled, err := h.HandleStanza(m, st)
		if err != nil {
			m.log.Error().Err(err).Str("stanza", st.Name.Local).Msg("stanza handler failed")
		}
		if handled {
			return
		}
	}
}

func (m *Manager) fanConnectionMade() {
	for _, h := range m.snapshotHandlers() {
		if ch, ok := h.(ConnectionHandler); ok {
			ch.ConnectionMade(m)
		}
	}
}

func (m *Manager) fanInitialized() {
	for _, h := range m.snapshotHandlers() {
		if ih, ok := h.(InitializedHandler); ok {
			ih.ConnectionInitialized(m)
		}
	}
}

func (m *Manager) fanConnectionLost(err error) {
	for _, h := range m.snapshotHandlers() {
		if dh, ok := h.(DisconnectedHandler); ok {
			dh.ConnectionLost(err)
		}
	}
}

func (m *Manager) snapshotHandlers() []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]Handler, len(m.handlers))
	copy(hs, m.handlers)
	return hs
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// bufferElement reconstructs the complete element (start tag, inner
// tokens, end tag) as serialized XML.
func bufferElement(t xml.TokenReader, start *xml.StartElement) ([]byte, error) {
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)
	if err := e.EncodeToken(*start); err != nil {
		return nil, err
	}
	if _, err := xmlstream.Copy(e, t); err != nil && err != io.EOF {
		return nil, err
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// teeConn copies stream traffic to the configured debug writers.
type teeConn struct {
	net.Conn
	in, out io.Writer
}

func (c teeConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.in != nil {
		c.in.Write(p[:n])
	}
	return n, err
}

func (c teeConn) Write(p []byte) (int, error) {
	if c.out != nil {
		c.out.Write(p)
	}
	return c.Conn.Write(p)
}

var _ fmt.Stringer = Stanza{}
