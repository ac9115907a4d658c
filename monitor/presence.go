// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"mimir.ik.nu/mimir/session"
)

// PresenceStore is the persistence surface the presence monitor
// needs. It is implemented by *Store.
type PresenceStore interface {
	SetPresence(ctx context.Context, entity jid.JID, available bool, show, status string, priority int) (bool, error)
	RemovePresences(ctx context.Context, entity jid.JID) error
}

// A ChangeFunc observes changes to the presence of a bare JID as seen
// through its top resource. The entity is the full JID the triggering
// presence came from.
type ChangeFunc func(entity jid.JID, available bool, show string)

// PresenceMonitor records contact presence. It answers subscription
// requests in kind: subscribe is granted and returned, unsubscribe is
// granted and returned, and unsubscribed tears down everything known
// about the contact.
type PresenceMonitor struct {
	store PresenceStore
	log   zerolog.Logger

	mu        sync.Mutex
	callbacks []ChangeFunc

	// dbTimeout bounds each storage call.
	dbTimeout time.Duration
}

// NewPresenceMonitor returns a monitor persisting to store.
func NewPresenceMonitor(store PresenceStore, logger zerolog.Logger) *PresenceMonitor {
	return &PresenceMonitor{
		store:     store,
		log:       logger.With().Str("component", "presence").Logger(),
		dbTimeout: 30 * time.Second,
	}
}

// OnChange registers f to run after every presence change that
// altered the bare JID's visible presence.
func (m *PresenceMonitor) OnChange(f ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, f)
}

type rosterQuery struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`
	Query   struct{} `xml:"jabber:iq:roster query"`
}

// ConnectionInitialized implements session.InitializedHandler: it
// fetches the roster and announces availability.
func (m *PresenceMonitor) ConnectionInitialized(s session.Sender) {
	if _, err := s.SendIQ(rosterQuery{Type: "get"}, 0); err != nil {
		m.log.Error().Err(err).Msg("requesting roster")
	}
	if err := s.Send("<presence/>"); err != nil {
		m.log.Error().Err(err).Msg("sending initial presence")
	}
}

type presencePayload struct {
	XMLName  xml.Name `xml:"presence"`
	From     string   `xml:"from,attr"`
	Type     string   `xml:"type,attr"`
	Show     string   `xml:"show"`
	Status   string   `xml:"status"`
	Priority string   `xml:"priority"`
}

type presenceReply struct {
	XMLName xml.Name `xml:"presence"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
}

// HandleStanza implements session.StanzaHandler.
func (m *PresenceMonitor) HandleStanza(s session.Sender, st session.Stanza) (bool, error) {
	if st.Name.Local != "presence" {
		return false, nil
	}
	var p presencePayload
	if err := st.Decode(&p); err != nil {
		return true, err
	}
	entity, err := jid.Parse(p.From)
	if err != nil {
		return true, err
	}

	typ := p.Type
	if typ == "" {
		typ = "available"
	}

	switch typ {
	case "available":
		m.onAvailable(entity, p)
	case "unavailable":
		m.onUnavailable(entity, p)
	case "subscribe":
		m.log.Info().Str("from", entity.String()).Msg("got subscription request")
		m.replyBoth(s, entity, "subscribed", "subscribe")
	case "subscribed":
		m.log.Info().Str("from", entity.String()).Msg("subscription granted")
	case "unsubscribe":
		m.log.Info().Str("from", entity.String()).Msg("got unsubscription request")
		m.replyBoth(s, entity, "unsubscribed", "unsubscribe")
	case "unsubscribed":
		m.log.Info().Str("from", entity.String()).Msg("subscription revoked")
		ctx, cancel := context.WithTimeout(context.Background(), m.dbTimeout)
		defer cancel()
		if err := m.store.RemovePresences(ctx, entity); err != nil {
			return true, err
		}
	}
	return true, nil
}

// replyBoth grants the request and returns the favour.
func (m *PresenceMonitor) replyBoth(s session.Sender, entity jid.JID, grant, favour string) {
	for _, typ := range []string{grant, favour} {
		err := s.Send(presenceReply{To: entity.String(), Type: typ})
		if err != nil {
			m.log.Error().Err(err).Str("type", typ).Msg("sending presence reply")
		}
	}
}

func (m *PresenceMonitor) onAvailable(entity jid.JID, p presencePayload) {
	show := normalizeShow(p.Show)
	priority := parsePriority(p.Priority)
	m.log.Debug().Str("from", entity.String()).Str("show", show).Int("priority", priority).Msg("available")
	m.storePresence(entity, true, show, p.Status, priority)
}

func (m *PresenceMonitor) onUnavailable(entity jid.JID, p presencePayload) {
	m.log.Debug().Str("from", entity.String()).Msg("unavailable")
	m.storePresence(entity, false, "", p.Status, 0)
}

func (m *PresenceMonitor) storePresence(entity jid.JID, available bool, show, status string, priority int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dbTimeout)
	defer cancel()

	changed, err := m.store.SetPresence(ctx, entity, available, show, status, priority)
	if err != nil {
		m.log.Error().Err(err).Str("from", entity.String()).Msg("storing presence")
		return
	}
	m.log.Debug().Str("from", entity.String()).Bool("changed", changed).Msg("stored presence")
	if !changed {
		return
	}

	m.mu.Lock()
	callbacks := make([]ChangeFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()
	for _, f := range callbacks {
		f(entity, available, show)
	}
}

// normalizeShow collapses a show value to one of the defined states
// or the empty string (online).
func normalizeShow(show string) string {
	show = strings.TrimSpace(show)
	switch show {
	case "away", "xa", "chat", "dnd":
		return show
	}
	return ""
}

// parsePriority follows the lenient reading of the priority element:
// anything that is not an integer counts as zero.
func parsePriority(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
