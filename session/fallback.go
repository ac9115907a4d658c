// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// FallbackHandler catches IQ requests that no other handler claimed
// and replies with a service-unavailable stanza error. It dispatches
// at negative priority so that it always runs last.
type FallbackHandler struct{}

// Priority implements Prioritized.
func (FallbackHandler) Priority() int { return -1 }

// HandleStanza implements StanzaHandler.
func (FallbackHandler) HandleStanza(s Sender, st Stanza) (bool, error) {
	if st.Name.Local != "iq" {
		return false, nil
	}
	typ := attrValue(st, "type")
	if typ != "get" && typ != "set" {
		return false, nil
	}

	to, _ := jid.Parse(attrValue(st, "from"))
	from, _ := jid.Parse(attrValue(st, "to"))
	reply := stanza.IQ{
		ID:   attrValue(st, "id"),
		To:   to,
		From: from,
		Type: stanza.ErrorIQ,
	}
	err := s.Send(reply.Wrap(stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.ServiceUnavailable,
	}.TokenReader()))
	return true, err
}
