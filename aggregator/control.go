// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package aggregator

import (
	"encoding/xml"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mimir.ik.nu/mimir/session"
)

// NSAggregator is the namespace of the aggregator control protocol.
const NSAggregator = "http://mimir.ik.nu/protocol/aggregator"

// XMPPControl exposes the aggregator over XMPP: an iq set carrying an
// aggregator/feed element adds or updates a feed.
type XMPPControl struct {
	service *Service
	log     zerolog.Logger
}

// NewXMPPControl returns a control handler driving service.
func NewXMPPControl(service *Service, logger zerolog.Logger) *XMPPControl {
	return &XMPPControl{
		service: service,
		log:     logger.With().Str("component", "control").Logger(),
	}
}

type controlIQ struct {
	XMLName    xml.Name `xml:"iq"`
	ID         string   `xml:"id,attr"`
	To         string   `xml:"to,attr"`
	From       string   `xml:"from,attr"`
	Type       string   `xml:"type,attr"`
	Aggregator *struct {
		Feed struct {
			Handle string `xml:"handle"`
			URL    string `xml:"url"`
		} `xml:"feed"`
	} `xml:"http://mimir.ik.nu/protocol/aggregator aggregator"`
}

// HandleStanza implements session.StanzaHandler.
func (c *XMPPControl) HandleStanza(s session.Sender, st session.Stanza) (bool, error) {
	if st.Name.Local != "iq" {
		return false, nil
	}
	var iq controlIQ
	if err := st.Decode(&iq); err != nil {
		return false, nil
	}
	if iq.Type != "set" || iq.Aggregator == nil {
		return false, nil
	}

	handle := strings.TrimSpace(iq.Aggregator.Feed.Handle)
	url := strings.TrimSpace(iq.Aggregator.Feed.URL)

	// The response swaps to and from.
	to, _ := jid.Parse(iq.From)
	from, _ := jid.Parse(iq.To)
	reply := stanza.IQ{ID: iq.ID, To: to, From: from}

	if handle == "" || url == "" {
		reply.Type = stanza.ErrorIQ
		return true, s.Send(reply.Wrap(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
		}.TokenReader()))
	}

	_, err := c.service.SetFeed(handle, url)
	switch {
	case errors.Is(err, ErrInvalidHandle):
		c.log.Info().Str("handle", handle).Msg("rejected invalid handle")
		reply.Type = stanza.ErrorIQ
		return true, s.Send(reply.Wrap(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
			Text:      map[string]string{"": "Invalid handle"},
		}.TokenReader()))
	case err != nil:
		c.log.Error().Err(err).Str("handle", handle).Msg("set feed failed")
		reply.Type = stanza.ErrorIQ
		return true, s.Send(reply.Wrap(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.InternalServerError,
		}.TokenReader()))
	}

	c.log.Info().Str("handle", handle).Str("url", url).Msg("feed set")
	reply.Type = stanza.ResultIQ
	return true, s.Send(reply.Wrap(nil))
}
