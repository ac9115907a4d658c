// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package publisher republishes discovered entries to an XMPP
// publish-subscribe service.
package publisher // import "mimir.ik.nu/mimir/publisher"

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"mimir.ik.nu/mimir/aggregator"
	"mimir.ik.nu/mimir/atom"
	"mimir.ik.nu/mimir/fetcher"
	"mimir.ik.nu/mimir/session"
)

// NSPubSub is the publish-subscribe protocol namespace.
const NSPubSub = "http://jabber.org/protocol/pubsub"

// Publisher sends discovered entries to the pub-sub service as Atom
// entry payloads, one item per entry. It implements
// aggregator.Handler.
type Publisher struct {
	sender  session.Sender
	service jid.JID
	writer  atom.WriterFunc
	log     zerolog.Logger
}

// New returns a Publisher targeting service. Entries are serialized
// with atom.Writer.
func New(sender session.Sender, service jid.JID, logger zerolog.Logger) *Publisher {
	return &Publisher{
		sender:  sender,
		service: service,
		writer:  atom.Writer,
		log:     logger.With().Str("component", "publisher").Logger(),
	}
}

type pubsubItem struct {
	ID      string `xml:"id,attr,omitempty"`
	Payload []byte `xml:",innerxml"`
}

type publishIQ struct {
	XMLName xml.Name `xml:"iq"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
	Pubsub  struct {
		Publish struct {
			Node  string       `xml:"node,attr"`
			Items []pubsubItem `xml:"item"`
		} `xml:"publish"`
	} `xml:"http://jabber.org/protocol/pubsub pubsub"`
}

type createIQ struct {
	XMLName xml.Name `xml:"iq"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
	Pubsub  struct {
		Create struct {
			Node string `xml:"node,attr"`
		} `xml:"create"`
		Configure struct{} `xml:"configure"`
	} `xml:"http://jabber.org/protocol/pubsub pubsub"`
}

// Node returns the pub-sub node identifier for a feed handle.
func Node(handle string) string {
	return aggregator.NodePrefix + handle
}

// EntriesDiscovered implements aggregator.Handler. The entries are
// published in the order given, one pub-sub item each, in a single
// publish request. An entry that cannot be serialized is logged and
// skipped; it does not fail the batch.
func (p *Publisher) EntriesDiscovered(ctx context.Context, handle string, feed fetcher.FeedInfo, entries []fetcher.Entry) error {
	iq, n := p.buildPublish(handle, entries)
	if n == 0 {
		p.log.Info().Str("handle", handle).Msg("nothing publishable")
		return nil
	}

	pending, err := p.sender.SendIQ(iq, 0)
	if err != nil {
		return err
	}
	st, err := pending.Await(ctx)
	if err != nil {
		return err
	}
	if cond, isErr := stanzaError(st); isErr {
		return fmt.Errorf("publisher: publish to %s failed: %s", Node(handle), cond)
	}

	p.log.Info().Str("handle", handle).Int("items", n).Msg("published items")
	return nil
}

// buildPublish assembles the publish request, skipping entries that
// fail to serialize, and reports how many items made it in.
func (p *Publisher) buildPublish(handle string, entries []fetcher.Entry) (*publishIQ, int) {
	iq := &publishIQ{
		To:   p.service.String(),
		Type: "set",
	}
	iq.Pubsub.Publish.Node = Node(handle)

	for _, e := range entries {
		payload, err := p.writer(e)
		if err != nil {
			p.log.Error().Err(err).Str("handle", handle).Str("id", e.ID).Msg("skipping unserializable entry")
			continue
		}
		iq.Pubsub.Publish.Items = append(iq.Pubsub.Publish.Items, pubsubItem{
			ID:      e.ID,
			Payload: payload,
		})
	}
	return iq, len(iq.Pubsub.Publish.Items)
}

// CheckNode makes sure the handle's node exists on the service by
// creating it. A conflict error means the node is already there and is
// treated as success.
func (p *Publisher) CheckNode(ctx context.Context, handle string) error {
	iq := &createIQ{
		To:   p.service.String(),
		Type: "set",
	}
	iq.Pubsub.Create.Node = Node(handle)

	pending, err := p.sender.SendIQ(iq, 0)
	if err != nil {
		return err
	}
	st, err := pending.Await(ctx)
	if err != nil {
		return err
	}
	if cond, isErr := stanzaError(st); isErr {
		if cond == "conflict" {
			return nil
		}
		return fmt.Errorf("publisher: creating node %s failed: %s", Node(handle), cond)
	}
	p.log.Info().Str("handle", handle).Msg("created node")
	return nil
}

type errorIQ struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`
	Error   struct {
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
	} `xml:"error"`
}

// stanzaError inspects a resolved IQ response. For an error response
// it returns the defined condition name and true.
func stanzaError(st session.Stanza) (string, bool) {
	var iq errorIQ
	if err := st.Decode(&iq); err != nil {
		return "", false
	}
	if iq.Type != "error" {
		return "", false
	}
	cond := iq.Error.Condition.XMLName.Local
	if cond == "" {
		cond = "undefined-condition"
	}
	return cond, true
}
