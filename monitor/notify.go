// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package monitor

import (
	"encoding/xml"

	"github.com/rs/zerolog"

	"mimir.ik.nu/mimir/session"
)

// A Notifier delivers a news notification to a user. The message type
// selects the rendering: chat packs title, link, and optionally the
// description into the body, headline uses subject, body, and an
// out-of-band URL element.
type Notifier interface {
	SendNotification(to string, descriptionInNotify bool, messageType, title, link, description string) error
}

// XMPPNotifier renders notifications as XMPP messages.
type XMPPNotifier struct {
	sender session.Sender
	log    zerolog.Logger
}

// NewXMPPNotifier returns a notifier sending through s.
func NewXMPPNotifier(s session.Sender, logger zerolog.Logger) *XMPPNotifier {
	return &XMPPNotifier{
		sender: s,
		log:    logger.With().Str("component", "notifier").Logger(),
	}
}

type oobX struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
	Desc    string   `xml:"desc"`
}

type notifyMessage struct {
	XMLName xml.Name `xml:"message"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
	Subject string   `xml:"subject,omitempty"`
	Body    string   `xml:"body,omitempty"`
	OOB     *oobX
}

// SendNotification implements Notifier.
func (n *XMPPNotifier) SendNotification(to string, descriptionInNotify bool, messageType, title, link, description string) error {
	msg := notifyMessage{To: to, Type: messageType}

	switch messageType {
	case "chat":
		body := title + "\n" + link
		if description != "" && descriptionInNotify {
			body += "\n\n" + description + "\n\n"
		}
		msg.Body = body
	case "headline":
		msg.Subject = title
		msg.Body = description
		msg.OOB = &oobX{URL: link, Desc: title}
	}

	n.log.Debug().Str("to", to).Str("type", messageType).Str("title", title).Msg("sending notification")
	return n.sender.Send(msg)
}
