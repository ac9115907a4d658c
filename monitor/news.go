// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"mimir.ik.nu/mimir/session"
)

// NSAtom is the Atom namespace.
const NSAtom = "http://www.w3.org/2005/Atom"

// NSPubSubEvent is the pub-sub event notification namespace.
const NSPubSubEvent = "http://jabber.org/protocol/pubsub#event"

var (
	newsNode = regexp.MustCompile(`^mimir/news/(.+)$`)
	sgmlTag  = regexp.MustCompile(`(?s)<.+?>`)
)

// NewsService receives the aggregator's pub-sub notifications and
// fans them out to subscribed users: entries are stored on each
// subscriber's news page, users who want item notifications get a
// message per entry, and a presence change can trigger a digest of
// what accumulated while they were away.
type NewsService struct {
	pool     *pgxpool.Pool
	notifier Notifier
	log      zerolog.Logger

	dbTimeout time.Duration

	// afterFunc is indirect so tests can intercept the digest delay.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewNewsService returns a news service storing to pool and notifying
// through notifier.
func NewNewsService(pool *pgxpool.Pool, notifier Notifier, logger zerolog.Logger) *NewsService {
	return &NewsService{
		pool:      pool,
		notifier:  notifier,
		log:       logger.With().Str("component", "news").Logger(),
		dbTimeout: 30 * time.Second,
		afterFunc: time.AfterFunc,
	}
}

// entryElement captures an Atom entry payload together with the
// attributes on its start tag, so namespace declarations made there
// survive re-serialization.
type entryElement struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Inner []byte     `xml:",innerxml"`
}

func (e *entryElement) serialize() string {
	var b strings.Builder
	b.WriteString("<entry")
	for _, a := range e.Attrs {
		switch {
		case a.Name.Space == "xmlns":
			b.WriteString(" xmlns:" + a.Name.Local)
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			b.WriteString(" xmlns")
		case a.Name.Space == "":
			b.WriteString(" " + a.Name.Local)
		default:
			continue
		}
		b.WriteString(`="`)
		xml.EscapeText(&b, []byte(a.Value))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	b.Write(e.Inner)
	b.WriteString("</entry>")
	return b.String()
}

type eventItem struct {
	ID    string        `xml:"id,attr"`
	Entry *entryElement `xml:"http://www.w3.org/2005/Atom entry"`
}

type eventMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	Event   *struct {
		Items *struct {
			Node  string      `xml:"node,attr"`
			Items []eventItem `xml:"item"`
		} `xml:"items"`
	} `xml:"http://jabber.org/protocol/pubsub#event event"`
}

// HandleStanza implements session.StanzaHandler. It consumes pub-sub
// event messages whose node carries the news prefix; other messages
// pass through.
func (n *NewsService) HandleStanza(s session.Sender, st session.Stanza) (bool, error) {
	if st.Name.Local != "message" {
		return false, nil
	}
	var msg eventMessage
	if err := st.Decode(&msg); err != nil {
		return false, nil
	}
	if msg.Event == nil || msg.Event.Items == nil {
		return false, nil
	}

	m := newsNode.FindStringSubmatch(msg.Event.Items.Node)
	if m == nil {
		return false, nil
	}
	channel := m[1]

	var entries []string
	for _, item := range msg.Event.Items.Items {
		if item.Entry == nil {
			continue
		}
		entries = append(entries, item.Entry.serialize())
	}
	if len(entries) == 0 {
		return true, nil
	}

	n.log.Info().Str("channel", channel).Int("entries", len(entries)).Msg("got entries")

	ctx, cancel := context.WithTimeout(context.Background(), n.dbTimeout)
	defer cancel()
	return true, n.Process(ctx, channel, entries)
}

type notification struct {
	jid                 string
	descriptionInNotify bool
	messageType         string
}

// Process stores the channel's new entries and notifies subscribers.
// Each entry is an Atom entry element in serialized form.
func (n *NewsService) Process(ctx context.Context, channel string, entries []string) error {
	feed, err := parseEntries(entries)
	if err != nil {
		return err
	}

	tx, err := n.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var title string
	err = tx.QueryRow(ctx,
		`SELECT title FROM channels WHERE channel=$1`, channel).Scan(&title)
	if err != nil {
		return err
	}
	n.log.Debug().Str("channel", channel).Str("title", title).Msg("channel title")

	notifications, markUnread, err := n.notifyList(ctx, tx, channel)
	if err != nil {
		return err
	}

	var notifyItems []*gofeed.Item
	for _, item := range feed.Items {
		newsID, inserted, err := n.storeItem(ctx, tx, channel, item)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		for _, userID := range markUnread {
			_, err := tx.Exec(ctx, `
				INSERT INTO news_flags (user_id, news_id, unread)
				VALUES ($1, $2, true)`,
				userID, newsID)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE news_page SET notified=false WHERE user_id=$1`,
				userID)
			if err != nil {
				return err
			}
		}
		notifyItems = append(notifyItems, item)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	n.notify(title, notifications, notifyItems)
	return nil
}

// parseEntries wraps the entries in a feed document and runs them
// back through the feed parser, so the monitor sees exactly what a
// polling client would.
func parseEntries(entries []string) (*gofeed.Feed, error) {
	var doc strings.Builder
	doc.WriteString(`<feed xmlns="` + NSAtom + `">`)
	for _, e := range entries {
		doc.WriteString(e)
	}
	doc.WriteString(`</feed>`)
	return gofeed.NewParser().ParseString(doc.String())
}

// notifyList splits the channel's subscribers into those that get a
// message per item and those whose items are silently marked unread.
func (n *NewsService) notifyList(ctx context.Context, tx pgx.Tx, channel string) ([]notification, []int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT u.user_id, u.jid, nn.notify, p.description_in_notify,
		       p.message_type, p.store_offline, nn.notify_items
		FROM auth_user u
		JOIN news_prefs p USING (user_id)
		JOIN news_notify nn USING (user_id)
		JOIN news_subscriptions s USING (user_id)
		WHERE NOT u.suspended AND s.channel=$1`,
		channel)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		notifications []notification
		markUnread    []int64
	)
	for rows.Next() {
		var (
			userID                      int64
			userJID, messageType        string
			notify, descriptionInNotify bool
			storeOffline, notifyItems   bool
		)
		err := rows.Scan(&userID, &userJID, &notify, &descriptionInNotify,
			&messageType, &storeOffline, &notifyItems)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case notify && notifyItems:
			notifications = append(notifications, notification{
				jid:                 userJID,
				descriptionInNotify: descriptionInNotify,
				messageType:         messageType,
			})
		case storeOffline:
			markUnread = append(markUnread, userID)
		}
	}
	return notifications, markUnread, rows.Err()
}

// storeItem upserts the entry keyed on (channel, link). An update of
// an already known entry reports inserted false so no notifications
// go out for mere edits.
func (n *NewsService) storeItem(ctx context.Context, tx pgx.Tx, channel string, item *gofeed.Item) (int64, bool, error) {
	title, link, description, date := extractBasics(item)
	parsed, err := json.Marshal(item)
	if err != nil {
		return 0, false, err
	}

	n.log.Debug().Str("channel", channel).Str("id", item.GUID).Msg("storing item")

	tag, err := tx.Exec(ctx, `
		UPDATE news SET title=$1, description=$2, date=$3, parsed=$4
		WHERE channel=$5 AND link=$6`,
		title, description, date, parsed, channel, link)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() == 1 {
		return 0, false, nil
	}

	var newsID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO news (channel, title, link, description, date, parsed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING news_id`,
		channel, title, link, description, date, parsed).Scan(&newsID)
	return newsID, true, err
}

// extractBasics pulls the stored columns out of a parsed entry. The
// description prefers full content over the summary, and the date
// prefers updated over published, falling back to the current time.
func extractBasics(item *gofeed.Item) (title, link, description string, date time.Time) {
	title = item.Title

	link = item.Link
	if fb, ok := item.Extensions["feedburner"]; ok {
		if orig := fb["origLink"]; len(orig) > 0 && orig[0].Value != "" {
			link = orig[0].Value
		}
	}

	description = item.Content
	if description == "" {
		description = item.Description
	}

	switch {
	case item.UpdatedParsed != nil:
		date = item.UpdatedParsed.UTC()
	case item.PublishedParsed != nil:
		date = item.PublishedParsed.UTC()
	default:
		date = time.Now().UTC()
	}
	return title, link, description, date
}

func (n *NewsService) notify(channelTitle string, notifications []notification, items []*gofeed.Item) {
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = "-- no title --"
		}
		title = channelTitle + ": " + title
		description := cleanDescription(item.Description)

		for _, target := range notifications {
			err := n.notifier.SendNotification(target.jid,
				target.descriptionInNotify, target.messageType,
				title, item.Link, description)
			if err != nil {
				n.log.Error().Err(err).Str("to", target.jid).Msg("sending item notification")
			}
		}
	}
}

// cleanDescription strips markup from a summary so it can travel in a
// plain message body.
func cleanDescription(description string) string {
	if description == "" {
		return ""
	}
	description = sgmlTag.ReplaceAllString(description, "")
	description = html.UnescapeString(description)
	return strings.TrimRight(description, " \t\r\n")
}

// OnPresenceChange implements ChangeFunc: five seconds after a
// contact's visible presence changes, check whether their news page
// has anything they have not been told about.
func (n *NewsService) OnPresenceChange(entity jid.JID, available bool, show string) {
	if available {
		switch show {
		case "away", "xa", "dnd", "chat":
		default:
			show = "online"
		}
	} else {
		show = "offline"
	}

	n.log.Debug().Str("entity", entity.String()).Str("show", show).Msg("presence change")
	n.afterFunc(5*time.Second, func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.dbTimeout)
		defer cancel()
		if err := n.PageNotify(ctx, entity, show); err != nil {
			n.log.Error().Err(err).Str("entity", entity.String()).Msg("page notify failed")
		}
	})
}

// PageNotify sends a digest of unseen news page items to entity if
// their preferences select notification in the given presence state,
// then marks the page notified. No unseen items, no message.
func (n *NewsService) PageNotify(ctx context.Context, entity jid.JID, show string) error {
	var (
		userID      int64
		messageType string
		ssl         bool
		count       int
	)
	err := n.pool.QueryRow(ctx, `
		SELECT u.user_id, p.message_type, p.ssl, count(nw.news_id)
		FROM auth_user u
		JOIN news_prefs p USING (user_id)
		JOIN news_notify_presences np USING (user_id)
		JOIN news_page pg USING (user_id)
		JOIN news_flags f USING (user_id)
		JOIN news nw USING (news_id)
		WHERE u.jid=$1 AND NOT u.suspended AND np.presence=$2 AND
		      NOT pg.notified AND nw.date > pg.last_visit
		GROUP BY u.user_id, p.message_type, p.ssl`,
		entity.Bare().String(), show).Scan(&userID, &messageType, &ssl, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	scheme := "http"
	if ssl {
		scheme = "https"
	}
	description := "There are " + strconv.Itoa(count) + " new items on your news page"
	if count == 1 {
		description = "There is 1 new item on your news page"
	}

	err = n.notifier.SendNotification(entity.String(), true, messageType,
		"New news on Mimír!", scheme+"://mimir.ik.nu/news", description)
	if err != nil {
		return err
	}

	_, err = n.pool.Exec(ctx,
		`UPDATE news_page SET notified=true WHERE user_id=$1`, userID)
	return err
}
