// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package monitor

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

// testStore connects to the database named by MIMIR_TEST_DSN, which
// must have schema.sql loaded. Without the variable the test is
// skipped.
func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("MIMIR_TEST_DSN")
	if dsn == "" {
		t.Skip("MIMIR_TEST_DSN not set; skipping database test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE roster, presences RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	store, err := NewStore(ctx, pool, zerolog.Nop())
	require.NoError(t, err)
	return store, pool
}

func TestStoreTopResourceElection(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()
	home := jid.MustParse("ralphm@example.org/Home")
	work := jid.MustParse("ralphm@example.org/Work")

	// First resource comes online and becomes the top resource.
	changed, err := store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)
	assert.True(t, changed, "first available presence")

	// The same presence again changes nothing.
	changed, err = store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)
	assert.False(t, changed, "repeated presence")

	// A higher priority resource takes over the top spot.
	changed, err = store.SetPresence(ctx, work, true, "away", "at work", 10)
	require.NoError(t, err)
	assert.True(t, changed, "new top resource")

	// A show change on the non-top resource is invisible.
	changed, err = store.SetPresence(ctx, home, true, "dnd", "", 0)
	require.NoError(t, err)
	assert.False(t, changed, "non-top resource change")

	// The top resource going offline hands the spot back.
	changed, err = store.SetPresence(ctx, work, false, "", "", 0)
	require.NoError(t, err)
	assert.True(t, changed, "top resource going offline")

	var topResource string
	err = pool.QueryRow(ctx, `
		SELECT p.resource FROM roster r
		JOIN presences p USING (presence_id)
		WHERE r.jid=$1`,
		"ralphm@example.org").Scan(&topResource)
	require.NoError(t, err)
	assert.Equal(t, "Home", topResource)
}

func TestStoreElectionPrefersNewestOnTie(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()
	home := jid.MustParse("ralphm@example.org/Home")
	work := jid.MustParse("ralphm@example.org/Work")

	_, err := store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)

	// Equal priority: the freshest available presence wins the top
	// spot.
	changed, err := store.SetPresence(ctx, work, true, "", "", 0)
	require.NoError(t, err)
	assert.True(t, changed, "freshest resource takes over")

	var topResource string
	err = pool.QueryRow(ctx, `
		SELECT p.resource FROM roster r
		JOIN presences p USING (presence_id)
		WHERE r.jid=$1`,
		"ralphm@example.org").Scan(&topResource)
	require.NoError(t, err)
	assert.Equal(t, "Work", topResource)
}

func TestStoreLoneResourceGoingOffline(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	home := jid.MustParse("ralphm@example.org/Home")

	_, err := store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)

	// The only resource going offline changes the bare JID's presence
	// even though the show value never moved.
	changed, err := store.SetPresence(ctx, home, false, "", "", 0)
	require.NoError(t, err)
	assert.True(t, changed, "availability change on the top resource")
}

func TestStoreUnavailablePredecessorReplaced(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()
	home := jid.MustParse("ralphm@example.org/Home")

	_, err := store.SetPresence(ctx, home, false, "", "", 0)
	require.NoError(t, err)

	var firstID int64
	err = pool.QueryRow(ctx,
		`SELECT presence_id FROM presences WHERE jid=$1 AND resource=$2`,
		"ralphm@example.org", "Home").Scan(&firstID)
	require.NoError(t, err)

	// Coming back online replaces the unavailable record with a fresh
	// one.
	_, err = store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)

	var secondID int64
	var typ string
	err = pool.QueryRow(ctx,
		`SELECT presence_id, type FROM presences WHERE jid=$1 AND resource=$2`,
		"ralphm@example.org", "Home").Scan(&secondID, &typ)
	require.NoError(t, err)
	assert.Equal(t, "available", typ)
	assert.NotEqual(t, firstID, secondID, "unavailable predecessor kept its row")
}

func TestStoreRemovePresences(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()
	home := jid.MustParse("ralphm@example.org/Home")

	_, err := store.SetPresence(ctx, home, true, "", "", 0)
	require.NoError(t, err)
	require.NoError(t, store.RemovePresences(ctx, home))

	var count int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM presences WHERE jid=$1`, "ralphm@example.org").Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewStoreResetsAvailable(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	_, err := store.SetPresence(ctx, jid.MustParse("ralphm@example.org/Home"), true, "away", "", 5)
	require.NoError(t, err)

	// A restart distrusts everything recorded as available.
	_, err = NewStore(ctx, pool, zerolog.Nop())
	require.NoError(t, err)

	var typ, show string
	var priority int
	err = pool.QueryRow(ctx,
		`SELECT type, show, priority FROM presences WHERE jid=$1`,
		"ralphm@example.org").Scan(&typ, &show, &priority)
	require.NoError(t, err)
	assert.Equal(t, "unavailable", typ)
	assert.Empty(t, show)
	assert.Zero(t, priority)
}
