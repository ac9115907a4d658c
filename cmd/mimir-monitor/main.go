// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The mimir-monitor command connects to an XMPP server as a regular
// client, tracks the presence of its roster contacts in Postgres, and
// turns the aggregator's publish-subscribe notifications into stored
// news items and user notifications.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"mimir.ik.nu/mimir/monitor"
	"mimir.ik.nu/mimir/session"
)

var (
	addr    = flag.String("jid", "", "JID of the monitor account")
	secret  = flag.String("secret", "", "account password")
	dbUser  = flag.String("dbuser", "", "database user")
	dbName  = flag.String("dbname", "mimir", "database name")
	verbose = flag.Bool("v", false, "show traffic")
	logJSON = flag.Bool("logjson", false, "log JSON instead of console output")
)

func main() {
	flag.Parse()

	logger := newLogger(*logJSON, *verbose)

	j, err := jid.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Str("jid", *addr).Msg("invalid JID")
	}
	if *secret == "" {
		logger.Fatal().Msg("no secret provided")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, dsn(*dbUser, *dbName))
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to database")
	}
	defer pool.Close()

	store, err := monitor.NewStore(ctx, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initializing presence store")
	}

	cfg := session.Config{
		JID:    j,
		Secret: *secret,
		Mode:   session.ClientMode,
		Logger: logger,
	}
	if *verbose {
		cfg.TeeIn = prefixWriter{logger, "RECV"}
		cfg.TeeOut = prefixWriter{logger, "SEND"}
	}
	manager := session.New(cfg)
	manager.AddHandler(session.FallbackHandler{})

	presence := monitor.NewPresenceMonitor(store, logger)
	notifier := monitor.NewXMPPNotifier(manager, logger)
	news := monitor.NewNewsService(pool, notifier, logger)
	presence.OnChange(news.OnPresenceChange)

	manager.AddHandler(presence)
	manager.AddHandler(news)

	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("session ended")
	}
}

func dsn(user, name string) string {
	parts := []string{"dbname=" + name}
	if user != "" {
		parts = append(parts, "user="+user)
	}
	return strings.Join(parts, " ")
}

func newLogger(jsonOut, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if jsonOut {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// prefixWriter feeds raw stream traffic into the log.
type prefixWriter struct {
	log    zerolog.Logger
	prefix string
}

func (w prefixWriter) Write(p []byte) (int, error) {
	w.log.Debug().Str("dir", w.prefix).Msg(string(p))
	return len(p), nil
}
