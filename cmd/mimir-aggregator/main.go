// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The mimir-aggregator command polls registered feeds and republishes
// new entries to an XMPP publish-subscribe service. It connects to
// the XMPP server as an external component.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"

	"mimir.ik.nu/mimir/aggregator"
	"mimir.ik.nu/mimir/feeds"
	"mimir.ik.nu/mimir/fetcher"
	"mimir.ik.nu/mimir/publisher"
	"mimir.ik.nu/mimir/session"
)

var (
	feedsFile   = flag.String("feeds", "feeds", "file that holds the list of feeds")
	addr        = flag.String("jid", "aggregator", "JID of this component")
	secret      = flag.String("secret", "secret", "secret to connect to the upstream server")
	rhost       = flag.String("rhost", "127.0.0.1", "upstream server address")
	rport       = flag.Int("rport", 5347, "upstream server port")
	service     = flag.String("service", "", "publish-subscribe service JID")
	webPort     = flag.Int("web-port", 0, "HTTP control port (0 disables)")
	verbose     = flag.Bool("v", false, "show traffic")
	logJSON     = flag.Bool("logjson", false, "log JSON instead of console output")
	showVersion = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("mimir-aggregator", aggregator.Version)
		return
	}

	logger := newLogger(*logJSON, *verbose)

	j, err := jid.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Str("jid", *addr).Msg("invalid component JID")
	}
	if *service == "" {
		logger.Fatal().Msg("no publish-subscribe service provided")
	}
	pubsubService, err := jid.Parse(*service)
	if err != nil {
		logger.Fatal().Err(err).Str("service", *service).Msg("invalid service JID")
	}

	cfg := session.Config{
		JID:    j,
		Secret: *secret,
		Mode:   session.ComponentMode,
		Addr:   net.JoinHostPort(*rhost, strconv.Itoa(*rport)),
		Logger: logger,
	}
	if *verbose {
		cfg.TeeIn = prefixWriter{logger, "RECV"}
		cfg.TeeOut = prefixWriter{logger, "SEND"}
	}
	manager := session.New(cfg)
	manager.AddHandler(session.FallbackHandler{})

	storage := feeds.NewStorage(*feedsFile)
	getter := fetcher.New(aggregator.Agent, logger)
	pub := publisher.New(manager, pubsubService, logger)
	svc := aggregator.New(storage, getter, pub, logger)
	manager.AddHandler(aggregator.NewXMPPControl(svc, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("starting aggregator")
	}
	defer svc.Stop()

	if *webPort != 0 {
		reg := prometheus.NewRegistry()
		if err := svc.Metrics().Register(reg); err != nil {
			logger.Fatal().Err(err).Msg("registering metrics")
		}

		mux := http.NewServeMux()
		mux.Handle("/", aggregator.WebHandler(svc, pubsubService, logger))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		web := &http.Server{
			Addr:    net.JoinHostPort("", strconv.Itoa(*webPort)),
			Handler: mux,
		}
		go func() {
			logger.Info().Str("addr", web.Addr).Msg("web interface listening")
			if err := web.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("web server failed")
			}
		}()
		defer web.Shutdown(context.Background())
	}

	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("session ended")
	}
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
