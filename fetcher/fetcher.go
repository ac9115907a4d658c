// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package fetcher downloads and parses syndicated feeds.
//
// The fetcher honours HTTP conditional GET semantics: it keeps a
// response cache keyed by the original request URL and injects
// If-None-Match and If-Modified-Since headers on later requests for
// the same URL. A 304 response short-circuits with ErrNotModified
// before any body is read.
package fetcher // import "mimir.ik.nu/mimir/fetcher"

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

// ErrNotModified is returned when the server answered 304 Not
// Modified for a conditional request.
var ErrNotModified = errors.New("fetcher: not modified")

// acceptHeader mirrors the broad Accept header the Universal Feed
// Parser sends.
const acceptHeader = "application/atom+xml,application/rdf+xml,application/rss+xml,application/x-netcdf,application/xml;q=0.9,text/xml;q=0.2,*/*;q=0.1"

// Options modify a single fetch.
type Options struct {
	// Headers are extra request headers. They take precedence over
	// any header the fetcher would set itself.
	Headers map[string]string

	// UseCache injects conditional headers from the response cache.
	UseCache bool
}

type cacheEntry struct {
	etag         string
	lastModified string
}

// Fetcher downloads feed URLs. The zero value is not usable; use New.
type Fetcher struct {
	agent     string
	transport http.RoundTripper
	timeout   time.Duration
	parser    *gofeed.Parser
	log       zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Fetcher identifying itself as agent.
func New(agent string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		agent:     agent,
		transport: http.DefaultTransport,
		timeout:   60 * time.Second,
		parser:    gofeed.NewParser(),
		log:       logger.With().Str("component", "fetcher").Logger(),
		cache:     make(map[string]cacheEntry),
	}
}

// Cached reports the conditional header values cached for url.
func (f *Fetcher) Cached(url string) (etag, lastModified string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cache[url]
	return c.etag, c.lastModified, ok
}

// GetFeed downloads url and returns the parsed result.
//
// Redirects are followed. Any 301 in the chain rewrites the cache key
// to the final URL and is surfaced as Status "301" so that callers
// can persist the relocation. A 304 returns ErrNotModified; any other
// non-success final status returns *Error.
func (f *Fetcher) GetFeed(ctx context.Context, url string, opts Options) (*FeedResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.UseCache {
		f.mu.Lock()
		c, ok := f.cache[url]
		f.mu.Unlock()
		if ok {
			if c.etag != "" && req.Header.Get("If-None-Match") == "" {
				req.Header.Set("If-None-Match", c.etag)
			}
			if c.lastModified != "" && req.Header.Get("If-Modified-Since") == "" {
				req.Header.Set("If-Modified-Since", c.lastModified)
			}
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptHeader)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.agent)
	}

	// The redirect callback observes the response that caused each
	// hop, which is how permanent relocations are detected.
	permanent := false
	client := &http.Client{
		Transport: f.transport,
		Timeout:   f.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if req.Response != nil && req.Response.StatusCode == http.StatusMovedPermanently {
				permanent = true
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, ErrNotModified
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    "unexpected response status",
		}
	}

	cacheKey := url
	if permanent {
		cacheKey = finalURL
	}
	f.updateCache(cacheKey, resp.Header)

	body, err := decodeBody(resp)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}

	status := strconv.Itoa(resp.StatusCode)
	if permanent {
		status = "301"
	}
	result := &FeedResult{
		Status:  status,
		URL:     finalURL,
		Headers: resp.Header,
	}

	parsed, err := f.parser.Parse(body)
	if err != nil {
		// Ill-formed input raises the bozo flag but still yields a
		// result so the poll cycle can complete.
		result.Bozo = true
		result.BozoException = err.Error()
		f.log.Debug().Str("url", url).Err(err).Msg("bozo feed")
		return result, nil
	}
	result.Feed, result.Entries = resultFromFeed(parsed)
	return result, nil
}

func (f *Fetcher) updateCache(key string, h http.Header) {
	etag := h.Get("ETag")
	lastModified := h.Get("Last-Modified")
	if lastModified == "" {
		lastModified = h.Get("Date")
	}
	if etag == "" && lastModified == "" {
		return
	}
	f.mu.Lock()
	f.cache[key] = cacheEntry{etag: etag, lastModified: lastModified}
	f.mu.Unlock()
}

// decodeBody undoes the content encoding we asked for explicitly.
// Setting Accept-Encoding by hand disables the transport's automatic
// gzip handling.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
