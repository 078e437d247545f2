// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed fetches RSS and Atom feeds and normalizes their items.
package feed

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.astrophena.name/tgrssbot/internal/request"
	"go.astrophena.name/tgrssbot/internal/syncx"
	"go.astrophena.name/tgrssbot/internal/version"

	"github.com/mmcdole/gofeed"
)

// DefaultTimeout bounds a single fetch when [Config] doesn't set one.
const DefaultTimeout = 30 * time.Second

// ErrNotModified is returned by [Fetcher.Fetch] when the server reports that
// the feed didn't change since the previous fetch.
var ErrNotModified = errors.New("feed not modified")

// Entry is a single feed item with normalized fields.
type Entry struct {
	ID          string
	Title       string
	Link        string
	Description string
	// Published is the publish date as it appears in the feed.
	Published string
	// PublishedParsed is the publish time in UTC, truncated to seconds. It's
	// zero if the feed provides no parseable date for the item.
	PublishedParsed time.Time
}

// HasTime reports whether the entry has a parseable publish time.
func (e Entry) HasTime() bool { return !e.PublishedParsed.IsZero() }

// FetchError is returned when a feed can't be retrieved or parsed.
type FetchError struct {
	URL string
	Op  string // "request", "get" or "parse"
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorKind returns the error kind used by the supervisor.
func (e *FetchError) ErrorKind() string { return "fetch" }

// Config configures a [Fetcher].
type Config struct {
	HTTPClient *http.Client
	// Timeout bounds every fetch, including reading and parsing the body.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Fetcher fetches feeds over HTTP, remembering ETag and Last-Modified values
// to make conditional requests.
//
// Values received with a response are used for later requests only after
// [Fetcher.Commit] is called for that URL, so a caller that failed to handle
// the entries gets them again on the next fetch.
type Fetcher struct {
	httpc   *http.Client
	timeout time.Duration
	slog    *slog.Logger
	fp      *gofeed.Parser

	cache *syncx.Protected[*validatorCache]
}

type validatorCache struct {
	committed map[string]validators
	pending   map[string]validators
}

type validators struct {
	etag         string
	lastModified string
}

// New returns a new Fetcher.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		httpc:   cfg.HTTPClient,
		timeout: cmp.Or(cfg.Timeout, DefaultTimeout),
		slog:    cfg.Logger,
		fp:      gofeed.NewParser(),
		cache: syncx.Protect(&validatorCache{
			committed: make(map[string]validators),
			pending:   make(map[string]validators),
		}),
	}
	if f.httpc == nil {
		f.httpc = request.DefaultClient
	}
	if f.slog == nil {
		f.slog = slog.Default()
	}
	return f
}

// Fetch retrieves the feed at url and returns its entries in document order.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Op: "request", Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	var v validators
	f.cache.ReadAccess(func(c *validatorCache) { v = c.committed[url] })
	if v.etag != "" {
		req.Header.Set("If-None-Match", v.etag)
	}
	if v.lastModified != "" {
		req.Header.Set("If-Modified-Since", v.lastModified)
	}

	res, err := f.httpc.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Op: "get", Err: err}
	}
	defer res.Body.Close()

	f.slog.Debug(
		"fetched feed",
		"feed", url,
		"proto", res.Proto,
		"len", res.ContentLength,
		"status", res.StatusCode,
	)

	if res.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if res.StatusCode != http.StatusOK {
		const readLimit = 16384 // 16 KB is enough for error messages (probably)
		body, err := io.ReadAll(io.LimitReader(res.Body, readLimit))
		if err != nil {
			body = []byte("unable to read body")
		}
		return nil, &FetchError{URL: url, Op: "get", Err: &request.StatusError{StatusCode: res.StatusCode, Body: body}}
	}

	parsed, err := f.fp.Parse(res.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Op: "parse", Err: err}
	}

	f.cache.WriteAccess(func(c *validatorCache) {
		c.pending[url] = validators{
			etag:         res.Header.Get("ETag"),
			lastModified: res.Header.Get("Last-Modified"),
		}
	})

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, fromItem(item))
	}
	return entries, nil
}

// Commit makes the ETag and Last-Modified values of the last successful fetch
// of url apply to the following requests. Call it once all entries of that
// fetch were handled.
func (f *Fetcher) Commit(url string) {
	f.cache.WriteAccess(func(c *validatorCache) {
		v, ok := c.pending[url]
		if !ok {
			return
		}
		delete(c.pending, url)
		c.committed[url] = v
	})
}

func fromItem(item *gofeed.Item) Entry {
	e := Entry{
		ID:          cmp.Or(item.GUID, item.Link),
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		Published:   cmp.Or(item.Published, item.Updated),
	}
	switch {
	case item.PublishedParsed != nil:
		e.PublishedParsed = Normalize(*item.PublishedParsed)
	case item.UpdatedParsed != nil:
		e.PublishedParsed = Normalize(*item.UpdatedParsed)
	}
	return e
}

// Normalize converts t to UTC and drops everything below a second, the
// resolution the watermark is stored with.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
