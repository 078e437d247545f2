// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package relay decides which feed entries are new and relays them in order.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/feed"
)

// Fetcher fetches feed entries in document order.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]feed.Entry, error)
}

// Committer is implemented by fetchers that need to know when the entries
// of their last fetch of a URL were all handled, such as [feed.Fetcher],
// which only then starts making conditional requests with the new ETag.
type Committer interface {
	Commit(url string)
}

// Sender delivers a single entry.
type Sender interface {
	Send(ctx context.Context, e feed.Entry) error
}

// Persister stores the watermark durably.
type Persister interface {
	Save(t time.Time) error
}

// Filter decides whether a selected entry should be sent.
type Filter interface {
	Allow(e feed.Entry) bool
}

// SeenSet holds the ids of every entry of the last successful cycle.
type SeenSet map[string]struct{}

// NewSeenSet returns a set of ids of entries.
func NewSeenSet(entries []feed.Entry) SeenSet {
	s := make(SeenSet, len(entries))
	for _, e := range entries {
		s[e.ID] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s SeenSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// State is the mutable state of the feed pipeline.
type State struct {
	Watermark time.Time
	Seen      SeenSet
}

// Result summarizes a cycle.
type Result struct {
	Fetched  int // entries in the feed
	Selected int // entries newer than the watermark and not seen
	Sent     int
	Skipped  int // entries rejected by the filter
}

// Config configures an Engine.
type Config struct {
	// URL is the feed URL.
	URL     string
	Fetcher Fetcher
	Sender  Sender
	Store   Persister
	// Filter is optional. If nil, every selected entry is sent.
	Filter Filter
	Logger *slog.Logger
}

// Engine runs relay cycles.
type Engine struct {
	url     string
	fetcher Fetcher
	sender  Sender
	store   Persister
	filter  Filter
	slog    *slog.Logger
	sleep   func(context.Context, time.Duration) bool
}

// New returns a new Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		url:     cfg.URL,
		fetcher: cfg.Fetcher,
		sender:  cfg.Sender,
		store:   cfg.Store,
		filter:  cfg.Filter,
		slog:    cfg.Logger,
		sleep:   sleep,
	}
	if e.slog == nil {
		e.slog = slog.Default()
	}
	return e
}

// Select returns entries published after wm whose ids are not in seen,
// oldest first. Entries without a timestamp are never selected. Entries with
// equal timestamps come in reverse document order.
func Select(entries []feed.Entry, wm time.Time, seen SeenSet) []feed.Entry {
	var selected []feed.Entry
	for _, e := range slices.Backward(entries) {
		if !e.HasTime() || !e.PublishedParsed.After(wm) || seen.Has(e.ID) {
			continue
		}
		selected = append(selected, e)
	}
	slices.SortStableFunc(selected, func(a, b feed.Entry) int {
		return a.PublishedParsed.Compare(b.PublishedParsed)
	})
	return selected
}

// Cycle fetches the feed once and relays new entries, updating st.
//
// The watermark is persisted after every sent entry, so a crash in the
// middle of a cycle never resends what was already delivered. On a send
// failure the cycle stops, st.Seen is left as it was and the fetch is not
// committed, so the next cycle gets the whole feed again.
func (e *Engine) Cycle(ctx context.Context, st *State) (Result, error) {
	var res Result

	entries, err := e.fetcher.Fetch(ctx, e.url)
	if errors.Is(err, feed.ErrNotModified) {
		e.slog.Debug("feed not modified", "url", e.url)
		return res, nil
	}
	if err != nil {
		e.slog.Debug("fetching feed failed", "url", e.url, "error", err)
		return res, err
	}
	res.Fetched = len(entries)

	selected := Select(entries, st.Watermark, st.Seen)
	res.Selected = len(selected)

	for _, entry := range selected {
		if e.filter != nil && !e.filter.Allow(entry) {
			res.Skipped++
			e.advance(st, entry)
			continue
		}
		if err := e.sender.Send(ctx, entry); err != nil {
			return res, err
		}
		res.Sent++
		e.slog.Info("relayed entry", "id", entry.ID, "title", entry.Title, "published", entry.PublishedParsed)
		e.advance(st, entry)
	}

	st.Seen = NewSeenSet(entries)
	if c, ok := e.fetcher.(Committer); ok {
		c.Commit(e.url)
	}
	e.slog.Debug("cycle finished", "fetched", res.Fetched, "selected", res.Selected, "sent", res.Sent, "skipped", res.Skipped)
	return res, nil
}

func (e *Engine) advance(st *State, entry feed.Entry) {
	if !entry.PublishedParsed.After(st.Watermark) {
		return
	}
	st.Watermark = entry.PublishedParsed
	if err := e.store.Save(st.Watermark); err != nil {
		e.slog.Warn("saving watermark", "watermark", st.Watermark, "error", err)
	}
}

// Run runs a cycle immediately and then every interval, until ctx is done or
// a cycle fails. It returns nil when ctx is done.
func (e *Engine) Run(ctx context.Context, st *State, interval time.Duration) error {
	for {
		if _, err := e.Cycle(ctx, st); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !e.sleep(ctx, interval) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
