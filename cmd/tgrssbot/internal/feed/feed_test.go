// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.astrophena.name/tgrssbot/internal/request"
	"go.astrophena.name/tgrssbot/internal/testutil"
)

func serveFile(t *testing.T, path string) *httptest.Server {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(b)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchRSS(t *testing.T) {
	t.Parallel()

	ts := serveFile(t, "testdata/rss.xml")
	f := New(Config{})

	entries, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, entries, []Entry{
		{
			ID:              "https://example.com/3",
			Title:           "Third",
			Link:            "https://example.com/3",
			Description:     "<p>Third <b>post</b></p>",
			Published:       "Wed, 03 Jan 2024 10:00:00 +0300",
			PublishedParsed: time.Date(2024, time.January, 3, 7, 0, 0, 0, time.UTC),
		},
		{
			ID:              "post-2",
			Title:           "Second",
			Link:            "https://example.com/2",
			Description:     "Second post",
			Published:       "Tue, 02 Jan 2024 10:00:00 GMT",
			PublishedParsed: time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			ID:          "https://example.com/nodate",
			Title:       "No date",
			Link:        "https://example.com/nodate",
			Description: "Undated post",
		},
	})
	testutil.AssertEqual(t, entries[2].HasTime(), false)
}

func TestFetchAtomFallsBackToUpdated(t *testing.T) {
	t.Parallel()

	ts := serveFile(t, "testdata/atom.xml")
	entries, err := New(Config{}).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(entries), 1)
	testutil.AssertEqual(t, entries[0].ID, "urn:uuid:1225c695-cfb8-4ebb-aaaa-80da344efa6a")
	testutil.AssertEqual(t, entries[0].Published, "2024-01-02T10:00:00.750Z")
	// Sub-second part is dropped.
	testutil.AssertEqual(t, entries[0].PublishedParsed, time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC))
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		handler http.HandlerFunc
		wantOp  string
	}{
		"bad status": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "I'm a teapot.", http.StatusTeapot)
			},
			wantOp: "get",
		},
		"not a feed": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("definitely not xml"))
			},
			wantOp: "parse",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(tc.handler)
			defer ts.Close()

			_, err := New(Config{}).Fetch(context.Background(), ts.URL)
			fetchErr := testutil.AssertErrorAs[*FetchError](t, err)
			testutil.AssertEqual(t, fetchErr.Op, tc.wantOp)
			testutil.AssertEqual(t, fetchErr.URL, ts.URL)
			testutil.AssertEqual(t, fetchErr.ErrorKind(), "fetch")
		})
	}
}

func TestFetchStatusErrorKeepsBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer ts.Close()

	_, err := New(Config{}).Fetch(context.Background(), ts.URL)
	statusErr := testutil.AssertErrorAs[*request.StatusError](t, err)
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusGone)
	testutil.AssertEqual(t, string(statusErr.Body), "gone\n")
}

func TestFetchNetworkError(t *testing.T) {
	t.Parallel()

	f := New(Config{
		HTTPClient: &http.Client{
			Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			}),
		},
	})
	_, err := f.Fetch(context.Background(), "https://example.com/feed.xml")
	fetchErr := testutil.AssertErrorAs[*FetchError](t, err)
	testutil.AssertEqual(t, fetchErr.Op, "get")
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(unblock)

	_, err := New(Config{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), ts.URL)
	fetchErr := testutil.AssertErrorAs[*FetchError](t, err)
	if !errors.Is(fetchErr, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestFetchConditional(t *testing.T) {
	t.Parallel()

	b, err := os.ReadFile("testdata/rss.xml")
	if err != nil {
		t.Fatal(err)
	}

	const etag = `"v1"`
	var conditional int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			conditional++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write(b)
	}))
	defer ts.Close()

	f := New(Config{})
	if _, err := f.Fetch(context.Background(), ts.URL); err != nil {
		t.Fatal(err)
	}
	// Not committed yet, so the feed is fetched in full again.
	if _, err := f.Fetch(context.Background(), ts.URL); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, conditional, 0)

	f.Commit(ts.URL)
	_, err = f.Fetch(context.Background(), ts.URL)
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("want ErrNotModified, got %v", err)
	}
	testutil.AssertEqual(t, conditional, 1)

	// Committing without a new response keeps the values.
	f.Commit(ts.URL)
	_, err = f.Fetch(context.Background(), ts.URL)
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("want ErrNotModified, got %v", err)
	}
	testutil.AssertEqual(t, conditional, 2)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	in := time.Date(2024, time.March, 31, 3, 30, 15, 999_000_000, time.FixedZone("CEST", 2*60*60))
	testutil.AssertEqual(t, Normalize(in), time.Date(2024, time.March, 31, 1, 30, 15, 0, time.UTC))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
