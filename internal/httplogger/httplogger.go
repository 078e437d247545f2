// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs HTTP
// requests and responses.
package httplogger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t at
// debug level. Occurrences of secrets in URLs and errors are replaced with
// "[EXPUNGED]" before logging.
func New(t http.RoundTripper, logger *slog.Logger, secrets ...string) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	var oldnew []string
	for _, s := range secrets {
		if s != "" {
			oldnew = append(oldnew, s, "[EXPUNGED]")
		}
	}
	return &loggingTransport{
		transport: t,
		slog:      logger,
		scrubber:  strings.NewReplacer(oldnew...),
	}
}

type loggingTransport struct {
	transport http.RoundTripper
	slog      *slog.Logger
	scrubber  *strings.Replacer
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.transport.RoundTrip(r)

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", t.scrubber.Replace(r.URL.Redacted())),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", t.scrubber.Replace(err.Error())))
		t.slog.LogAttrs(r.Context(), slog.LevelDebug, "HTTP request failed", attrs...)
		return resp, err
	}
	attrs = append(attrs, slog.Int("status", resp.StatusCode))
	t.slog.LogAttrs(r.Context(), slog.LevelDebug, "HTTP request", attrs...)
	return resp, nil
}
