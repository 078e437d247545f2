// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package watermark persists the publish time of the last relayed entry.
//
// The value is stored in a single-line text file as nine space-separated
// integers of a broken-down UTC time: year, month, day, hour, minute, second,
// weekday (Monday is 0), day of the year (starting at 1) and the DST flag
// (always 0). For example:
//
//	2024 1 2 10 0 0 1 2 0
//
// Comparisons are always made on the instant built from the first six
// fields; the remaining three are only range-checked.
package watermark

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tgrssbot/internal/atomicio"
)

// FileName is the name of the watermark file.
const FileName = "date_tuple.txt"

// PersistError is returned when the watermark can't be written.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting watermark to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ErrorKind returns the error kind used by the supervisor.
func (e *PersistError) ErrorKind() string { return "persist" }

// Store reads and writes the watermark file in a directory.
type Store struct {
	path string
	slog *slog.Logger
	now  func() time.Time
}

// Open returns a Store for the watermark file in dir. It doesn't touch the
// filesystem.
func Open(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path: filepath.Join(dir, FileName),
		slog: logger,
		now:  time.Now,
	}
}

// Path returns the path of the watermark file.
func (s *Store) Path() string { return s.path }

// Load returns the stored watermark.
//
// If the file is missing or invalid, Load returns the current time: entries
// published before the program started for the first time (or before the
// file got corrupted) are never relayed.
func (s *Store) Load() time.Time {
	b, err := os.ReadFile(s.path)
	if err != nil {
		s.slog.Debug("watermark not loaded, starting from now", "path", s.path, "error", err)
		return s.current()
	}
	t, err := Parse(string(b))
	if err != nil {
		s.slog.Debug("watermark not loaded, starting from now", "path", s.path, "error", err)
		return s.current()
	}
	return t
}

func (s *Store) current() time.Time { return s.now().UTC().Truncate(time.Second) }

// Save atomically replaces the stored watermark with t.
func (s *Store) Save(t time.Time) error {
	s.slog.Debug("saving watermark", "path", s.path, "watermark", t)
	if err := atomicio.WriteFile(s.path, []byte(Format(t)), 0o644); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}
	return nil
}

// Format returns the file representation of t.
func Format(t time.Time) string {
	t = t.UTC()
	fields := []int{
		t.Year(),
		int(t.Month()),
		t.Day(),
		t.Hour(),
		t.Minute(),
		t.Second(),
		(int(t.Weekday()) + 6) % 7, // Monday is 0
		t.YearDay(),
		0, // UTC has no DST
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, " ")
}

var errFieldCount = errors.New("want 9 fields")

// Parse parses the file representation of a watermark.
func Parse(s string) (time.Time, error) {
	parts := strings.Fields(s)
	if len(parts) != 9 {
		return time.Time{}, fmt.Errorf("%w, got %d", errFieldCount, len(parts))
	}
	var f [9]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		f[i] = n
	}

	year, month, day, hour, minute, sec := f[0], f[1], f[2], f[3], f[4], f[5]
	checks := []struct {
		name     string
		val      int
		min, max int
	}{
		{"month", month, 1, 12},
		{"day", day, 1, daysIn(year, month)},
		{"hour", hour, 0, 23},
		{"minute", minute, 0, 59},
		{"second", sec, 0, 61}, // leap seconds, as in C's struct tm
		{"weekday", f[6], 0, 6},
		{"yearday", f[7], 1, 366},
		{"isdst", f[8], -1, 1},
	}
	for _, c := range checks {
		if c.val < c.min || c.val > c.max {
			return time.Time{}, fmt.Errorf("%s %d is out of range [%d, %d]", c.name, c.val, c.min, c.max)
		}
	}

	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), nil
}

func daysIn(year, month int) int {
	if month < 1 || month > 12 {
		return 31
	}
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
