// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rules filters feed entries with rules written in Starlark.
//
// A rules file defines one or both of these functions:
//
//	def block_rule(item):
//	    return "sponsored" in item.title.lower()
//
//	def keep_rule(item):
//	    return "go" in item.description
//
// If block_rule returns True, the entry is not sent. If keep_rule is
// defined, only entries for which it returns True are sent.
//
// The item passed to rules is a struct with the following fields: id, title,
// url, description and published.
package rules

import (
	"fmt"
	"log/slog"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/feed"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Rules holds compiled block and keep rules. A nil *Rules allows everything.
type Rules struct {
	block *starlark.Function
	keep  *starlark.Function
	slog  *slog.Logger
}

// Load executes the Starlark source src and extracts rules from it. If src is
// nil, the file named filename is read, as in [starlark.ExecFileOptions].
func Load(filename string, src any, logger *slog.Logger) (*Rules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Name:  "rules",
			Print: func(_ *starlark.Thread, msg string) { logger.Info(msg) },
		},
		filename,
		src,
		nil,
	)
	if err != nil {
		return nil, err
	}

	r := &Rules{slog: logger}
	if r.block, err = lookup(globals, "block_rule"); err != nil {
		return nil, err
	}
	if r.keep, err = lookup(globals, "keep_rule"); err != nil {
		return nil, err
	}
	if r.block == nil && r.keep == nil {
		return nil, fmt.Errorf("%s: neither block_rule nor keep_rule is defined", filename)
	}
	return r, nil
}

func lookup(globals starlark.StringDict, name string) (*starlark.Function, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	f, ok := v.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s must be a function, got %s", name, v.Type())
	}
	if f.NumParams() != 1 {
		return nil, fmt.Errorf("%s must take exactly one argument, takes %d", name, f.NumParams())
	}
	return f, nil
}

// Allow reports whether e passes the rules.
//
// A rule that fails or returns a non-boolean value is logged and ignored, so
// a broken rule never silently drops entries.
func (r *Rules) Allow(e feed.Entry) bool {
	if r == nil {
		return true
	}
	item := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":          starlark.String(e.ID),
		"title":       starlark.String(e.Title),
		"url":         starlark.String(e.Link),
		"description": starlark.String(e.Description),
		"published":   starlark.String(e.Published),
	})

	if r.block != nil {
		if blocked, ok := r.apply(r.block, item, e); ok && blocked {
			r.slog.Debug("blocked by block rule", "entry", e.ID)
			return false
		}
	}
	if r.keep != nil {
		if keep, ok := r.apply(r.keep, item, e); ok && !keep {
			r.slog.Debug("skipped by keep rule", "entry", e.ID)
			return false
		}
	}
	return true
}

func (r *Rules) apply(rule *starlark.Function, item starlark.Value, e feed.Entry) (result, ok bool) {
	val, err := starlark.Call(
		&starlark.Thread{
			Name:  rule.Name(),
			Print: func(_ *starlark.Thread, msg string) { r.slog.Info(msg) },
		},
		rule,
		starlark.Tuple{item},
		nil,
	)
	if err != nil {
		r.slog.Warn("applying rule for entry", "rule", rule.Name(), "entry", e.ID, "error", err)
		return false, false
	}
	b, isBool := val.(starlark.Bool)
	if !isBool {
		r.slog.Warn("rule returned non-boolean value", "rule", rule.Name(), "entry", e.ID, "type", val.Type())
		return false, false
	}
	return bool(b), true
}
