// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rules

import (
	"os"
	"path/filepath"
	"testing"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/feed"
	"go.astrophena.name/tgrssbot/internal/testutil"
)

func TestAllow(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		src  string
		in   feed.Entry
		want bool
	}{
		"block matches": {
			src:  `def block_rule(item): return "pdf" in item.title.lower()`,
			in:   feed.Entry{Title: "Slides (PDF)"},
			want: false,
		},
		"block doesn't match": {
			src:  `def block_rule(item): return "pdf" in item.title.lower()`,
			in:   feed.Entry{Title: "A blog post"},
			want: true,
		},
		"keep matches": {
			src:  `def keep_rule(item): return item.url.startswith("https://go.dev/")`,
			in:   feed.Entry{Link: "https://go.dev/blog"},
			want: true,
		},
		"keep doesn't match": {
			src:  `def keep_rule(item): return item.url.startswith("https://go.dev/")`,
			in:   feed.Entry{Link: "https://example.com/"},
			want: false,
		},
		"block wins over keep": {
			src: `
def block_rule(item):
    return item.id == "spam"

def keep_rule(item):
    return True
`,
			in:   feed.Entry{ID: "spam"},
			want: false,
		},
		"failing rule is ignored": {
			src:  `def block_rule(item): return item.missing`,
			in:   feed.Entry{Title: "x"},
			want: true,
		},
		"non-boolean result is ignored": {
			src:  `def keep_rule(item): return "yes"`,
			in:   feed.Entry{Title: "x"},
			want: true,
		},
		"fields are exposed": {
			src: `def keep_rule(item):
    return (item.id, item.title, item.url, item.description, item.published) == ("1", "t", "u", "d", "p")`,
			in:   feed.Entry{ID: "1", Title: "t", Link: "u", Description: "d", Published: "p"},
			want: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := Load("rules.star", tc.src, nil)
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, r.Allow(tc.in), tc.want)
		})
	}
}

func TestNilRulesAllowEverything(t *testing.T) {
	t.Parallel()

	var r *Rules
	testutil.AssertEqual(t, r.Allow(feed.Entry{Title: "anything"}), true)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"syntax error":       `def block_rule(item) return True`,
		"no rules":           `x = 1`,
		"not a function":     `block_rule = True`,
		"wrong arity":        `def keep_rule(a, b): return True`,
		"top-level failure":  `fail("nope")`,
		"undefined variable": `def block_rule(item): return undefined`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load("rules.star", src, nil); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.star")
	if err := os.WriteFile(path, []byte("def block_rule(item):\n    return True\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, r.Allow(feed.Entry{}), false)
}
