// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package atomicio

import (
	"os"
	"path/filepath"
	"testing"

	"go.astrophena.name/tgrssbot/internal/testutil"
)

func TestWriteFile(t *testing.T) {
	t.Parallel()

	name := filepath.Join(t.TempDir(), "state.txt")

	if err := WriteFile(name, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(name, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "second")

	fi, err := os.Stat(name)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, fi.Mode().Perm(), os.FileMode(0o600))
}

func TestWriteFileLeavesNoTemporaryFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	name := filepath.Join(dir, "state.txt")
	for range 3 {
		if err := WriteFile(name, []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(entries), 1)
	testutil.AssertEqual(t, entries[0].Name(), "state.txt")
}

func TestWriteFileMissingDirectory(t *testing.T) {
	t.Parallel()

	name := filepath.Join(t.TempDir(), "missing", "state.txt")
	if err := WriteFile(name, []byte("data"), 0o644); err == nil {
		t.Fatal("want error, got nil")
	}
}
