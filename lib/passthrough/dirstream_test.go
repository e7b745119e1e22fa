// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirStreamIncludesDotAndDotDot(t *testing.T) {
	fs, dir := newTestFS(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
	}

	d, err := fs.openDir(fs.table.root)
	if err != nil {
		t.Fatalf("openDir: %v", err)
	}
	defer d.close()

	seen := map[string]bool{}
	for {
		entry, err := d.readNext()
		if err != nil {
			t.Fatalf("readNext: %v", err)
		}
		if entry == nil {
			break
		}
		seen[entry.name] = true
	}

	for _, name := range []string{".", "..", "a", "b", "c"} {
		if !seen[name] {
			t.Fatalf("readNext never returned entry %q", name)
		}
	}
}

func TestDirStreamSeekToResetsCursorAndCache(t *testing.T) {
	fs, dir := newTestFS(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := fs.openDir(fs.table.root)
	if err != nil {
		t.Fatalf("openDir: %v", err)
	}
	defer d.close()

	entry, err := d.peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if entry == nil {
		t.Fatal("expected at least one entry")
	}

	if err := d.seekTo(0); err != nil {
		t.Fatalf("seekTo: %v", err)
	}
	if d.cached != nil {
		t.Fatal("seekTo did not clear the cached entry")
	}
	if d.cursor != 0 {
		t.Fatalf("cursor after seekTo(0) = %d, want 0", d.cursor)
	}
}

func TestParseDirentRejectsShortBuffer(t *testing.T) {
	if _, _, ok := parseDirent([]byte{1, 2, 3}); ok {
		t.Fatal("parseDirent accepted a buffer shorter than the header")
	}
}

func TestDirentFileTypeUnknownIsZero(t *testing.T) {
	if got := direntFileType(0xFF); got != 0 {
		t.Fatalf("direntFileType(unknown) = %#o, want 0", got)
	}
}
