// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func openPath(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return fd
}

func statPath(t *testing.T, path string) unix.Stat_t {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatalf("Stat(%s): %v", path, err)
	}
	return st
}

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	dir := t.TempDir()
	rootFD := openPath(t, dir)
	rootStat := statPath(t, dir)
	table := NewTable(rootFD, &rootStat, nil)
	return table, dir
}

func TestTableLookupOrCreateInternsOnce(t *testing.T) {
	table, dir := newTestTable(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	first, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	if first.refcount != 1 {
		t.Fatalf("refcount after first intern = %d, want 1", first.refcount)
	}

	second, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate (again): %v", err)
	}
	if first != second {
		t.Fatalf("lookupOrCreate returned distinct Inodes for the same (dev,ino)")
	}
	if second.refcount != 2 {
		t.Fatalf("refcount after second intern = %d, want 2", second.refcount)
	}

	table.unref(second, 2)
	if _, ok := table.byKey[second.key]; ok {
		t.Fatal("inode still present in table after refcount reached zero")
	}
}

func TestTableUnrefOverReleasePanics(t *testing.T) {
	table, dir := newTestTable(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	inode, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("unref(n > refcount) did not panic")
		}
	}()
	table.unref(inode, 2)
}

func TestTableUnrefNoopsOnRoot(t *testing.T) {
	table, _ := newTestTable(t)
	before := table.root.refcount
	table.unref(table.root, 1000)
	if table.root.refcount != before {
		t.Fatalf("root refcount changed: got %d, want %d", table.root.refcount, before)
	}
}

func TestTableIncRef(t *testing.T) {
	table, dir := newTestTable(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	inode, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	table.incRef(inode)
	if inode.refcount != 2 {
		t.Fatalf("refcount after incRef = %d, want 2", inode.refcount)
	}
	table.unref(inode, 2)
}

func TestTableLookupOrCreateDetectsStaleKey(t *testing.T) {
	table, dir := newTestTable(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	inode, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}

	// Corrupt the interned key without touching the map or the fd, so
	// find() still locates the entry by its real key but the
	// re-verification stat against inode.key disagrees, simulating an
	// anchor whose backing (dev,ino) drifted out from under it.
	realKey := inode.key
	inode.key = Key{Dev: realKey.Dev, Ino: realKey.Ino + 1}

	_, err = table.lookupOrCreate(table.root.fd, "a")
	if !errors.Is(err, errLookupInconsistent) {
		t.Fatalf("lookupOrCreate with a stale key = %v, want errLookupInconsistent", err)
	}
	// find() incremented the refcount before the verification stat
	// caught the mismatch; the failed lookup must release that extra
	// reference rather than leak it.
	if inode.refcount != 1 {
		t.Fatalf("refcount after failed verification = %d, want 1 (find's increment released)", inode.refcount)
	}
}

func TestKeyFromStatUsesDevAndIno(t *testing.T) {
	st := unix.Stat_t{Dev: 7, Ino: 42}
	key := keyFromStat(&st)
	if key.Dev != 7 || key.Ino != 42 {
		t.Fatalf("keyFromStat = %+v, want {Dev:7 Ino:42}", key)
	}
}
