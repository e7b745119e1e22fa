// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func newTestFS(t *testing.T) (*FileSystem, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := New(Options{Source: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs, dir
}

func TestResolveRecoversPathForSymlink(t *testing.T) {
	fs, dir := newTestFS(t)

	if err := os.Symlink("target", filepath.Join(dir, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	inode, err := fs.table.lookupOrCreate(fs.table.root.fd, "link")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	defer fs.table.unref(inode, 1)
	if !inode.isSymlink {
		t.Fatal("expected isSymlink to be true for a symlink")
	}

	parent, leaf, err := fs.resolve(inode)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if leaf != "link" {
		t.Fatalf("resolve leaf = %q, want %q", leaf, "link")
	}
	if parent != fs.table.root {
		t.Fatal("resolve returned a parent other than the source root for a top-level symlink")
	}
}

func TestResolveDirectChildOfRootDoesNotLeakRootRefcount(t *testing.T) {
	fs, dir := newTestFS(t)
	if err := os.Symlink("x", filepath.Join(dir, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	inode, err := fs.table.lookupOrCreate(fs.table.root.fd, "link")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}
	defer fs.table.unref(inode, 1)

	before := fs.table.root.refcount
	parent, _, err := fs.resolve(inode)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if parent.refcount != before {
		t.Fatalf("resolve mutated root refcount: got %d, want %d", parent.refcount, before)
	}
}

func TestResolveNestedSymlink(t *testing.T) {
	fs, dir := newTestFS(t)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.Symlink("target", filepath.Join(dir, "sub", "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	subInode, err := fs.table.lookupOrCreate(fs.table.root.fd, "sub")
	if err != nil {
		t.Fatalf("lookupOrCreate(sub): %v", err)
	}
	defer fs.table.unref(subInode, 1)

	linkInode, err := fs.table.lookupOrCreate(subInode.fd, "link")
	if err != nil {
		t.Fatalf("lookupOrCreate(link): %v", err)
	}
	defer fs.table.unref(linkInode, 1)

	parent, leaf, err := fs.resolve(linkInode)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer fs.table.unref(parent, 1)
	if leaf != "link" {
		t.Fatalf("resolve leaf = %q, want %q", leaf, "link")
	}
	if parent.key != subInode.key {
		t.Fatal("resolve did not recover the nested parent directory")
	}
}

func TestReadlinkOverflowMapsToENAMETOOLONG(t *testing.T) {
	want := fuse.Status(syscall.ENAMETOOLONG)
	if got := toStatus(errReadlinkOverflow); got != want {
		t.Fatalf("toStatus(errReadlinkOverflow) = %v, want %v", got, want)
	}
}
