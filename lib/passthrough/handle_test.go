// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestNodeIDRootIsSentinel(t *testing.T) {
	table, _ := newTestTable(t)
	if got := nodeID(table.root); got != fuse.FUSE_ROOT_ID {
		t.Fatalf("nodeID(root) = %d, want FUSE_ROOT_ID (%d)", got, fuse.FUSE_ROOT_ID)
	}
	if got := table.inodeFromNodeID(fuse.FUSE_ROOT_ID); got != table.root {
		t.Fatal("inodeFromNodeID(FUSE_ROOT_ID) did not return the table's root")
	}
}

func TestNodeIDRoundTripsThroughNonRootInode(t *testing.T) {
	table, dir := newTestTable(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	inode, err := table.lookupOrCreate(table.root.fd, "a")
	if err != nil {
		t.Fatalf("lookupOrCreate: %v", err)
	}

	id := nodeID(inode)
	if id == fuse.FUSE_ROOT_ID {
		t.Fatal("nodeID(non-root) collided with FUSE_ROOT_ID")
	}
	if got := table.inodeFromNodeID(id); got != inode {
		t.Fatal("inodeFromNodeID did not recover the original Inode")
	}
}

func TestInodeFromNodeIDReturnsNilForUnknownHandle(t *testing.T) {
	table, _ := newTestTable(t)
	if got := table.inodeFromNodeID(0xdeadbeef); got != nil {
		t.Fatal("inodeFromNodeID returned a non-nil Inode for a handle that was never issued")
	}
}
