// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

// nodeID returns the 64-bit handle go-fuse hands back to us on every
// subsequent request naming this Inode. It is assigned once, by
// Table.intern, and stored on the Inode itself — this is a lookup of
// an already-issued handle, never a fresh encoding.
//
// The root Inode is never assigned a handle from the table's slab —
// it always uses the reserved fuse.FUSE_ROOT_ID sentinel, per the
// protocol requirement that the root round-trips without a table
// lookup.
func nodeID(in *Inode) uint64 {
	if in.isRoot {
		return fuse.FUSE_ROOT_ID
	}
	return in.handle
}

// inodeFromNodeID decodes a NodeId back into its Inode via the
// table's handle map — a plain lookup, not an encoded address. The
// caller must already hold a reference (or be operating under a
// guarantee from go-fuse that the kernel still considers the node
// live, e.g. within a single request).
func (t *Table) inodeFromNodeID(id uint64) *Inode {
	if id == fuse.FUSE_ROOT_ID {
		return t.root
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[id]
}
