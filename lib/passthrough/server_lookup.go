// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Lookup resolves name under the parent inode named by header.NodeId,
// interning a new Inode (or finding the existing one) via the
// canonical open+stat+find-or-intern pattern in the inode table.
func (fs *FileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(header.NodeId)

	inode, err := fs.table.lookupOrCreate(parent.fd, name)
	if err != nil {
		return toStatus(err)
	}

	st, err := statInode(inode.fd)
	if err != nil {
		fs.table.unref(inode, 1)
		return toStatus(err)
	}
	fs.fillEntryOut(inode, &st, out)
	return fuse.OK
}

// Forget releases nlookup references on the inode named by nodeid.
// The root is never reported by FORGET (unref no-ops on it, matching
// the protocol's guarantee it will never be asked to).
func (fs *FileSystem) Forget(nodeid, nlookup uint64) {
	inode := fs.table.inodeFromNodeID(nodeid)
	fs.table.unref(inode, nlookup)
}
