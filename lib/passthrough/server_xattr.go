// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// xattrPath rejects symlinks (there is no race-free way to operate on
// a symlink's own extended attributes through this passthrough) and
// otherwise returns the self-fd path form usable with the *xattr(2)
// family, which requires a real path rather than an fd.
func (fs *FileSystem) xattrPath(inode *Inode) (string, fuse.Status) {
	if !fs.opts.XAttr {
		return "", fuse.ENOSYS
	}
	if inode.isSymlink {
		return "", fuse.EPERM
	}
	return selfFdPath(inode.fd), fuse.OK
}

// GetXAttr reads attr into dest, returning the attribute's size.
func (fs *FileSystem) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	inode := fs.table.inodeFromNodeID(header.NodeId)
	path, status := fs.xattrPath(inode)
	if status != fuse.OK {
		return 0, status
	}
	n, err := unix.Getxattr(path, attr, dest)
	if err != nil {
		return 0, toStatus(err)
	}
	return uint32(n), fuse.OK
}

// ListXAttr writes the NUL-separated list of attribute names into
// dest, returning the list's size.
func (fs *FileSystem) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	inode := fs.table.inodeFromNodeID(header.NodeId)
	path, status := fs.xattrPath(inode)
	if status != fuse.OK {
		return 0, status
	}
	n, err := unix.Listxattr(path, dest)
	if err != nil {
		return 0, toStatus(err)
	}
	return uint32(n), fuse.OK
}

// SetXAttr sets attr to data, bumping the inode's version counter.
func (fs *FileSystem) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	inode := fs.table.inodeFromNodeID(input.NodeId)
	path, status := fs.xattrPath(inode)
	if status != fuse.OK {
		return status
	}
	if err := unix.Setxattr(path, attr, data, int(input.Flags)); err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(inode)
	return fuse.OK
}

// RemoveXAttr removes attr, bumping the inode's version counter.
func (fs *FileSystem) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	inode := fs.table.inodeFromNodeID(header.NodeId)
	path, status := fs.xattrPath(inode)
	if status != fuse.OK {
		return status
	}
	if err := unix.Removexattr(path, attr); err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(inode)
	return fuse.OK
}
