// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// fillAttr copies a host stat buffer into a fuse.Attr, the shape
// every attr-bearing reply embeds.
func fillAttr(st *unix.Stat_t, out *fuse.Attr) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

func setTimeout(d time.Duration) (uint64, uint32) {
	sec := uint64(d / time.Second)
	nsec := uint32(d % time.Second)
	return sec, nsec
}

// statInode fstats inode's anchor fd via AT_EMPTY_PATH — the
// canonical path-free stat used throughout the handler surface.
func statInode(fd int) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstatat(fd, "", &st, unix.AT_EMPTY_PATH)
	return st, err
}

func (fs *FileSystem) fillEntryOut(inode *Inode, st *unix.Stat_t, out *fuse.EntryOut) {
	out.NodeId = nodeID(inode)
	out.Generation = 1
	fillAttr(st, &out.Attr)
	out.EntryValid, out.EntryValidNsec = setTimeout(fs.opts.entryTimeout())
	out.AttrValid, out.AttrValidNsec = setTimeout(fs.opts.attrTimeout())
}

func (fs *FileSystem) fillAttrOut(st *unix.Stat_t, out *fuse.AttrOut) {
	fillAttr(st, &out.Attr)
	out.AttrValid, out.AttrValidNsec = setTimeout(fs.opts.attrTimeout())
}

// GetAttr implements fstat via empty-path on the inode's fd, or on
// the open file handle's fd when the kernel supplied one.
func (fs *FileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	inode := fs.table.inodeFromNodeID(input.NodeId)

	fd := inode.fd
	if input.Flags()&fuse.FUSE_GETATTR_FH != 0 {
		if of, ok := fs.lookupOpenFile(input.Fh()); ok {
			fd = of.fd
		}
	}

	st, err := statInode(fd)
	if err != nil {
		return toStatus(err)
	}
	fs.fillAttrOut(&st, out)
	return fuse.OK
}

// SetAttr applies each requested field independently per the
// FATTR_* mask: mode via fchmod on an open handle or chmod on the
// self-fd path, uid/gid via fchownat, size via ftruncate on an open
// handle or truncate on the self-fd path, and atime/mtime via
// utimensat (see setTimes).
func (fs *FileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	inode := fs.table.inodeFromNodeID(input.NodeId)

	fd := inode.fd
	if input.Valid&fuse.FATTR_FH != 0 {
		if of, ok := fs.lookupOpenFile(input.Fh); ok {
			fd = of.fd
		}
	}

	if input.Valid&fuse.FATTR_MODE != 0 {
		var err error
		if fd != inode.fd {
			err = unix.Fchmod(fd, input.Mode)
		} else {
			err = unix.Chmod(selfFdPath(inode.fd), input.Mode)
		}
		if err != nil {
			return toStatus(err)
		}
	}

	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := -1, -1
		if input.Valid&fuse.FATTR_UID != 0 {
			uid = int(input.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			gid = int(input.Gid)
		}
		if err := unix.Fchownat(fd, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return toStatus(err)
		}
	}

	if input.Valid&fuse.FATTR_SIZE != 0 {
		var err error
		if fd != inode.fd {
			err = unix.Ftruncate(fd, int64(input.Size))
		} else {
			err = unix.Truncate(selfFdPath(inode.fd), int64(input.Size))
		}
		if err != nil {
			return toStatus(err)
		}
	}

	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		if err := fs.setTimes(inode, fd, input); err != nil {
			return toStatus(err)
		}
	}

	fs.table.bumpVersion(inode)

	st, err := statInode(inode.fd)
	if err != nil {
		return toStatus(err)
	}
	fs.fillAttrOut(&st, out)
	return fuse.OK
}

// setTimes applies atime/mtime. When fd is an open file handle, or
// the inode is not a symlink, the times are set on that fd directly
// (utimensat with AT_EMPTY_PATH); symlinks go through the resolver,
// or fail EPERM under norace.
func (fs *FileSystem) setTimes(inode *Inode, fd int, input *fuse.SetAttrIn) error {
	times := [2]unix.Timespec{
		toTimespec(input.Valid&fuse.FATTR_ATIME != 0, input.Atime, input.Atimensec),
		toTimespec(input.Valid&fuse.FATTR_MTIME != 0, input.Mtime, input.Mtimensec),
	}

	if fd != inode.fd {
		// An open regular-file handle: the futimens equivalent.
		return unix.UtimesNanoAt(fd, "", times[:], unix.AT_EMPTY_PATH)
	}

	if !inode.isSymlink {
		return unix.UtimesNanoAt(inode.fd, "", times[:], unix.AT_EMPTY_PATH)
	}

	if fs.opts.NoRace {
		return errNoRaceSymlink
	}

	parent, leaf, err := fs.resolve(inode)
	if err != nil {
		return err
	}
	defer fs.table.unref(parent, 1)
	return unix.UtimesNanoAt(parent.fd, leaf, times[:], unix.AT_SYMLINK_NOFOLLOW)
}

func toTimespec(set bool, sec uint64, nsec uint32) unix.Timespec {
	if !set {
		return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
	}
	return unix.Timespec{Sec: int64(sec), Nsec: int64(nsec)}
}

// Access is not implemented: the embedded default RawFileSystem
// returns ENOSYS, and go-fuse's kernel-side default_permissions
// negotiation means the kernel performs the check itself in that
// case rather than calling us. The original this module descends
// from has no `.access` entry in its `fuse_lowlevel_ops` either.

// Readlink returns the symlink target, failing with ENAMETOOLONG if
// the buffer filled exactly (an ambiguous overflow — we can't tell if
// the real target was truncated).
func (fs *FileSystem) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	inode := fs.table.inodeFromNodeID(header.NodeId)
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(inode.fd, "", buf)
	if err != nil {
		return nil, toStatus(err)
	}
	if n == len(buf) {
		return nil, toStatus(errReadlinkOverflow)
	}
	return buf[:n], fuse.OK
}

// StatFs reports host filesystem statistics for the inode's device.
func (fs *FileSystem) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	inode := fs.table.inodeFromNodeID(header.NodeId)
	var st unix.Statfs_t
	if err := unix.Fstatfs(inode.fd, &st); err != nil {
		return toStatus(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return fuse.OK
}
