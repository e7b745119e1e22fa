// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Mknod creates a special or regular file via mknodat under the
// caller's credentials, then looks it up to build the entry reply.
func (fs *FileSystem) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(input.NodeId)
	mode := input.Mode &^ input.Umask

	err := withCredentials(fs.logger, input.Caller.Uid, input.Caller.Gid, func() error {
		return unix.Mknodat(parent.fd, name, mode, int(input.Rdev))
	})
	if err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(parent)
	return fs.Lookup(cancel, &input.InHeader, name, out)
}

// Mkdir creates a directory via mkdirat under the caller's
// credentials.
func (fs *FileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(input.NodeId)
	mode := input.Mode &^ input.Umask

	err := withCredentials(fs.logger, input.Caller.Uid, input.Caller.Gid, func() error {
		return unix.Mkdirat(parent.fd, name, mode)
	})
	if err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(parent)
	return fs.Lookup(cancel, &input.InHeader, name, out)
}

// Symlink creates linkName -> pointedTo via symlinkat under the
// caller's credentials.
func (fs *FileSystem) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(header.NodeId)

	err := withCredentials(fs.logger, header.Caller.Uid, header.Caller.Gid, func() error {
		return unix.Symlinkat(pointedTo, parent.fd, linkName)
	})
	if err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(parent)
	return fs.Lookup(cancel, header, linkName, out)
}

// Link hardlinks the inode named by input.Oldnodeid as filename under
// the parent named by header.NodeId. Non-symlinks use linkat through
// the self-fd path (which follows, as required for hardlinking);
// symlinks first try linkat with AT_EMPTY_PATH on their O_PATH fd
// (which requires CAP_DAC_READ_SEARCH and is not always available)
// and fall back to the resolver's race-reconstructed path.
func (fs *FileSystem) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(input.NodeId)
	target := fs.table.inodeFromNodeID(input.Oldnodeid)

	var err error
	if !target.isSymlink {
		err = unix.Linkat(unix.AT_FDCWD, selfFdPath(target.fd), parent.fd, filename, unix.AT_SYMLINK_FOLLOW)
	} else if fs.opts.NoRace {
		err = errNoRaceSymlink
	} else {
		if linkErr := unix.Linkat(target.fd, "", parent.fd, filename, unix.AT_EMPTY_PATH); linkErr == nil {
			err = nil
		} else {
			srcParent, leaf, rerr := fs.resolve(target)
			if rerr != nil {
				err = rerr
			} else {
				err = unix.Linkat(srcParent.fd, leaf, parent.fd, filename, 0)
				fs.table.unref(srcParent, 1)
			}
		}
	}
	if err != nil {
		return toStatus(err)
	}

	fs.table.incRef(target)
	fs.table.bumpVersion(target)
	fs.table.bumpVersion(parent)

	st, statErr := statInode(target.fd)
	if statErr != nil {
		return toStatus(statErr)
	}
	fs.fillEntryOut(target, &st, out)
	return fuse.OK
}

// Unlink removes name from the parent, bumping both the parent's and
// the (now possibly-deleted) child's version counters.
func (fs *FileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.unlinkCommon(header, name, 0)
}

// Rmdir removes the empty directory name from the parent.
func (fs *FileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.unlinkCommon(header, name, unix.AT_REMOVEDIR)
}

func (fs *FileSystem) unlinkCommon(header *fuse.InHeader, name string, flags int) fuse.Status {
	parent := fs.table.inodeFromNodeID(header.NodeId)

	child := fs.table.find(childKeyOrZero(fs, parent, name))
	if err := unix.Unlinkat(parent.fd, name, flags); err != nil {
		if child != nil {
			fs.table.unref(child, 1)
		}
		return toStatus(err)
	}

	fs.table.bumpVersion(parent)
	if child != nil {
		fs.table.bumpVersion(child)
		fs.table.unref(child, 1)
	}
	return fuse.OK
}

// childKeyOrZero stats name under parent to discover its (dev,ino)
// key, so the child's version counter can be bumped even though the
// kernel does not hand us its NodeId on Unlink/Rmdir. If the stat
// fails, it returns a key with no table entry, so find harmlessly
// returns nil.
func childKeyOrZero(fs *FileSystem, parent *Inode, name string) Key {
	var st unix.Stat_t
	if err := unix.Fstatat(parent.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return Key{}
	}
	return keyFromStat(&st)
}

// Rename moves oldName (under header.NodeId) to newName (under
// input.Newdir), using renameat2 when flags are nonzero and falling
// back to EINVAL if the kernel doesn't support it.
func (fs *FileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	oldParent := fs.table.inodeFromNodeID(input.NodeId)
	newParent := fs.table.inodeFromNodeID(input.Newdir)

	movedKey := childKeyOrZero(fs, oldParent, oldName)
	replacedKey := childKeyOrZero(fs, newParent, newName)

	var err error
	if input.Flags != 0 {
		err = unix.Renameat2(oldParent.fd, oldName, newParent.fd, newName, uint(input.Flags))
		if err == unix.ENOSYS {
			return fuse.EINVAL
		}
	} else {
		err = unix.Renameat(oldParent.fd, oldName, newParent.fd, newName)
	}
	if err != nil {
		return toStatus(err)
	}

	fs.table.bumpVersion(oldParent)
	fs.table.bumpVersion(newParent)
	if movedKey != (Key{}) {
		if in := fs.table.find(movedKey); in != nil {
			fs.table.bumpVersion(in)
			fs.table.unref(in, 1)
		}
	}
	if replacedKey != (Key{}) {
		if in := fs.table.find(replacedKey); in != nil {
			fs.table.bumpVersion(in)
			fs.table.unref(in, 1)
		}
	}
	return fuse.OK
}

// Create opens name under the parent named by header.NodeId with
// O_CREAT, under the caller's credentials, applying the same
// write-only promotion rules as Open.
func (fs *FileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := fs.table.inodeFromNodeID(input.NodeId)
	flags := fs.promoteOpenFlags(int(input.Flags)) | unix.O_CREAT
	mode := input.Mode &^ input.Umask

	var fd int
	err := withCredentials(fs.logger, input.Caller.Uid, input.Caller.Gid, func() error {
		var openErr error
		fd, openErr = unix.Openat(parent.fd, name, flags, mode)
		return openErr
	})
	if err != nil {
		return toStatus(err)
	}
	fs.table.bumpVersion(parent)

	inode, lookupErr := fs.table.lookupOrCreate(parent.fd, name)
	if lookupErr != nil {
		unix.Close(fd)
		return toStatus(lookupErr)
	}
	st, statErr := statInode(inode.fd)
	if statErr != nil {
		unix.Close(fd)
		fs.table.unref(inode, 1)
		return toStatus(statErr)
	}
	fs.fillEntryOut(inode, &st, &out.EntryOut)
	out.Fh = fs.registerOpenFile(fd, uint32(flags))
	out.OpenFlags = fs.openReplyFlags()
	return fuse.OK
}
