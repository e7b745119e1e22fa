// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// OpenDir opens a directory stream for the inode, following the
// design's "open ino/. read-only" rule.
func (fs *FileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	inode := fs.table.inodeFromNodeID(input.NodeId)
	stream, err := fs.openDir(inode)
	if err != nil {
		return toStatus(err)
	}
	out.Fh = fs.registerOpenDir(stream)
	return fuse.OK
}

// ReleaseDir closes the directory stream's fd.
func (fs *FileSystem) ReleaseDir(input *fuse.ReleaseIn) {
	if d, ok := fs.releaseOpenDir(input.Fh); ok {
		d.close()
	}
}

// FsyncDir syncs the directory stream's fd.
func (fs *FileSystem) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	d, ok := fs.lookupOpenDir(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	if input.FsyncFlags&1 != 0 {
		return toStatus(unix.Fdatasync(d.fd))
	}
	return toStatus(unix.Fsync(d.fd))
}

// seekIfNeeded repositions the stream when the client's continuation
// offset does not match our cursor — the only case the design calls
// for a seek, since otherwise the buffered stream is already
// positioned correctly.
func seekIfNeeded(d *dirStream, offset uint64) fuse.Status {
	if int64(offset) == d.cursor && d.cached != nil {
		return fuse.OK
	}
	if int64(offset) != d.cursor {
		if err := d.seekTo(int64(offset)); err != nil {
			return toStatus(err)
		}
	}
	return fuse.OK
}

// ReadDir appends plain directory entries to out until it runs out of
// entries or the reply buffer overflows. Per the error policy, an
// error is surfaced only if no entries were collected yet.
func (fs *FileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	d, ok := fs.lookupOpenDir(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	if status := seekIfNeeded(d, input.Offset); status != fuse.OK {
		return status
	}

	any := false
	for {
		entry, err := d.peek()
		if err != nil {
			if any {
				return fuse.OK
			}
			return toStatus(err)
		}
		if entry == nil {
			return fuse.OK
		}

		de := fuse.DirEntry{Mode: direntFileType(entry.typ), Name: entry.name, Ino: entry.ino, Off: uint64(entry.off)}
		if !out.AddDirEntry(de) {
			return fuse.OK
		}
		d.consume()
		any = true
	}
}

// ReadDirPlus appends directory entries with full attrs, taking a
// lookup reference per entry other than "." and "..", which the
// kernel holds once the entry is committed. If the reply buffer
// overflows after that reference was taken, it is released
// immediately so the net refcount change for the entry is zero.
func (fs *FileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	parent := fs.table.inodeFromNodeID(input.NodeId)
	d, ok := fs.lookupOpenDir(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	if status := seekIfNeeded(d, input.Offset); status != fuse.OK {
		return status
	}

	any := false
	for {
		entry, err := d.peek()
		if err != nil {
			if any {
				return fuse.OK
			}
			return toStatus(err)
		}
		if entry == nil {
			return fuse.OK
		}

		if entry.name == "." || entry.name == ".." {
			de := fuse.DirEntry{Mode: unix.S_IFDIR, Name: entry.name, Off: uint64(entry.off)}
			entryOut := out.AddDirLookupEntry(de)
			if entryOut == nil {
				return fuse.OK
			}
			d.consume()
			any = true
			continue
		}

		child, lookupErr := fs.table.lookupOrCreate(parent.fd, entry.name)
		if lookupErr != nil {
			if any {
				return fuse.OK
			}
			return toStatus(lookupErr)
		}
		st, statErr := statInode(child.fd)
		if statErr != nil {
			fs.table.unref(child, 1)
			if any {
				return fuse.OK
			}
			return toStatus(statErr)
		}

		de := fuse.DirEntry{Mode: st.Mode & unix.S_IFMT, Name: entry.name, Ino: child.key.Ino, Off: uint64(entry.off)}
		entryOut := out.AddDirLookupEntry(de)
		if entryOut == nil {
			// Reply buffer overflow: undo the transient reference so
			// the net refcount change for this entry is zero.
			fs.table.unref(child, 1)
			return fuse.OK
		}
		fs.fillEntryOut(child, &st, entryOut)
		d.consume()
		any = true
	}
}
