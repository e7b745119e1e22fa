// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// selfFdPath is the procfs symlink that lets us reopen an O_PATH
// anchor with real read/write flags — an O_PATH fd cannot itself be
// used for I/O, so every data-plane open goes through this.
func selfFdPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// promoteOpenFlags applies the write-only-to-read-write promotion the
// design requires unconditionally (so a later mmap write on the same
// fd succeeds), plus, when writeback caching was requested at
// startup, strips O_APPEND (the kernel emulates append semantics
// itself under writeback).
func (fs *FileSystem) promoteOpenFlags(flags int) int {
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = (flags &^ unix.O_ACCMODE) | unix.O_RDWR
	}
	if fs.opts.Writeback {
		flags &^= unix.O_APPEND
	}
	return flags
}

// openReplyFlags reports the FOPEN_* hint matching the configured
// cache mode: direct I/O for cache=none, keep-cache for cache=always,
// nothing extra for cache=auto.
func (fs *FileSystem) openReplyFlags() uint32 {
	switch fs.opts.Cache {
	case CacheNone:
		return fuse.FOPEN_DIRECT_IO
	case CacheAlways:
		return fuse.FOPEN_KEEP_CACHE
	default:
		return 0
	}
}

// Open reopens the inode's O_PATH anchor via the self-fd path with
// the (possibly promoted) requested flags, retrying once without
// promotion if the promoted open fails with EACCES — the read-only
// underlying file case flagged as an open question in the design.
func (fs *FileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	inode := fs.table.inodeFromNodeID(input.NodeId)
	flags := fs.promoteOpenFlags(int(input.Flags))

	fd, err := unix.Open(selfFdPath(inode.fd), flags, 0)
	if err == unix.EACCES && flags != int(input.Flags) {
		fd, err = unix.Open(selfFdPath(inode.fd), int(input.Flags), 0)
	}
	if err != nil {
		return toStatus(err)
	}

	out.Fh = fs.registerOpenFile(fd, uint32(flags))
	out.OpenFlags = fs.openReplyFlags()
	return fuse.OK
}

// Read performs a pread of len(buf) bytes at input.Offset.
func (fs *FileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	of, ok := fs.lookupOpenFile(input.Fh)
	if !ok {
		return nil, fuse.EBADF
	}
	n, err := unix.Pread(of.fd, buf, int64(input.Offset))
	if err != nil {
		return nil, toStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// Write performs a pwrite of data at input.Offset, bumping the
// inode's version counter on success.
func (fs *FileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	of, ok := fs.lookupOpenFile(input.Fh)
	if !ok {
		return 0, fuse.EBADF
	}
	n, err := unix.Pwrite(of.fd, data, int64(input.Offset))
	if err != nil {
		return 0, toStatus(err)
	}
	inode := fs.table.inodeFromNodeID(input.NodeId)
	fs.table.bumpVersion(inode)
	return uint32(n), fuse.OK
}

// Flush drains pending state on the open file without invalidating
// it, via the dup-then-close idiom (this makes the close(2)-time
// error reporting for buffered writes visible without actually
// closing the caller's handle).
func (fs *FileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	of, ok := fs.lookupOpenFile(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	dup, err := unix.Dup(of.fd)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(unix.Close(dup))
}

// Release closes the open file's host fd, ending the handle's
// lifetime independent of the owning Inode's refcount.
func (fs *FileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	if of, ok := fs.releaseOpenFile(input.Fh); ok {
		unix.Close(of.fd)
	}
}

// Fsync flushes the open file's data (and metadata, unless
// FsyncFlags requests datasync-only) to the underlying storage.
func (fs *FileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	of, ok := fs.lookupOpenFile(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	if input.FsyncFlags&1 != 0 {
		return toStatus(unix.Fdatasync(of.fd))
	}
	return toStatus(unix.Fsync(of.fd))
}

// Fallocate rejects any nonzero mode (this passthrough only supports
// plain preallocation) and otherwise extends/preallocates the file,
// bumping the inode's version counter.
func (fs *FileSystem) Fallocate(cancel <-chan struct{}, in *fuse.FallocateIn) fuse.Status {
	if in.Mode != 0 {
		return toStatus(errFallocateMode)
	}
	of, ok := fs.lookupOpenFile(in.Fh)
	if !ok {
		return fuse.EBADF
	}
	if err := unix.Fallocate(of.fd, in.Mode, int64(in.Offset), int64(in.Length)); err != nil {
		return toStatus(err)
	}
	inode := fs.table.inodeFromNodeID(in.NodeId)
	fs.table.bumpVersion(inode)
	return fuse.OK
}

// CopyFileRange invokes the host copy_file_range(2) between the two
// open handles named in the request.
func (fs *FileSystem) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	src, ok := fs.lookupOpenFile(input.FhIn)
	if !ok {
		return 0, fuse.EBADF
	}
	dst, ok := fs.lookupOpenFile(input.FhOut)
	if !ok {
		return 0, fuse.EBADF
	}
	srcOff := int64(input.OffIn)
	dstOff := int64(input.OffOut)
	n, err := unix.CopyFileRange(src.fd, &srcOff, dst.fd, &dstOff, int(input.Len), int(input.Flags))
	if err != nil {
		return 0, toStatus(err)
	}
	dstInode := fs.table.inodeFromNodeID(input.NodeIdOut)
	fs.table.bumpVersion(dstInode)
	return uint32(n), fuse.OK
}

// Lseek passes SEEK_DATA/SEEK_HOLE (and the ordinary seek whences)
// through to the open file's fd.
func (fs *FileSystem) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	of, ok := fs.lookupOpenFile(in.Fh)
	if !ok {
		return fuse.EBADF
	}
	off, err := unix.Seek(of.fd, int64(in.Offset), int(in.Whence))
	if err != nil {
		return toStatus(err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

// SetLk and SetLkw implement flock(2) semantics only — the passthrough
// design's lock support is BSD flock, not POSIX byte-range locking —
// gated on both the --flock CLI option and the kernel signaling a
// flock-style request via LkFlags.
func (fs *FileSystem) SetLk(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.flock(input, false)
}

func (fs *FileSystem) SetLkw(cancel <-chan struct{}, input *fuse.LkIn) fuse.Status {
	return fs.flock(input, true)
}

func (fs *FileSystem) flock(input *fuse.LkIn, blocking bool) fuse.Status {
	if !fs.opts.Flock || input.LkFlags&fuse.FUSE_LK_FLOCK == 0 {
		return fuse.ENOSYS
	}
	of, ok := fs.lookupOpenFile(input.Fh)
	if !ok {
		return fuse.EBADF
	}

	var op int
	switch input.Lk.Typ {
	case unix.F_RDLCK:
		op = unix.LOCK_SH
	case unix.F_WRLCK:
		op = unix.LOCK_EX
	case unix.F_UNLCK:
		op = unix.LOCK_UN
	default:
		return fuse.EINVAL
	}
	if !blocking {
		op |= unix.LOCK_NB
	}
	return toStatus(unix.Flock(of.fd, op))
}
