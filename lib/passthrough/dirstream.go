// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// dirEntry is one directory entry read from getdents64, translated
// into a form the readdir/readdirplus drivers can format directly.
type dirEntry struct {
	ino  uint64
	off  int64
	typ  uint8
	name string
}

// dirStream is a per-open-directory iterator, matching the design's
// directory-stream data model: an owned directory fd, a streaming
// cursor, and the last-read (but not yet reported) entry. It is not
// safe for concurrent use — go-fuse guarantees no concurrent calls on
// the same open handle.
type dirStream struct {
	fd     int
	buf    []byte
	bufOff int // unconsumed-bytes start within buf
	bufEnd int // valid-bytes end within buf

	cursor int64 // d_off of the last entry parsed by readNext (or the offset of the last seekTo)
	cached *dirEntry
}

// openDir opens a directory for streaming by opening "." read-only
// relative to the inode's O_PATH anchor, matching the design's
// "open ino/. read-only" rule.
func (fs *FileSystem) openDir(inode *Inode) (*dirStream, error) {
	fd, err := unix.Openat(inode.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("passthrough: opening directory stream for inode %v: %w", inode.key, err)
	}
	return &dirStream{fd: fd, buf: make([]byte, 32*1024)}, nil
}

func (d *dirStream) close() error {
	return unix.Close(d.fd)
}

// seekTo repositions the stream at offset, invalidating any cached
// entry and buffered-but-unparsed bytes. Called only when the
// client-supplied continuation offset differs from the cursor.
func (d *dirStream) seekTo(offset int64) error {
	if _, err := unix.Seek(d.fd, offset, 0); err != nil {
		return fmt.Errorf("passthrough: seeking directory stream to %d: %w", offset, err)
	}
	d.cursor = offset
	d.bufOff, d.bufEnd = 0, 0
	d.cached = nil
	return nil
}

// peek returns the next entry without consuming it, caching it for a
// subsequent consume or another peek.
func (d *dirStream) peek() (*dirEntry, error) {
	if d.cached != nil {
		return d.cached, nil
	}
	e, err := d.readNext()
	if err != nil {
		return nil, err
	}
	d.cached = e
	return e, nil
}

// consume drops the currently cached entry, if any, so the following
// peek reads the one after it.
func (d *dirStream) consume() {
	d.cached = nil
}

// readNext reads and parses the next raw getdents64 record,
// refilling the internal buffer as needed. It returns "." and ".."
// like any other entry — callers that need to special-case them (see
// ReadDirPlus) do so themselves — and returns nil at end-of-stream.
func (d *dirStream) readNext() (*dirEntry, error) {
	for {
		if d.bufOff >= d.bufEnd {
			n, err := unix.ReadDirent(d.fd, d.buf)
			if err != nil {
				return nil, fmt.Errorf("passthrough: reading directory entries: %w", err)
			}
			if n == 0 {
				return nil, nil
			}
			d.bufOff, d.bufEnd = 0, n
		}

		entry, reclen, ok := parseDirent(d.buf[d.bufOff:d.bufEnd])
		if !ok {
			// A record was split across the read buffer boundary.
			// getdents64 never does this in practice (it always
			// returns whole records), but guard against an empty
			// buffer window rather than looping forever.
			d.bufOff = d.bufEnd
			continue
		}
		d.bufOff += reclen
		d.cursor = entry.off

		return entry, nil
	}
}

// parseDirent decodes a single Linux getdents64 record
// (struct linux_dirent64) from the front of buf. It returns the
// parsed entry, the record's length in bytes, and whether a full
// record was present.
func parseDirent(buf []byte) (*dirEntry, int, bool) {
	const headerLen = 8 + 8 + 2 + 1 // ino + off + reclen + type
	if len(buf) < headerLen {
		return nil, 0, false
	}
	reclen := int(le16(buf[16:18]))
	if reclen < headerLen+1 || reclen > len(buf) {
		return nil, 0, false
	}

	ino := le64(buf[0:8])
	off := int64(le64(buf[8:16]))
	typ := buf[18]

	nameBytes := buf[19:reclen]
	end := 0
	for end < len(nameBytes) && nameBytes[end] != 0 {
		end++
	}

	return &dirEntry{ino: ino, off: off, typ: typ, name: string(nameBytes[:end])}, reclen, true
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// direntFileType maps the d_type byte from getdents64 to the
// corresponding S_IFMT mode bits, sufficient for the Mode field of a
// plain (non-plus) directory entry. Unknown types report zero,
// matching what real filesystems do when d_type is DT_UNKNOWN — the
// client is expected to fall back to lstat in that case.
func direntFileType(typ uint8) uint32 {
	switch typ {
	case unix.DT_DIR:
		return unix.S_IFDIR
	case unix.DT_REG:
		return unix.S_IFREG
	case unix.DT_LNK:
		return unix.S_IFLNK
	case unix.DT_FIFO:
		return unix.S_IFIFO
	case unix.DT_SOCK:
		return unix.S_IFSOCK
	case unix.DT_CHR:
		return unix.S_IFCHR
	case unix.DT_BLK:
		return unix.S_IFBLK
	default:
		return 0
	}
}
