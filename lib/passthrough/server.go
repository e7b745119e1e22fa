// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package passthrough implements a userspace passthrough filesystem:
// it services requests from the FUSE kernel driver by reflecting each
// operation onto an underlying host directory tree. See SPEC_FULL.md
// at the module root for the full design.
package passthrough

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/passthroughfs/passthroughfs/lib/clock"
)

// CacheMode selects how aggressively the kernel is told to cache
// attributes and directory entries.
type CacheMode int

const (
	CacheAuto CacheMode = iota
	CacheNone
	CacheAlways
)

// ParseCacheMode parses the --cache flag value.
func ParseCacheMode(s string) (CacheMode, error) {
	switch s {
	case "", "auto":
		return CacheAuto, nil
	case "none":
		return CacheNone, nil
	case "always":
		return CacheAlways, nil
	default:
		return CacheAuto, fmt.Errorf("passthrough: invalid cache mode %q (want none, auto, or always)", s)
	}
}

// Options configures a FileSystem. Every field corresponds to one of
// the CLI options in the external interfaces section: Source maps to
// --source, and so on.
type Options struct {
	Source       string
	Writeback    bool
	Flock        bool
	XAttr        bool
	Timeout      time.Duration // zero means "use CacheMode's default"
	TimeoutSet   bool
	Cache        CacheMode
	Shared       bool
	NoRace       bool
	ReadDirPlus  bool
	NoReadDirPlus bool

	Logger *slog.Logger
	Clock  clock.Clock
}

// attrTimeout and entryTimeout resolve the effective cache timeouts
// per §6: an explicit --timeout overrides the cache mode's default;
// otherwise CacheNone is 0s, CacheAuto is 1s, CacheAlways is 24h.
func (o *Options) attrTimeout() time.Duration {
	if o.TimeoutSet {
		return o.Timeout
	}
	switch o.Cache {
	case CacheNone:
		return 0
	case CacheAlways:
		return 86400 * time.Second
	default:
		return 1 * time.Second
	}
}

func (o *Options) entryTimeout() time.Duration {
	return o.attrTimeout()
}

// wantReadDirPlus resolves the effective readdirplus policy per
// session bootstrap's negotiation rule: disabled when cache=none and
// not explicitly enabled, or when shared mode is active, or when
// explicitly disabled.
func (o *Options) wantReadDirPlus() bool {
	if o.NoReadDirPlus {
		return false
	}
	if o.ReadDirPlus {
		return true
	}
	if o.Shared {
		return false
	}
	if o.Cache == CacheNone {
		return false
	}
	return true
}

// FileSystem implements fuse.RawFileSystem, reflecting every
// operation onto the host directory tree rooted at Options.Source.
type FileSystem struct {
	fuse.RawFileSystem // embed the default (ENOSYS-everything) implementation for forward compatibility

	opts   Options
	logger *slog.Logger
	table  *Table
	server *fuse.Server // set by Init; unused today but retained for future EntryNotify use

	// openFilesMu guards openFiles, the table of open regular-file
	// descriptors keyed by the Fh value handed to the kernel.
	openFilesMu sync.Mutex
	openFiles   map[uint64]*openFile
	nextFh      uint64

	// openDirsMu guards openDirs, the equivalent table for directory
	// streams.
	openDirsMu sync.Mutex
	openDirs   map[uint64]*dirStream
}

// openFile is the bookkeeping behind a regular-file open handle: just
// the host fd, plus the (possibly promoted) flags the file was opened
// with. No handler currently reads flags.
type openFile struct {
	fd    int
	flags uint32
}

// New assembles the session bootstrap (C7): it opens Options.Source
// as the O_PATH root anchor, stats it, seeds the inode table, and
// dials the shared-version registry if Options.Shared is set. The
// returned FileSystem is ready to be passed to fuse.NewServer.
func New(opts Options) (*FileSystem, error) {
	if opts.Source == "" {
		opts.Source = "/"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	// The kernel already applies the caller's umask to the mode it
	// hands us in Mknod/Mkdir/Create (input.Mode &^ input.Umask); clear
	// our own inherited umask so mkdirat/mknodat/openat don't mask it
	// a second time.
	unix.Umask(0)

	rootFD, err := unix.Open(opts.Source, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("passthrough: opening source root %s: %w", opts.Source, err)
	}
	var rootStat unix.Stat_t
	if err := unix.Fstat(rootFD, &rootStat); err != nil {
		unix.Close(rootFD)
		return nil, fmt.Errorf("passthrough: stating source root %s: %w", opts.Source, err)
	}

	var versions *VersionClient
	if opts.Shared {
		versions = dialVersionClient(opts.Logger, opts.Clock, defaultVersionTableSlots*8)
	}

	table := NewTable(rootFD, &rootStat, versions)

	fs := &FileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		opts:          opts,
		logger:        opts.Logger,
		table:         table,
		openFiles:     make(map[uint64]*openFile),
		openDirs:      make(map[uint64]*dirStream),
	}
	return fs, nil
}

// defaultVersionTableSlots sets the size of the version table mapping:
// New always maps exactly defaultVersionTableSlots*8 bytes. This
// module never creates or resizes the shared file (the registry, an
// external collaborator per §1, owns that), and the mapping size does
// not follow the file's actual size.
const defaultVersionTableSlots = 65536

// MountOptions builds the fuse.MountOptions this session bootstrap
// negotiates, per §4.7: EnableLocks for flock, DisableXAttrs for
// !xattr, DisableReadDirPlus per wantReadDirPlus.
func (o *Options) MountOptions(fsName string, debug bool, allowOther bool, singleThreaded bool) *fuse.MountOptions {
	return &fuse.MountOptions{
		AllowOther:           allowOther,
		FsName:               fsName,
		Name:                 "passthroughfs",
		SingleThreaded:       singleThreaded,
		Debug:                debug,
		EnableLocks:          o.Flock,
		DisableXAttrs:        !o.XAttr,
		DisableReadDirPlus:   !o.wantReadDirPlus(),
		IgnoreSecurityLabels: true,
	}
}

// Init records the server callbacks handle, mirroring the
// RawFileSystem contract that Init is called once before any other
// method. This module has nothing further to negotiate here: go-fuse
// handles FUSE_CAP_* negotiation internally (see DESIGN.md's Open
// Question decisions).
func (fs *FileSystem) Init(server *fuse.Server) {
	fs.server = server
}

// Close releases the source root anchor and the shared-version
// client, if any. It does not attempt to close outstanding open
// files/dirs — by the time Close is called, fuse.Server.Serve has
// returned and the kernel has already released every open handle via
// Release/ReleaseDir.
func (fs *FileSystem) Close() error {
	var firstErr error
	if fs.table.versions != nil {
		if err := fs.table.versions.close(); err != nil {
			firstErr = err
		}
	}
	if err := unix.Close(fs.table.root.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("passthrough: closing source root anchor: %w", err)
	}
	return firstErr
}

// caller extracts the request's uid/gid from a go-fuse InHeader.
func caller(h *fuse.InHeader) (uid, gid uint32) {
	return h.Caller.Uid, h.Caller.Gid
}

// registerOpenFile assigns a fresh Fh to fd and stashes it for
// Read/Write/Flush/Fsync/Release/etc to recover later.
func (fs *FileSystem) registerOpenFile(fd int, flags uint32) uint64 {
	fs.openFilesMu.Lock()
	defer fs.openFilesMu.Unlock()
	fs.nextFh++
	fh := fs.nextFh
	fs.openFiles[fh] = &openFile{fd: fd, flags: flags}
	return fh
}

func (fs *FileSystem) lookupOpenFile(fh uint64) (*openFile, bool) {
	fs.openFilesMu.Lock()
	defer fs.openFilesMu.Unlock()
	of, ok := fs.openFiles[fh]
	return of, ok
}

func (fs *FileSystem) releaseOpenFile(fh uint64) (*openFile, bool) {
	fs.openFilesMu.Lock()
	defer fs.openFilesMu.Unlock()
	of, ok := fs.openFiles[fh]
	if ok {
		delete(fs.openFiles, fh)
	}
	return of, ok
}

func (fs *FileSystem) registerOpenDir(d *dirStream) uint64 {
	fs.openDirsMu.Lock()
	defer fs.openDirsMu.Unlock()
	fs.nextFh++
	fh := fs.nextFh
	fs.openDirs[fh] = d
	return fh
}

func (fs *FileSystem) lookupOpenDir(fh uint64) (*dirStream, bool) {
	fs.openDirsMu.Lock()
	defer fs.openDirsMu.Unlock()
	d, ok := fs.openDirs[fh]
	return d, ok
}

func (fs *FileSystem) releaseOpenDir(fh uint64) (*dirStream, bool) {
	fs.openDirsMu.Lock()
	defer fs.openDirsMu.Unlock()
	d, ok := fs.openDirs[fh]
	if ok {
		delete(fs.openDirs, fh)
	}
	return d, ok
}
