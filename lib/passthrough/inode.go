// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"fmt"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Key canonically identifies one host filesystem object.
type Key struct {
	Dev uint64
	Ino uint64
}

func keyFromStat(st *unix.Stat_t) Key {
	return Key{Dev: uint64(st.Dev), Ino: st.Ino}
}

// Inode is the server's canonical handle for one host filesystem
// object. fd is an O_PATH descriptor: opened for naming only, never
// read or written directly, used as an anchor for path-less syscalls
// (openat(fd, "", ...) with AT_EMPTY_PATH, fstatat, fchownat, and so
// on). fd is closed exactly once, when refcount reaches zero.
type Inode struct {
	key       Key
	fd        int
	mode      uint32 // stat mode bits at creation time
	isSymlink bool
	isRoot    bool

	// handle is the NodeId the kernel is given to name this Inode,
	// assigned once by Table.intern and never reused. It is the slab
	// index a NodeId decodes through (see Table.handles), not an
	// encoded pointer.
	handle uint64

	// registryRefID and versionOffset are set once at registration
	// time (in lookupOrCreate, before intern, for non-root inodes) and
	// never mutated again.
	// versionOffset is 0 when the shared-version client is disabled
	// or the registry was unreachable at registration time.
	versionOffset uint64
	registryRefID uint64

	// refcount is mutated only while the owning Table's mutex is
	// held.
	refcount uint64
}

// Table is the canonical (dev,ino) -> Inode map described in the
// inode-identity component. All structural mutations and refcount
// arithmetic happen under mu; the immutable fields of a looked-up
// Inode (fd, isSymlink, key) may be read without holding mu.
type Table struct {
	mu    sync.Mutex
	byKey map[Key]*Inode
	// handles is the slab NodeId decodes through: nodeID/inodeFromNodeID
	// never reconstruct a pointer from raw bits, they look it up here.
	// nextHandle is monotonically increasing and never reused, so an
	// id can never be decoded to an Inode other than the one it was
	// issued for.
	handles    map[uint64]*Inode
	nextHandle uint64
	root       *Inode
	versions   *VersionClient // nil if shared-version mode is disabled or unavailable
}

// NewTable creates an inode table whose root is the already-opened
// O_PATH descriptor rootFD, stat-ed as rootStat. The root is seeded
// with refcount=2 (one for the table itself, one representing the
// kernel's initial reference) and is never inserted into byKey or
// handles: it is addressed exclusively via the fuse.FUSE_ROOT_ID
// sentinel, which also seeds nextHandle so no other Inode can ever be
// assigned that value.
func NewTable(rootFD int, rootStat *unix.Stat_t, versions *VersionClient) *Table {
	root := &Inode{
		key:      keyFromStat(rootStat),
		fd:       rootFD,
		mode:     rootStat.Mode,
		isRoot:   true,
		handle:   fuse.FUSE_ROOT_ID,
		refcount: 2,
	}
	return &Table{
		byKey:      make(map[Key]*Inode),
		handles:    make(map[uint64]*Inode),
		nextHandle: fuse.FUSE_ROOT_ID,
		root:       root,
		versions:   versions,
	}
}

// Root returns the table's root Inode. The root's refcount is never
// touched by callers; it is preallocated and never evicted.
func (t *Table) Root() *Inode {
	return t.root
}

// find returns the Inode for key with its refcount incremented, or
// nil if no such Inode is currently tracked. The caller owns the
// returned reference and must eventually unref it.
func (t *Table) find(key Key) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byKey[key]
	if !ok {
		return nil
	}
	in.refcount++
	return in
}

// intern inserts candidate (refcount=1) iff no entry exists for its
// key yet. If an entry already exists (a concurrent LOOKUP won the
// race), intern returns the existing Inode with its refcount
// incremented, and the caller must discard candidate: close its fd
// and release its registry slot.
func (t *Table) intern(candidate *Inode) (inode *Inode, won bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byKey[candidate.key]; ok {
		existing.refcount++
		return existing, false
	}
	candidate.refcount = 1
	t.nextHandle++
	candidate.handle = t.nextHandle
	t.byKey[candidate.key] = candidate
	t.handles[candidate.handle] = candidate
	return candidate, true
}

// incRef adds one reference to inode, used by Link where the target
// inode is already known (via its NodeId) rather than discovered
// through find.
func (t *Table) incRef(inode *Inode) {
	if inode.isRoot {
		return
	}
	t.mu.Lock()
	inode.refcount++
	t.mu.Unlock()
}

// unref decrements inode's refcount by n. If it reaches zero, the
// Inode is removed from the table and its resources (version slot, O_PATH
// fd) are released outside the table mutex. unref panics if n exceeds
// the current refcount — an over-release is a bug in a caller, not a
// recoverable condition, since it means an Inode was found and closed
// while still reachable.
func (t *Table) unref(inode *Inode, n uint64) {
	if inode.isRoot {
		// The protocol forbids forgetting the root; callers must not
		// invoke unref on it. Guard defensively rather than corrupt
		// the sentinel refcount.
		return
	}

	t.mu.Lock()
	if inode.refcount < n {
		t.mu.Unlock()
		panic(fmt.Sprintf("passthrough: unref(%d) exceeds refcount %d for inode %v", n, inode.refcount, inode.key))
	}
	inode.refcount -= n
	removed := inode.refcount == 0
	if removed {
		delete(t.byKey, inode.key)
		delete(t.handles, inode.handle)
	}
	t.mu.Unlock()

	if !removed {
		return
	}
	if t.versions != nil && inode.versionOffset != 0 {
		t.versions.release(inode.registryRefID)
	}
	unix.Close(inode.fd)
}

// lookupOrCreate implements the canonical intern pattern from the
// inode table's design: open an O_PATH anchor to name under
// parentFD, stat it, and either return an existing Inode (with the
// anchor discarded) or register a new one. name must not be "." or
// "..".
func (t *Table) lookupOrCreate(parentFD int, name string) (*Inode, error) {
	fd, err := unix.Openat(parentFD, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}

	key := keyFromStat(&st)
	if existing := t.find(key); existing != nil {
		unix.Close(fd)

		// The table's entry for key was interned from a stat of its
		// own anchor fd at some point in the past. A live fd pins its
		// inode against reuse on a well-behaved local filesystem, but
		// Options.Source is not guaranteed to be one — it may itself
		// be NFS, overlayfs, or another FUSE mount, where dev/ino can
		// drift out from under a held fd. Re-stat the anchor and
		// compare against the key it was interned under before
		// handing the entry back.
		var verify unix.Stat_t
		if verifyErr := unix.Fstat(existing.fd, &verify); verifyErr == nil {
			if keyFromStat(&verify) != existing.key {
				t.unref(existing, 1)
				return nil, errLookupInconsistent
			}
		}
		return existing, nil
	}

	candidate := &Inode{
		key:       key,
		fd:        fd,
		mode:      st.Mode,
		isSymlink: st.Mode&unix.S_IFMT == unix.S_IFLNK,
	}

	if t.versions != nil {
		offset, refID, ok := t.versions.register(key)
		if ok {
			candidate.versionOffset = offset
			candidate.registryRefID = refID
		}
	}

	inode, won := t.intern(candidate)
	if !won {
		if t.versions != nil && candidate.versionOffset != 0 {
			t.versions.release(candidate.registryRefID)
		}
		unix.Close(fd)
	}
	return inode, nil
}

// bumpVersion increases inode's shared version counter by one, if
// versioning is enabled for it. It is a no-op for the root inode's
// callers that pass nil, and for any inode with versionOffset == 0.
func (t *Table) bumpVersion(inode *Inode) {
	if inode == nil || t.versions == nil || inode.versionOffset == 0 {
		return
	}
	t.versions.bump(inode.versionOffset)
}
