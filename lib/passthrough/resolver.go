// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// maxResolverRetries bounds the resolver's retry loop: one first
// attempt plus this many retries. Under a permanent rename loop in the
// source tree this budget is exhausted and the resolver surfaces EIO —
// the design accepts this as a livelock guard rather than retrying
// forever.
const maxResolverRetries = 2

// resolve recovers a (parentInode, leafName) pair such that
// parent.fd + leafName currently names target, for the rare host
// syscalls (utimensat on a symlink, linkat on a symlink) that have no
// race-free O_PATH-anchored variant. The caller owns the returned
// parent reference and must release it via unref.
//
// If the norace policy is in effect, callers must not invoke resolve
// at all — they should fail the operation with errNoRaceSymlink
// instead. resolve does not check the policy itself; it is a pure
// mechanism.
func (fs *FileSystem) resolve(target *Inode) (parent *Inode, leaf string, err error) {
	for attempt := 0; attempt <= maxResolverRetries; attempt++ {
		parent, leaf, err = fs.resolveOnce(target)
		if err == nil {
			return parent, leaf, nil
		}
		if err != errRetry {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("passthrough: resolving path for inode %v: %w", target.key, errResolverExhausted)
}

// errRetry is a private sentinel distinguishing "try again" from a
// terminal failure inside resolveOnce; it never escapes resolve.
var errRetry = fmt.Errorf("passthrough: resolver retry")

func (fs *FileSystem) resolveOnce(target *Inode) (*Inode, string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(fmt.Sprintf("/proc/self/fd/%d", target.fd), buf)
	if err != nil {
		return nil, "", fmt.Errorf("passthrough: readlink self-fd for inode %v: %v: %w", target.key, err, errResolverExhausted)
	}
	if n == len(buf) {
		return nil, "", fmt.Errorf("passthrough: self-fd path for inode %v overflowed the readlink buffer: %w", target.key, errResolverExhausted)
	}
	path := string(buf[:n])
	if len(path) == 0 || path[0] != '/' {
		return nil, "", fmt.Errorf("passthrough: self-fd path %q for inode %v: %w", path, target.key, errResolverExhausted)
	}

	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return nil, "", fmt.Errorf("passthrough: self-fd path %q has no slash: %w", path, errResolverExhausted)
	}

	parentPath := path[:idx]
	leaf := path[idx+1:]
	if leaf == "" {
		return nil, "", fmt.Errorf("passthrough: self-fd path %q resolves to root: %w", path, errResolverExhausted)
	}

	if parentPath == "" {
		// The host path's parent is "/" itself. That is the source
		// root only when Options.Source is "/"; the stat and leaf
		// checks below decide it like any other parent.
		parentPath = "/"
	}

	var parentStat unix.Stat_t
	if err := unix.Stat(parentPath, &parentStat); err != nil {
		return nil, "", errRetry
	}
	parentKey := keyFromStat(&parentStat)

	var parentInode *Inode
	if parentKey == fs.table.Root().key {
		// The root's refcount is not tracked through byKey; unref
		// no-ops on it, so returning it without incrementing anything
		// is symmetric with that no-op release.
		parentInode = fs.table.Root()
	} else {
		parentInode = fs.table.find(parentKey)
		if parentInode == nil {
			return nil, "", errRetry
		}
	}

	var leafStat unix.Stat_t
	if err := unix.Fstatat(parentInode.fd, leaf, &leafStat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if !parentInode.isRoot {
			fs.table.unref(parentInode, 1)
		}
		return nil, "", errRetry
	}

	if keyFromStat(&leafStat) != target.key {
		if !parentInode.isRoot {
			fs.table.unref(parentInode, 1)
		}
		return nil, "", errRetry
	}

	return parentInode, leaf, nil
}
