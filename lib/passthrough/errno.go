// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// toStatus converts an error from a host syscall (or a core-originated
// sentinel error) into the fuse.Status reply value. This is the single
// conversion point mandated by the error-handling design: every
// handler funnels its error through here rather than inspecting errno
// values itself.
func toStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.ToStatus(errno)
	}

	switch {
	case errors.Is(err, errResolverExhausted):
		return fuse.EIO
	case errors.Is(err, errReadlinkOverflow):
		return fuse.Status(syscall.ENAMETOOLONG)
	case errors.Is(err, errLookupInconsistent):
		return fuse.EIO
	case errors.Is(err, errNoRaceSymlink):
		return fuse.EPERM
	case errors.Is(err, errUnsupportedRenameFlags):
		return fuse.EINVAL
	case errors.Is(err, errFallocateMode):
		return fuse.Status(syscall.EOPNOTSUPP)
	case errors.Is(err, errXattrDisabled):
		return fuse.ENOSYS
	case errors.Is(err, errAllocFailed):
		return fuse.Status(syscall.ENOMEM)
	}

	return fuse.EIO
}

// Core-originated sentinel errors, distinct from host errno values.
// These name the error-handling design's "distinct core-originated
// codes" so toStatus can map them without depending on a particular
// wrapping style at each call site.
var (
	errResolverExhausted      = errors.New("passthrough: path resolver exhausted its retry budget")
	errReadlinkOverflow       = errors.New("passthrough: readlink filled the buffer exactly (ambiguous)")
	errLookupInconsistent     = errors.New("passthrough: inode found in table but stat no longer matches")
	errNoRaceSymlink          = errors.New("passthrough: no race-free path for this symlink operation under norace")
	errUnsupportedRenameFlags = errors.New("passthrough: rename flags not supported by this kernel")
	errFallocateMode          = errors.New("passthrough: fallocate mode must be zero")
	errXattrDisabled          = errors.New("passthrough: extended attributes are disabled for this mount")
	errAllocFailed            = errors.New("passthrough: failed to allocate a new inode")
)
