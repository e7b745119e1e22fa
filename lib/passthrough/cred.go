// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// withCredentials runs fn with the effective uid/gid of the caller
// (uid, gid) for its duration, then restores the server's own
// effective credentials. The group is switched before the user (so
// the process never briefly holds neither), and restored
// user-then-group, matching the design's rollback ordering: if the
// user switch fails after the group switch succeeded, the group is
// rolled back before returning the error.
//
// Only the effective id is ever touched; real and saved are left at
// -1 (unchanged) on every call. Moving all three away from 0 in one
// setresuid/setresgid would trip the capabilities(7) rule that clears
// the process's capability sets once none of real/effective/saved UID
// is 0 anymore, which would strand the server without CAP_SETUID and
// unable to restore its own identity afterward.
func withCredentials(logger *slog.Logger, uid, gid uint32, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origGID := unix.Getegid()
	origUID := unix.Geteuid()

	if err := setresgid(int(gid)); err != nil {
		return fmt.Errorf("passthrough: switching effective gid to %d: %w", gid, err)
	}
	if err := setresuid(int(uid)); err != nil {
		if rollbackErr := setresgid(origGID); rollbackErr != nil {
			fatalCredentialFailure(logger, "restoring gid after failed uid switch", rollbackErr)
		}
		return fmt.Errorf("passthrough: switching effective uid to %d: %w", uid, err)
	}

	err := fn()

	if restoreErr := setresuid(origUID); restoreErr != nil {
		fatalCredentialFailure(logger, "restoring uid", restoreErr)
	}
	if restoreErr := setresgid(origGID); restoreErr != nil {
		fatalCredentialFailure(logger, "restoring gid", restoreErr)
	}

	return err
}

// setresuid and setresgid change only the effective id, passing -1
// (all bits set, reinterpreted as uintptr) for the real and saved
// arguments so those stay exactly as they were.
func setresuid(uid int) error {
	_, _, errno := unix.Syscall(unix.SYS_SETRESUID, ^uintptr(0), uintptr(uid), ^uintptr(0))
	if errno != 0 {
		return errno
	}
	return nil
}

func setresgid(gid int) error {
	_, _, errno := unix.Syscall(unix.SYS_SETRESGID, ^uintptr(0), uintptr(gid), ^uintptr(0))
	if errno != 0 {
		return errno
	}
	return nil
}

// fatalCredentialFailure logs and aborts the process. A server that
// cannot prove it dropped elevated credentials must not continue
// serving requests under any identity.
func fatalCredentialFailure(logger *slog.Logger, what string, err error) {
	if logger != nil {
		logger.Error("fatal: failed to restore credentials", "step", what, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "passthrough: fatal: failed to restore credentials (%s): %v\n", what, err)
	}
	os.Exit(1)
}
