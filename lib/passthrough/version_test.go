// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/passthroughfs/passthroughfs/lib/clock"
)

func TestDialVersionClientDegradesWhenRegistryAbsent(t *testing.T) {
	// No registry socket exists in the test environment, so dialing
	// must degrade to a disabled client rather than blocking or
	// returning an error.
	vc := dialVersionClient(slog.Default(), clock.Real(), 8)
	defer vc.close()

	if vc.conn >= 0 {
		t.Fatal("expected a disabled client (conn < 0) with no registry present")
	}

	offset, refID, ok := vc.register(Key{Dev: 1, Ino: 1})
	if ok || offset != 0 || refID != 0 {
		t.Fatalf("register on a disabled client returned ok=%v offset=%d refID=%d, want all zero/false", ok, offset, refID)
	}

	// version/bump on a disabled offset are no-ops, not panics.
	if got := vc.version(0); got != 0 {
		t.Fatalf("version(0) on disabled client = %d, want 0", got)
	}
	if got := vc.bump(0); got != 0 {
		t.Fatalf("bump(0) on disabled client = %d, want 0", got)
	}
}

func TestRegisterTimesOutOnUnresponsiveRegistry(t *testing.T) {
	// A live socketpair stands in for the registry connection so
	// register() takes the conn >= 0 path and actually reaches the
	// select on vc.clock.After — nothing ever reads the other end, so
	// the reply side of the select never fires and the fake clock's
	// timeout branch is what has to resolve the call.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	fakeClock := clock.Fake(time.Unix(0, 0))
	vc := &VersionClient{
		logger:  slog.Default(),
		clock:   fakeClock,
		conn:    fds[0],
		pending: make(map[uint64]*pendingGet),
	}
	defer vc.close()

	type result struct {
		offset, refID uint64
		ok            bool
	}
	done := make(chan result, 1)
	go func() {
		offset, refID, ok := vc.register(Key{Dev: 2, Ino: 2})
		done <- result{offset, refID, ok}
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(registryGetTimeout)

	select {
	case r := <-done:
		if r.ok || r.offset != 0 || r.refID != 0 {
			t.Fatalf("register = (%d, %d, %v), want (0, 0, false)", r.offset, r.refID, r.ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("register did not return after the fake clock fired its timeout")
	}

	vc.mu.Lock()
	pending := len(vc.pending)
	vc.mu.Unlock()
	if pending != 0 {
		t.Fatalf("register left %d pending entries after timing out, want 0", pending)
	}
}

func TestReleaseOnDisabledClientIsNoop(t *testing.T) {
	vc := dialVersionClient(slog.Default(), clock.Real(), 8)
	defer vc.close()
	// Must not panic even though there is no registered refID.
	vc.release(999)
}
