// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/passthroughfs/passthroughfs/lib/clock"
)

const (
	registrySocketPath = "/tmp/ireg.sock"
	versionTablePath   = "/dev/shm/fuse_shared_versions"

	opGet     uint64 = 1
	opPut     uint64 = 2
	opVersion uint64 = 3

	// getRecordSize is (op, handle, dev, ino), each a u64.
	getRecordSize = 8 * 4
	// putRecordSize is (op, refid).
	putRecordSize = 8 * 2
	// versionRecordSize is (op, handle, offset, refid).
	versionRecordSize = 8 * 4
)

// pendingGet is a single in-flight GET request, matched to its reply
// by handle. done is closed once: by readLoop after it stores the
// reply's offset and refid (ok=true), or by failAllPending when the
// reader exits (ok=false). A GET that times out is removed from the
// pending map and its done is never closed.
type pendingGet struct {
	offset uint64
	refID  uint64
	ok     bool
	done   chan struct{}
}

// VersionClient is the shared-version registry client. Its zero value
// is not usable; construct with dialVersionClient.
// When the registry is unavailable, VersionClient degrades to a
// no-op: registration always reports ok=false, and no goroutine or
// socket resources are held.
type VersionClient struct {
	logger *slog.Logger
	clock  clock.Clock

	conn  int // unix SOCK_SEQPACKET fd, or -1 if disabled
	table []byte

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pendingGet
}

// dialVersionClient connects to the registry socket and maps the
// version table. If the socket cannot be created or connected, it
// logs at Debug (this is an expected, documented degradation, not an
// error) and returns a disabled client: every inode registered
// against it gets versionOffset=0 and the rest of the system
// continues to work, exactly as required by the shared-version
// registry absence design note. If the registry is reachable but the
// version table cannot be opened or mapped, it logs at Error and
// exits the process.
func dialVersionClient(logger *slog.Logger, clk clock.Clock, tableSize int) *VersionClient {
	vc := &VersionClient{
		logger:  logger,
		clock:   clk,
		conn:    -1,
		pending: make(map[uint64]*pendingGet),
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		logger.Debug("shared-version registry disabled: socket creation failed", "error", err)
		return vc
	}
	addr := &unix.SockaddrUnix{Name: registrySocketPath}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		logger.Debug("shared-version registry disabled: connect failed", "path", registrySocketPath, "error", err)
		return vc
	}

	tableFD, err := unix.Open(versionTablePath, unix.O_RDWR, 0)
	if err != nil {
		logger.Error("fatal: opening shared version table failed", "path", versionTablePath, "error", err)
		os.Exit(1)
	}
	table, err := unix.Mmap(tableFD, 0, tableSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(tableFD) // the mapping keeps the underlying object alive; the fd itself is not needed after mmap
	if err != nil {
		logger.Error("fatal: mapping shared version table failed", "path", versionTablePath, "error", err)
		os.Exit(1)
	}

	vc.conn = fd
	vc.table = table
	go vc.readLoop()
	return vc
}

// readLoop continuously reads VERSION replies and wakes the matching
// pending GET. It exits silently on any read error — a disconnect
// from the registry simply means all future GETs will time out and
// degrade to versionOffset=0 via register's timeout path.
func (vc *VersionClient) readLoop() {
	buf := make([]byte, versionRecordSize)
	for {
		n, err := unix.Read(vc.conn, buf)
		if err != nil || n != versionRecordSize {
			vc.failAllPending()
			return
		}
		op := binary.LittleEndian.Uint64(buf[0:8])
		if op != opVersion {
			continue
		}
		handle := binary.LittleEndian.Uint64(buf[8:16])
		offset := binary.LittleEndian.Uint64(buf[16:24])
		refID := binary.LittleEndian.Uint64(buf[24:32])

		vc.mu.Lock()
		p, ok := vc.pending[handle]
		if ok {
			delete(vc.pending, handle)
		}
		vc.mu.Unlock()
		if !ok {
			continue
		}
		p.offset, p.refID, p.ok = offset, refID, true
		close(p.done)
	}
}

func (vc *VersionClient) failAllPending() {
	vc.mu.Lock()
	pending := vc.pending
	vc.pending = make(map[uint64]*pendingGet)
	vc.mu.Unlock()
	for _, p := range pending {
		close(p.done)
	}
}

// register asks the registry for a version-table slot for key. It
// returns ok=false if the registry is disabled, the request could
// not be sent, or no reply arrives within a short timeout — in every
// case the caller should leave versionOffset at 0.
func (vc *VersionClient) register(key Key) (offset uint64, refID uint64, ok bool) {
	if vc == nil || vc.conn < 0 {
		return 0, 0, false
	}

	vc.mu.Lock()
	vc.nextID++
	handle := vc.nextID
	p := &pendingGet{done: make(chan struct{})}
	vc.pending[handle] = p
	vc.mu.Unlock()

	req := make([]byte, getRecordSize)
	binary.LittleEndian.PutUint64(req[0:8], opGet)
	binary.LittleEndian.PutUint64(req[8:16], handle)
	binary.LittleEndian.PutUint64(req[16:24], key.Dev)
	binary.LittleEndian.PutUint64(req[24:32], key.Ino)

	if _, err := unix.Write(vc.conn, req); err != nil {
		vc.mu.Lock()
		delete(vc.pending, handle)
		vc.mu.Unlock()
		vc.logger.Debug("shared-version GET failed to send", "error", err)
		return 0, 0, false
	}

	select {
	case <-p.done:
		if !p.ok {
			return 0, 0, false
		}
		return p.offset, p.refID, true
	case <-vc.clock.After(registryGetTimeout):
		vc.mu.Lock()
		delete(vc.pending, handle)
		vc.mu.Unlock()
		vc.logger.Debug("shared-version GET timed out", "key", key)
		return 0, 0, false
	}
}

// registryGetTimeout bounds how long register blocks waiting for a
// VERSION reply before giving up and disabling versioning for that
// inode. It is generous because the registry is a local Unix socket,
// not a network peer.
const registryGetTimeout = 2 * time.Second

// release sends a PUT to return refID's slot to the registry. Errors
// are logged and otherwise ignored: a leaked slot degrades the
// registry's slot pool but never affects correctness of this
// instance.
func (vc *VersionClient) release(refID uint64) {
	if vc == nil || vc.conn < 0 {
		return
	}
	req := make([]byte, putRecordSize)
	binary.LittleEndian.PutUint64(req[0:8], opPut)
	binary.LittleEndian.PutUint64(req[8:16], refID)
	if _, err := unix.Write(vc.conn, req); err != nil {
		vc.logger.Debug("shared-version PUT failed", "refid", refID, "error", err)
	}
}

// version reads the current counter at offset with sequentially
// consistent ordering.
func (vc *VersionClient) version(offset uint64) uint64 {
	if vc == nil || offset == 0 {
		return 0
	}
	return atomic.LoadUint64(vc.slot(offset))
}

// bump increments the counter at offset by one, sequentially
// consistent, and returns the new value.
func (vc *VersionClient) bump(offset uint64) uint64 {
	if vc == nil || offset == 0 {
		return 0
	}
	return atomic.AddUint64(vc.slot(offset), 1)
}

func (vc *VersionClient) slot(offset uint64) *uint64 {
	const wordSize = 8
	start := offset * wordSize
	return (*uint64)(unsafe.Pointer(&vc.table[start]))
}

// close releases the version table mapping and closes the registry
// socket. It is called once during shutdown; it does not attempt to
// release any still-registered slots (the inode table's own teardown
// releases those as inodes are unreffed).
func (vc *VersionClient) close() error {
	if vc == nil || vc.conn < 0 {
		return nil
	}
	var firstErr error
	if vc.table != nil {
		if err := unix.Munmap(vc.table); err != nil {
			firstErr = fmt.Errorf("unmapping shared version table: %w", err)
		}
	}
	if err := unix.Close(vc.conn); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing registry socket: %w", err)
	}
	return firstErr
}
