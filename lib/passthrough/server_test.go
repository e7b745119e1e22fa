// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passthrough

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func testCaller() fuse.InHeader {
	return fuse.InHeader{
		NodeId: fuse.FUSE_ROOT_ID,
		Caller: fuse.Caller{Uid: uint32(unix.Getuid()), Gid: uint32(unix.Getgid())},
	}
}

func TestLookupReturnsCanonicalNodeID(t *testing.T) {
	fs, dir := newTestFS(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	header := testCaller()
	var out1, out2 fuse.EntryOut
	if status := fs.Lookup(nil, &header, "a", &out1); status != fuse.OK {
		t.Fatalf("Lookup #1 = %v", status)
	}
	if status := fs.Lookup(nil, &header, "a", &out2); status != fuse.OK {
		t.Fatalf("Lookup #2 = %v", status)
	}
	if out1.NodeId != out2.NodeId {
		t.Fatalf("Lookup returned different NodeIds for the same file: %d vs %d", out1.NodeId, out2.NodeId)
	}

	fs.Forget(out1.NodeId, 2)
}

func TestMkdirCreateWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	header := testCaller()

	var mkOut fuse.EntryOut
	mkIn := &fuse.MkdirIn{InHeader: header, Mode: 0755}
	if status := fs.Mkdir(nil, mkIn, "sub", &mkOut); status != fuse.OK {
		t.Fatalf("Mkdir = %v", status)
	}
	defer fs.Forget(mkOut.NodeId, 1)

	subHeader := header
	subHeader.NodeId = mkOut.NodeId

	createIn := &fuse.CreateIn{InHeader: subHeader, Flags: uint32(unix.O_WRONLY | unix.O_CREAT), Mode: 0644}
	var createOut fuse.CreateOut
	if status := fs.Create(nil, createIn, "file", &createOut); status != fuse.OK {
		t.Fatalf("Create = %v", status)
	}
	defer fs.Forget(createOut.NodeId, 1)
	defer fs.Release(nil, &fuse.ReleaseIn{Fh: createOut.Fh})

	writeIn := &fuse.WriteIn{InHeader: subHeader, Fh: createOut.Fh, Offset: 0, Size: 5}
	writeIn.NodeId = createOut.NodeId
	n, status := fs.Write(nil, writeIn, []byte("hello"))
	if status != fuse.OK {
		t.Fatalf("Write = %v", status)
	}
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}

	readIn := &fuse.ReadIn{InHeader: subHeader, Fh: createOut.Fh, Offset: 0}
	buf := make([]byte, 16)
	result, status := fs.Read(nil, readIn, buf)
	if status != fuse.OK {
		t.Fatalf("Read = %v", status)
	}
	data, status := result.Bytes(buf)
	if status != fuse.OK {
		t.Fatalf("ReadResult.Bytes = %v", status)
	}
	if string(data) != "hello" {
		t.Fatalf("Read returned %q, want %q", data, "hello")
	}
}

func TestSetAttrTruncatesWithoutFileHandle(t *testing.T) {
	fs, dir := newTestFS(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	header := testCaller()
	var entry fuse.EntryOut
	if status := fs.Lookup(nil, &header, "a", &entry); status != fuse.OK {
		t.Fatalf("Lookup = %v", status)
	}
	defer fs.Forget(entry.NodeId, 1)

	fileHeader := header
	fileHeader.NodeId = entry.NodeId
	setIn := &fuse.SetAttrIn{InHeader: fileHeader, Valid: fuse.FATTR_SIZE, Size: 3}
	var attrOut fuse.AttrOut
	if status := fs.SetAttr(nil, setIn, &attrOut); status != fuse.OK {
		t.Fatalf("SetAttr = %v", status)
	}
	if attrOut.Size != 3 {
		t.Fatalf("SetAttr resulting size = %d, want 3", attrOut.Size)
	}

	got, err := os.ReadFile(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "012" {
		t.Fatalf("file contents after truncate = %q, want %q", got, "012")
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	fs, dir := newTestFS(t)
	path := filepath.Join(dir, "a")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	header := testCaller()
	if status := fs.Unlink(nil, &header, "a"); status != fuse.OK {
		t.Fatalf("Unlink = %v", status)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after Unlink: err=%v", err)
	}
}

func TestReadDirReturnsCreatedEntries(t *testing.T) {
	fs, dir := newTestFS(t)
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
	}

	header := testCaller()
	var openOut fuse.OpenOut
	if status := fs.OpenDir(nil, &fuse.OpenIn{InHeader: header}, &openOut); status != fuse.OK {
		t.Fatalf("OpenDir = %v", status)
	}
	defer fs.ReleaseDir(&fuse.ReleaseIn{Fh: openOut.Fh})

	list := &collectingDirList{}
	readIn := &fuse.ReadIn{InHeader: header, Fh: openOut.Fh}
	if status := fs.ReadDir(nil, readIn, list); status != fuse.OK {
		t.Fatalf("ReadDir = %v", status)
	}

	names := map[string]bool{}
	for _, e := range list.entries {
		names[e.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Fatalf("ReadDir did not return both entries: got %v", list.entries)
	}
}

// collectingDirList is a minimal fuse.ReadDirEntryList that never
// reports overflow, sufficient for exercising the ReadDir loop above
// without a real /dev/fuse reply buffer.
type collectingDirList struct {
	entries []fuse.DirEntry
}

func (l *collectingDirList) AddDirEntry(e fuse.DirEntry, off uint64) bool {
	l.entries = append(l.entries, e)
	return true
}
