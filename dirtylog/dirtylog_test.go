package dirtylog_test

import (
	"os"
	"testing"

	"github.com/vhostloop/vhostloopd/dirtylog"
)

func tempLogFD(t *testing.T, size int64) int {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}

	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	t.Cleanup(func() { f.Close() })

	return int(f.Fd())
}

func TestComputeSize(t *testing.T) {
	t.Parallel()

	extents := []dirtylog.Extent{
		{Base: 0, Size: 0x100000},    // last byte 0xFFFFF -> chunk 255 -> 256 chunks
		{Base: 0x10000, Size: 16},    // well within the first extent
	}

	got := dirtylog.ComputeSize(extents)
	want := uint64(256+7) / 8

	if got != want {
		t.Fatalf("ComputeSize = %d, want %d", got, want)
	}
}

func TestMarkRangeSetsExpectedBit(t *testing.T) {
	t.Parallel()

	fd := tempLogFD(t, 4096)

	l, err := dirtylog.New(fd, 32*1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.MarkRange(0x10000, 8)

	if !l.Bit(0x10000 / dirtylog.LogChunk) {
		t.Fatalf("expected chunk %d to be marked dirty", 0x10000/dirtylog.LogChunk)
	}

	if l.Bit(0x10000/dirtylog.LogChunk + 1) {
		t.Fatalf("did not expect the following chunk to be marked")
	}
}

func TestMarkRangeSpanningChunkBoundary(t *testing.T) {
	t.Parallel()

	fd := tempLogFD(t, 4096)

	l, err := dirtylog.New(fd, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.MarkRange(dirtylog.LogChunk-4, 8)

	if !l.Bit(0) || !l.Bit(1) {
		t.Fatalf("expected both straddled chunks marked")
	}
}

func TestNilLogIsNoOp(t *testing.T) {
	t.Parallel()

	var l *dirtylog.Log

	l.MarkRange(0, 100) // must not panic

	if err := l.NotifyIfDue(); err != nil {
		t.Fatalf("NotifyIfDue on nil log: %v", err)
	}
}
