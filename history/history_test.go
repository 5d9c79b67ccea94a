package history

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outpostlabs/sessiond/ringbuf"
)

func TestWriteAndGetRecent(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, "ws1", "sess1", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	h.Write([]byte("hello"))
	h.Write([]byte("world"))

	recent := h.GetRecent()
	if len(recent) != 2 {
		t.Fatalf("GetRecent() len = %d, want 2", len(recent))
	}
	if !bytes.Equal(recent[0], []byte("hello")) || !bytes.Equal(recent[1], []byte("world")) {
		t.Fatalf("GetRecent() = %v", recent)
	}
}

func TestRestoreFromDisk(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, "ws1", "sess1", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h.Write([]byte("line one"))
	h.Write([]byte("line two"))
	h.Close() // flushes the write queue before returning

	// Give the filesystem a moment in case of buffered writes (writerLoop
	// closes its file synchronously before Close returns, so this is just
	// defensive).
	time.Sleep(10 * time.Millisecond)

	h2, err := Open(dir, "ws1", "sess1", nil)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer h2.Close()

	recent := h2.GetRecent()
	if len(recent) != 2 {
		t.Fatalf("restored GetRecent() len = %d, want 2", len(recent))
	}
	if !bytes.Equal(recent[0], []byte("line one")) {
		t.Fatalf("restored GetRecent()[0] = %q", recent[0])
	}
}

func TestRestoreIdempotence(t *testing.T) {
	// Invariant 8: restoring a history file twice into a fresh buffer
	// yields the same buffer contents.
	dir := t.TempDir()
	h, _ := Open(dir, "ws2", "sess2", nil)
	h.Write([]byte("a"))
	h.Write([]byte("b"))
	h.Close()

	path := filepath.Join(dir, "ws2_sess2.log")
	ring1 := ringbuf.New[[]byte](capacity)
	if err := restore(path, ring1); err != nil {
		t.Fatalf("restore() 1st error = %v", err)
	}
	ring2 := ringbuf.New[[]byte](capacity)
	if err := restore(path, ring2); err != nil {
		t.Fatalf("restore() 2nd error = %v", err)
	}
	if !bytes.Equal(joinAll(ring1.GetAll()), joinAll(ring2.GetAll())) {
		t.Fatal("restore() is not idempotent")
	}
}

func TestClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	h, _ := Open(dir, "ws3", "sess3", nil)
	h.Write([]byte("x"))
	h.Close()

	h2, _ := Open(dir, "ws3", "sess3", nil)
	defer h2.Close()
	if err := h2.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if len(h2.GetRecent()) != 0 {
		t.Fatal("Clear() did not empty the ring")
	}
	if _, err := os.Stat(filepath.Join(dir, "ws3_sess3.log")); !os.IsNotExist(err) {
		t.Fatalf("Clear() left the log file in place: stat err = %v", err)
	}
}

func joinAll(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
