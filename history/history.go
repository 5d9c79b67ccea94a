// Package history implements per-session append-only scrollback: a disk log
// fronted by an in-memory ring buffer, so a PTY's output survives a client
// disconnect and reopen without ever blocking the PTY reader on disk I/O.
package history

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/ringbuf"
)

// capacity is the fixed ring-buffer size backing every Log, per spec.
const capacity = 2000

// writeQueueDepth bounds how many pending disk appends a Log tolerates
// before it starts dropping them — backpressure must never propagate to the
// PTY reader.
const writeQueueDepth = 256

// Log is one session's disk-backed, ring-fronted output history.
type Log struct {
	path string
	ring *ringbuf.Buffer[[]byte]
	log  *logrus.Entry

	writeCh chan []byte
	closeWG sync.WaitGroup

	mu        sync.Mutex
	fileGone  bool // set by a Watcher when the backing file vanished out-of-band
}

// Open ensures dir exists, restores any prior log file at
// dir/<workspaceId>_<sessionId>.log into a fresh ring buffer, and starts a
// background writer goroutine for non-blocking appends.
func Open(dir, workspaceID, sessionID string, log *logrus.Entry) (*Log, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", workspaceID, sessionID))
	ring := ringbuf.New[[]byte](capacity)
	if err := restore(path, ring); err != nil {
		log.WithError(err).WithField("path", path).Warn("history: failed to restore prior log, starting empty")
	}

	h := &Log{
		path:    path,
		ring:    ring,
		log:     log.WithField("component", "history"),
		writeCh: make(chan []byte, writeQueueDepth),
	}
	h.closeWG.Add(1)
	go h.writerLoop()
	return h, nil
}

// restore reads path line by line, decoding well-formed `timestamp|base64`
// lines into ring, and silently skipping malformed ones.
func restore(path string, ring *ringbuf.Buffer[[]byte]) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '|')
		if idx < 0 {
			continue
		}
		if _, err := strconv.ParseInt(line[:idx], 10, 64); err != nil {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(line[idx+1:])
		if err != nil {
			continue
		}
		ring.Push(payload)
	}
	return scanner.Err()
}

// Write pushes data into the ring synchronously and enqueues a best-effort
// disk append. It never blocks on disk I/O: a full write queue drops the
// append (logged) rather than stalling the caller.
func (h *Log) Write(data []byte) {
	h.ring.Push(append([]byte(nil), data...))

	select {
	case h.writeCh <- data:
	default:
		h.log.Warn("history: write queue full, dropping disk append")
	}
}

func (h *Log) writerLoop() {
	defer h.closeWG.Done()

	var f *os.File
	openFile := func() {
		h.mu.Lock()
		gone := h.fileGone
		h.mu.Unlock()
		if f != nil && !gone {
			return
		}
		if f != nil {
			f.Close()
			f = nil
		}
		var err error
		f, err = os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			h.log.WithError(err).Error("history: failed to open log file for append")
			f = nil
			return
		}
		h.mu.Lock()
		h.fileGone = false
		h.mu.Unlock()
	}

	for {
		select {
		case data, ok := <-h.writeCh:
			if !ok {
				if f != nil {
					f.Close()
				}
				return
			}
			openFile()
			if f == nil {
				continue
			}
			line := fmt.Sprintf("%d|%s\n", time.Now().UnixMilli(), base64.StdEncoding.EncodeToString(data))
			if _, err := f.WriteString(line); err != nil {
				h.log.WithError(err).Debug("history: disk append failed")
			}
		}
	}
}

// GetRecent returns a snapshot of the ring buffer in insertion order.
func (h *Log) GetRecent() [][]byte {
	return h.ring.GetAll()
}

// Clear empties the ring and removes the backing log file. A missing file
// is not an error.
func (h *Log) Clear() error {
	h.ring.Clear()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: remove log file: %w", err)
	}
	return nil
}

// Close stops the background writer goroutine, flushing its queue first.
func (h *Log) Close() {
	close(h.writeCh)
	h.closeWG.Wait()
}

// markFileGone is called by a Watcher when it observes the backing file
// removed out-of-band, so the next write reopens instead of silently
// appending to a deleted inode.
func (h *Log) markFileGone() {
	h.mu.Lock()
	h.fileGone = true
	h.mu.Unlock()
}
