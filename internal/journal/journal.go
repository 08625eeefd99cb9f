// Package journal persists an append-only audit trail of applied updates and
// emitted notifications. It is deliberately NOT subscription-state durability:
// restarting the broker still loses the registry, every SPU, and every
// subscriber. It exists purely so operators can reconstruct "what updates
// were applied, and what did we tell whom" after the fact.
package journal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"sepabroker/internal/logging"
)

var segmentNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// UpdateRecord captures one applied (or rejected) SPARQL update for the audit trail.
type UpdateRecord struct {
	AppliedAt  time.Time
	UpdateText string
	Principal  string
	Succeeded  bool
	Error      string
}

// NotificationRecord captures one notification delivered to a subscription's fan-out.
type NotificationRecord struct {
	EmittedAt time.Time
	SPUID     string
	Sequence  uint64
	Tag       string
	Bindings  int
}

// Manifest describes a journal segment's on-disk layout.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatesPath     string `json:"updates_path"`
	NotifyPath      string `json:"notifications_path"`
	FlushIntervalMs int    `json:"flush_interval_ms"`
}

const flushInterval = 500 * time.Millisecond

// Writer streams updates and notifications to a single compressed journal segment.
type Writer struct {
	mu         sync.Mutex
	dir        string
	now        func() time.Time
	updateFile *os.File
	updateSink *snappy.Writer
	notifyFile *os.File
	notifySink *zstd.Encoder
	pending    []NotificationRecord
	lastFlush  time.Time
}

// NewWriter creates a new journal segment directory under root and opens its sinks.
func NewWriter(root, segmentID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := segmentNameCleaner.ReplaceAllString(segmentID, "")
	if cleaned == "" {
		cleaned = "segment"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	updatesPath := filepath.Join(path, "updates.jsonl.sz")
	notifyPath := filepath.Join(path, "notifications.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	updateFile, err := os.Create(updatesPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	updateSink := snappy.NewBufferedWriter(updateFile)

	notifyFile, err := os.Create(notifyPath)
	if err != nil {
		_ = updateFile.Close()
		return nil, Manifest{}, err
	}
	notifySink, err := zstd.NewWriter(notifyFile)
	if err != nil {
		_ = updateSink.Close()
		_ = updateFile.Close()
		_ = notifyFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		UpdatesPath:     "updates.jsonl.sz",
		NotifyPath:      "notifications.bin.zst",
		FlushIntervalMs: int(flushInterval / time.Millisecond),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = notifySink.Close()
		_ = notifyFile.Close()
		_ = updateSink.Close()
		_ = updateFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		_ = notifySink.Close()
		_ = notifyFile.Close()
		_ = updateSink.Close()
		_ = updateFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:        path,
		now:        clock,
		updateFile: updateFile,
		updateSink: updateSink,
		notifyFile: notifyFile,
		notifySink: notifySink,
	}, manifest, nil
}

// Directory exposes the path backing this journal segment.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendUpdate writes a single update record to the snappy-compressed JSONL log.
func (w *Writer) AppendUpdate(rec UpdateRecord) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = w.now().UTC()
	}

	line := struct {
		AppliedAt  string `json:"applied_at"`
		UpdateText string `json:"update_text_b64"`
		Principal  string `json:"principal,omitempty"`
		Succeeded  bool   `json:"succeeded"`
		Error      string `json:"error,omitempty"`
	}{
		AppliedAt:  rec.AppliedAt.Format(time.RFC3339Nano),
		UpdateText: base64.StdEncoding.EncodeToString([]byte(rec.UpdateText)),
		Principal:  rec.Principal,
		Succeeded:  rec.Succeeded,
		Error:      rec.Error,
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.updateSink.Write(encoded); err != nil {
		return err
	}
	if _, err := w.updateSink.Write([]byte("\n")); err != nil {
		return err
	}
	return w.updateSink.Flush()
}

// AppendNotification buffers a notification record, flushing on a bounded cadence.
func (w *Writer) AppendNotification(rec NotificationRecord) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	if rec.EmittedAt.IsZero() {
		rec.EmittedAt = w.now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, rec)
	if w.lastFlush.IsZero() {
		w.lastFlush = rec.EmittedAt
		return nil
	}
	if rec.EmittedAt.Sub(w.lastFlush) >= flushInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = rec.EmittedAt
	}
	return nil
}

// Flush forces any buffered notification records to disk.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.notifySink.Flush(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close flushes and releases every sink backing the segment.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.updateSink.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.updateSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.updateFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.notifySink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.notifyFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered notification records as length-prefixed frames.
// Callers must hold w.mu.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, rec := range w.pending {
		tag := []byte(rec.Tag)
		spuid := []byte(rec.SPUID)
		header := make([]byte, 8+8+4+4+8)
		binary.LittleEndian.PutUint64(header[0:8], rec.Sequence)
		binary.LittleEndian.PutUint64(header[8:16], uint64(rec.EmittedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(spuid)))
		binary.LittleEndian.PutUint32(header[20:24], uint32(len(tag)))
		binary.LittleEndian.PutUint64(header[24:32], uint64(rec.Bindings))
		if _, err := w.notifySink.Write(header); err != nil {
			return err
		}
		if _, err := w.notifySink.Write(spuid); err != nil {
			return err
		}
		if _, err := w.notifySink.Write(tag); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}

// ManagerSink adapts a Writer to the scalar-argument call shape
// manager.JournalSink expects. It is defined here, not against a
// manager.JournalSink type reference, so internal/journal never needs to
// import internal/manager -- Go's structural interfaces make the adapter
// satisfy the Manager's contract without either package knowing about the
// other directly.
type ManagerSink struct {
	w   *Writer
	log *logging.Logger
}

// NewManagerSink wraps w for use as a manager.JournalSink. log receives a
// warning whenever a record fails to persist; the broker keeps running
// either way, since the journal is an audit trail, not subscription state.
func NewManagerSink(w *Writer, log *logging.Logger) *ManagerSink {
	if log == nil {
		log = logging.L()
	}
	return &ManagerSink{w: w, log: log}
}

// AppendUpdate implements manager.JournalSink.
func (s *ManagerSink) AppendUpdate(appliedAt time.Time, text, principal string, succeeded bool, errText string) {
	if s == nil || s.w == nil {
		return
	}
	if err := s.w.AppendUpdate(UpdateRecord{
		AppliedAt:  appliedAt,
		UpdateText: text,
		Principal:  principal,
		Succeeded:  succeeded,
		Error:      errText,
	}); err != nil {
		s.log.Warn("journal: failed to append update record", logging.Error(err))
	}
}

// AppendNotification implements manager.JournalSink.
func (s *ManagerSink) AppendNotification(spuid string, seq uint64, tag string, bindingCount int) {
	if s == nil || s.w == nil {
		return
	}
	if err := s.w.AppendNotification(NotificationRecord{
		SPUID:    spuid,
		Sequence: seq,
		Tag:      tag,
		Bindings: bindingCount,
	}); err != nil {
		s.log.Warn("journal: failed to append notification record", logging.Error(err))
	}
}
