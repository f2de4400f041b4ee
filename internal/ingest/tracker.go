// Package ingest tails the append-only actionable log and enqueues each
// work order it finds exactly once, surviving restarts and log rotation.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"replydesk/internal/fileutil"
	"replydesk/internal/logging"
)

// signatureBytes is how much of the log head identifies the file.
const signatureBytes = 256

// ErrIngestBusy reports another pass holding the state file lock.
var ErrIngestBusy = errors.New("ingest pass already running")

// Enqueuer is the slice of the job queue ingest needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, workOrderID string, payload json.RawMessage) (string, bool, error)
}

// State is the persisted read position.
type State struct {
	Offset   int64  `json:"offset"`
	MtimeNS  int64  `json:"mtime_ns"`
	StartSig string `json:"start_sig"`
}

// Stats summarises one pass.
type Stats struct {
	RowsRead      int  `json:"rows_read"`
	RowsEnqueued  int  `json:"rows_enqueued"`
	RowsSkipped   int  `json:"rows_skipped"`
	RowsDuplicate int  `json:"rows_duplicate"`
	Reset         bool `json:"reset"`
}

// Tracker turns new lines of the actionable log into queue enqueues.
type Tracker struct {
	queue     Enqueuer
	logPath   string
	statePath string
	lock      *flock.Flock
	logger    *slog.Logger
}

// NewTracker tails logPath, persisting its position in statePath.
func NewTracker(q Enqueuer, logPath, statePath string, logger *slog.Logger) *Tracker {
	return &Tracker{
		queue:     q,
		logPath:   logPath,
		statePath: statePath,
		lock:      flock.New(statePath + ".lock"),
		logger:    logging.NewComponentLogger(logger, "ingest"),
	}
}

// LogPath returns the tailed file.
func (t *Tracker) LogPath() string {
	return t.logPath
}

// Pass reads every complete line appended since the last pass. Lines without
// a work order carrying an id are counted as skipped and never retried. The
// new position is saved even when nothing was enqueued.
func (t *Tracker) Pass(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		return stats, fmt.Errorf("create state directory: %w", err)
	}
	locked, err := t.lock.TryLock()
	if err != nil {
		return stats, fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !locked {
		return stats, ErrIngestBusy
	}
	defer func() {
		if err := t.lock.Unlock(); err != nil {
			t.logger.Warn("failed to release ingest lock", logging.Error(err))
		}
	}()

	file, err := os.Open(t.logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("open actionable log: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return stats, fmt.Errorf("stat actionable log: %w", err)
	}

	state := t.loadState()
	size, mtime := info.Size(), info.ModTime().UnixNano()
	offset := state.Offset
	switch {
	case offset > size:
		offset = 0
	case offset > 0 && signature(file, offset) != state.StartSig:
		offset = 0
	case size <= offset && mtime != state.MtimeNS:
		offset = 0
	}
	if offset != state.Offset {
		stats.Reset = true
		logging.WarnWithContext(t.logger, "actionable log rotated or truncated; reading from the start", "ingest_reset",
			logging.Int64("previous_offset", state.Offset),
			logging.Int64("size", size),
			logging.String(logging.FieldErrorHint, "duplicate work orders are absorbed by idempotent enqueue"),
		)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return stats, fmt.Errorf("seek actionable log: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(file, size-offset))
	if err != nil {
		return stats, fmt.Errorf("read actionable log: %w", err)
	}

	consumed, passErr := t.consume(ctx, chunk, &stats)
	next := State{Offset: offset + consumed, MtimeNS: mtime}
	next.StartSig = signature(file, next.Offset)
	if err := saveState(t.statePath, next); err != nil {
		return stats, errors.Join(passErr, err)
	}
	if passErr != nil {
		return stats, passErr
	}

	t.logger.Info("ingest pass complete",
		logging.Event("ingest_pass_complete"),
		logging.Int("rows_read", stats.RowsRead),
		logging.Int("rows_enqueued", stats.RowsEnqueued),
		logging.Int("rows_skipped", stats.RowsSkipped),
		logging.Int("rows_duplicate", stats.RowsDuplicate),
		logging.Int64("offset", next.Offset),
	)
	return stats, nil
}

// consume handles complete lines of chunk and returns how many bytes were
// fully processed. A trailing line without its newline waits for the next
// pass. An enqueue failure stops the pass after the last good line.
func (t *Tracker) consume(ctx context.Context, chunk []byte, stats *Stats) (int64, error) {
	var consumed int64
	for {
		newline := bytes.IndexByte(chunk, '\n')
		if newline < 0 {
			return consumed, nil
		}
		line := bytes.TrimSpace(chunk[:newline])
		if len(line) > 0 {
			stats.RowsRead++
			id, payload, ok := extractWorkOrder(line)
			if !ok {
				stats.RowsSkipped++
			} else {
				_, created, err := t.queue.Enqueue(ctx, id, payload)
				if err != nil {
					return consumed, fmt.Errorf("enqueue %s: %w", id, err)
				}
				if created {
					stats.RowsEnqueued++
				} else {
					stats.RowsDuplicate++
				}
			}
		}
		consumed += int64(newline + 1)
		chunk = chunk[newline+1:]
	}
}

// extractWorkOrder returns the inner work order of a {"work_order": {...}}
// row when it is an object with a non-empty id.
func extractWorkOrder(line []byte) (string, json.RawMessage, bool) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(line, &row); err != nil {
		return "", nil, false
	}
	raw, ok := row["work_order"]
	if !ok {
		return "", nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return "", nil, false
	}
	var id any
	if err := json.Unmarshal(fields["id"], &id); err != nil {
		return "", nil, false
	}
	var text string
	switch v := id.(type) {
	case string:
		text = strings.TrimSpace(v)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if text == "" {
		return "", nil, false
	}
	return text, raw, true
}

// signature hashes the head of the log that the stored offset has already
// covered, capped at signatureBytes, so appends never change it.
func signature(file *os.File, offset int64) string {
	n := min(offset, signatureBytes)
	head := make([]byte, n)
	read, _ := file.ReadAt(head, 0)
	sum := sha1.Sum(head[:read])
	return hex.EncodeToString(sum[:])
}

func (t *Tracker) loadState() State {
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn("ingest state unreadable; starting from zero", logging.Error(err))
		}
		return State{}
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn("ingest state corrupt; starting from zero", logging.Error(err))
		return State{}
	}
	if state.Offset < 0 {
		state.Offset = 0
	}
	return state
}

func saveState(path string, state State) error {
	if err := fileutil.WriteJSONAtomic(path, state); err != nil {
		return fmt.Errorf("save ingest state: %w", err)
	}
	return nil
}

// LoadState reads the persisted position at path. A missing file yields the
// zero state.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode ingest state: %w", err)
	}
	return state, nil
}
