package intake

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"replydesk/internal/fileutil"
	"replydesk/internal/logging"
	"replydesk/internal/services"
)

const maxRecordBytes = 4 << 20

// ErrIntakeBusy reports another intake run holding the seen file lock.
var ErrIntakeBusy = errors.New("intake already running")

// Stats counts one intake run.
type Stats struct {
	Processed              int `json:"processed"`
	Actionable             int `json:"actionable"`
	RejectedDuplicate      int `json:"rejected_duplicate"`
	RejectedInvalidMapping int `json:"rejected_invalid_mapping"`
	RejectedLikelyNoise    int `json:"rejected_likely_noise"`
}

// Row is what intake appends to the actionable and rejected logs.
type Row struct {
	ProcessedAt string `json:"processed_at"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
	DedupeKey   string `json:"dedupe_key"`
	WorkOrder   any    `json:"work_order"`
}

type seenFile struct {
	Keys []string `json:"keys"`
}

// Options configures a Processor. ActionableLog is required; rejected rows
// are dropped when RejectedLog is empty.
type Options struct {
	ActionableLog string
	RejectedLog   string
	SeenFile      string
	Now           func() time.Time
	Logger        *slog.Logger
}

// Processor runs the filter over a work order store file.
type Processor struct {
	opts   Options
	filter *Filter
	lock   *flock.Flock
	logger *slog.Logger
}

// NewProcessor validates opts and returns a processor.
func NewProcessor(opts Options) (*Processor, error) {
	if strings.TrimSpace(opts.ActionableLog) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "intake", "configure", "actionable log path is required", nil)
	}
	if strings.TrimSpace(opts.SeenFile) == "" {
		opts.SeenFile = filepath.Join(filepath.Dir(opts.ActionableLog), "intake_seen.json")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		opts:   opts,
		filter: NewFilter(),
		lock:   flock.New(opts.SeenFile + ".lock"),
		logger: logging.NewComponentLogger(opts.Logger, "intake"),
	}, nil
}

// Process reads every record of the store at path. Keys seen in earlier runs
// count as duplicates, so re-running over the same store never emits an
// actionable row twice.
func (p *Processor) Process(ctx context.Context, path string) (Stats, error) {
	var stats Stats
	if err := os.MkdirAll(filepath.Dir(p.opts.SeenFile), 0o755); err != nil {
		return stats, fmt.Errorf("create seen file directory: %w", err)
	}
	locked, err := p.lock.TryLock()
	if err != nil {
		return stats, fmt.Errorf("acquire intake lock: %w", err)
	}
	if !locked {
		return stats, ErrIntakeBusy
	}
	defer func() {
		if err := p.lock.Unlock(); err != nil {
			p.logger.Warn("failed to release intake lock", logging.Error(err))
		}
	}()

	seen, err := p.loadSeen()
	if err != nil {
		return stats, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("open work order store: %w", err)
	}
	defer file.Close()

	runErr := p.scan(ctx, file, seen, &stats)
	if err := p.saveSeen(seen); err != nil {
		return stats, errors.Join(runErr, err)
	}
	if runErr != nil {
		return stats, runErr
	}
	p.logger.Info("intake run complete",
		logging.Event("intake_run_complete"),
		logging.String("store", path),
		logging.Int("processed", stats.Processed),
		logging.Int("actionable", stats.Actionable),
		logging.Int("rejected_duplicate", stats.RejectedDuplicate),
		logging.Int("rejected_invalid_mapping", stats.RejectedInvalidMapping),
		logging.Int("rejected_likely_noise", stats.RejectedLikelyNoise),
	)
	return stats, nil
}

func (p *Processor) scan(ctx context.Context, file *os.File, seen map[string]bool, stats *Stats) error {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		stats.Processed++
		record, ok := decodeRecord(text)
		if !ok {
			// Unparseable rows have no usable key and are never remembered.
			p.logger.Warn("unparseable work order row", logging.Int("line", line))
			stats.RejectedInvalidMapping++
			if err := p.write(Row{Decision: DecisionRejected, Reason: ReasonInvalidMapping, WorkOrder: string(text)}); err != nil {
				return err
			}
			continue
		}

		decision := p.filter.Decide(record, seen)
		switch decision.Reason {
		case ReasonAccepted:
			stats.Actionable++
		case ReasonDuplicate:
			stats.RejectedDuplicate++
		case ReasonInvalidMapping:
			stats.RejectedInvalidMapping++
		case ReasonLikelyNoise:
			stats.RejectedLikelyNoise++
		}
		row := Row{
			Decision:  decision.Status,
			Reason:    decision.Reason,
			DedupeKey: decision.Key,
			WorkOrder: record,
		}
		if err := p.write(row); err != nil {
			return err
		}
		seen[decision.Key] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read work order store: %w", err)
	}
	return nil
}

func (p *Processor) write(row Row) error {
	row.ProcessedAt = p.opts.Now().UTC().Format(time.RFC3339Nano)
	target := p.opts.RejectedLog
	if row.Decision == DecisionActionable {
		target = p.opts.ActionableLog
	}
	if target == "" {
		return nil
	}
	if err := fileutil.AppendJSONLine(target, row); err != nil {
		return fmt.Errorf("append %s row: %w", row.Decision, err)
	}
	return nil
}

func decodeRecord(text []byte) (Record, bool) {
	decoder := json.NewDecoder(bytes.NewReader(text))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil || record == nil {
		return nil, false
	}
	return record, true
}

func (p *Processor) loadSeen() (map[string]bool, error) {
	seen := make(map[string]bool)
	data, err := os.ReadFile(p.opts.SeenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seen file: %w", err)
	}
	var stored seenFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "intake", "load seen", p.opts.SeenFile, err)
	}
	for _, key := range stored.Keys {
		seen[key] = true
	}
	return seen, nil
}

func (p *Processor) saveSeen(seen map[string]bool) error {
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := fileutil.WriteJSONAtomic(p.opts.SeenFile, seenFile{Keys: keys}); err != nil {
		return fmt.Errorf("save seen file: %w", err)
	}
	return nil
}
