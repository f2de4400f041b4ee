package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
)

// LaneFunc is one long-running loop. It returns when ctx is cancelled.
type LaneFunc func(ctx context.Context) error

// Lane names used by the CLI.
const (
	LaneWorker     = "worker"
	LaneReaper     = "reaper"
	LaneDispatcher = "dispatcher"
	LaneIngest     = "ingest"
	LaneReview     = "review"
)

type laneState struct {
	name      string
	run       LaneFunc
	logger    *slog.Logger
	running   bool
	restarts  int
	lastErr   error
	lastStart time.Time
}

// Manager runs independent lanes (worker, reaper, dispatcher, ingest, review) until
// stopped. A lane that returns an error is restarted after a pause.
type Manager struct {
	health       queue.Inspector
	logger       *slog.Logger
	restartDelay time.Duration

	lanes     map[string]*laneState
	laneOrder []string

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a manager. health may be nil when no queue summary
// should be reported by Status.
func NewManager(health queue.Inspector, logger *slog.Logger) *Manager {
	return &Manager{
		health:       health,
		logger:       logging.NewComponentLogger(logger, "workflow-manager"),
		restartDelay: 5 * time.Second,
		lanes:        make(map[string]*laneState),
	}
}

// AddLane registers a lane. Lanes added after Start are ignored until the
// next Start.
func (m *Manager) AddLane(name string, run LaneFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.lanes[name]; !exists {
		m.laneOrder = append(m.laneOrder, name)
	}
	m.lanes[name] = &laneState{name: name, run: run}
}

// SetRestartDelay overrides the pause before a failed lane restarts.
func (m *Manager) SetRestartDelay(d time.Duration) {
	if d > 0 {
		m.restartDelay = d
	}
}
