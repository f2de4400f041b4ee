package workflow

import (
	"context"
	"errors"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
)

// Start launches every registered lane in its own goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	lanes := make([]*laneState, 0, len(m.laneOrder))
	for _, name := range m.laneOrder {
		if lane := m.lanes[name]; lane != nil && lane.run != nil {
			lanes = append(lanes, lane)
		}
	}
	if len(lanes) == 0 {
		m.mu.Unlock()
		return errors.New("workflow lanes not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	for _, lane := range lanes {
		lane.logger = m.logger.With(logging.String("lane", lane.name))
	}
	m.wg.Add(len(lanes))
	m.mu.Unlock()

	for _, lane := range lanes {
		go m.runLane(runCtx, lane)
	}
	return nil
}

// Stop cancels every lane and waits for in-flight passes to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Wait blocks until ctx is cancelled, then stops the manager.
func (m *Manager) Wait(ctx context.Context) {
	<-ctx.Done()
	m.Stop()
}

func (m *Manager) runLane(ctx context.Context, lane *laneState) {
	defer m.wg.Done()
	logger := lane.logger
	for {
		m.setLaneRunning(lane, true, nil)
		logger.Info("lane started", logging.Event("lane_started"))
		err := m.runGuarded(ctx, lane)
		m.setLaneRunning(lane, false, err)
		if ctx.Err() != nil {
			logger.Info("lane stopped", logging.Event("lane_stopped"))
			return
		}
		logging.ErrorWithContext(logger, "lane exited; restarting", "lane_failed",
			logging.Error(err),
			logging.Duration("restart_delay", m.restartDelay),
		)
		if !sleepOrDone(ctx, m.restartDelay) {
			return
		}
	}
}

// runGuarded keeps a panicking lane from taking the process down.
func (m *Manager) runGuarded(ctx context.Context, lane *laneState) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.New("lane panic")
			lane.logger.Error("lane panicked", logging.Any("panic", recovered))
		}
	}()
	err = lane.run(ctx)
	if err == nil && ctx.Err() == nil {
		err = errors.New("lane returned before shutdown")
	}
	return err
}

func (m *Manager) setLaneRunning(lane *laneState, running bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lane.running = running
	if running {
		if !lane.lastStart.IsZero() {
			lane.restarts++
		}
		lane.lastStart = time.Now()
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		lane.lastErr = err
	}
}

// LaneStatus reports one lane.
type LaneStatus struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running bool                 `json:"running"`
	Lanes   []LaneStatus         `json:"lanes"`
	Queue   *queue.HealthSummary `json:"queue,omitempty"`
}

// Status returns the latest lane and queue information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{Running: m.running}
	for _, name := range m.laneOrder {
		lane := m.lanes[name]
		status := LaneStatus{Name: name, Running: lane.running, Restarts: lane.restarts}
		if lane.lastErr != nil {
			status.LastError = lane.lastErr.Error()
		}
		summary.Lanes = append(summary.Lanes, status)
	}
	m.mu.RUnlock()

	if m.health != nil {
		health, err := m.health.Health(ctx)
		if err != nil {
			m.logger.Warn("failed to read queue health", logging.Error(err))
		} else {
			summary.Queue = &health
		}
	}
	return summary
}
