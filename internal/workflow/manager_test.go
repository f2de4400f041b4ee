package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
	"replydesk/internal/workflow"
)

func TestManagerRequiresLanes(t *testing.T) {
	m := workflow.NewManager(nil, logging.NewNop())
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail without lanes")
	}
}

func TestManagerRunsAndStopsLanes(t *testing.T) {
	store := queue.NewMemoryStore()
	m := workflow.NewManager(store, logging.NewNop())

	started := make(chan string, 4)
	block := func(name string) workflow.LaneFunc {
		return func(ctx context.Context) error {
			started <- name
			<-ctx.Done()
			return nil
		}
	}
	m.AddLane(workflow.LaneWorker, block(workflow.LaneWorker))
	m.AddLane(workflow.LaneReaper, block(workflow.LaneReaper))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected a second Start to fail")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("lane did not start")
		}
	}

	status := m.Status(context.Background())
	if !status.Running || len(status.Lanes) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Queue == nil || status.Queue.TotalJobs != 0 {
		t.Fatalf("expected an empty queue summary, got %+v", status.Queue)
	}

	m.Stop()
	status = m.Status(context.Background())
	if status.Running {
		t.Fatal("expected manager to be stopped")
	}
	for _, lane := range status.Lanes {
		if lane.Running {
			t.Fatalf("lane %s still running", lane.Name)
		}
	}
}

func TestManagerRestartsFailedLane(t *testing.T) {
	m := workflow.NewManager(nil, logging.NewNop())
	m.SetRestartDelay(5 * time.Millisecond)

	var calls atomic.Int32
	recovered := make(chan struct{})
	m.AddLane(workflow.LaneDispatcher, func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("webhook lane crashed")
		case 2:
			panic("boom")
		case 3:
			close(recovered)
		}
		<-ctx.Done()
		return nil
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("lane was not restarted")
	}
	status := m.Status(context.Background())
	m.Stop()

	if len(status.Lanes) != 1 || status.Lanes[0].Restarts != 2 {
		t.Fatalf("expected two restarts, got %+v", status.Lanes)
	}
	if status.Lanes[0].LastError == "" {
		t.Fatal("expected the lane error to be reported")
	}
}
