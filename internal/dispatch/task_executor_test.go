package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/store"
	"github.com/nextlevelbuilder/agentmux/internal/store/sqlite"
)

func TestTaskExecutor_RunMarksCompletedAndNotifies(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	task, err := st.CreateDispatchTask(ctx, "ops", "say good morning")
	if err != nil {
		t.Fatalf("CreateDispatchTask: %v", err)
	}

	router := &fakeRouter{reply: func(channelName, text string) (string, error) {
		return "handled: " + text, nil
	}}
	msgBus := bus.New(16)
	sub := msgBus.SubscribeResponses()
	defer sub.Close()

	exec := NewTaskExecutor(st, msgBus, router)
	exec.drain(ctx)

	got, err := st.GetDispatchTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetDispatchTask: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("Status = %v, want %v", got.Status, store.TaskCompleted)
	}
	if got.Summary != "handled: say good morning" {
		t.Fatalf("Summary = %q", got.Summary)
	}

	select {
	case resp := <-sub.C():
		if resp.SessionName != "ops" {
			t.Fatalf("SessionName = %q, want ops", resp.SessionName)
		}
	default:
		t.Fatal("expected a response published to the bus")
	}
}

func TestTaskExecutor_RunMarksFailedOnRouterError(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	task, err := st.CreateDispatchTask(ctx, "ops", "say good morning")
	if err != nil {
		t.Fatalf("CreateDispatchTask: %v", err)
	}

	router := &fakeRouter{reply: func(channelName, text string) (string, error) {
		return "", errors.New("backend unreachable")
	}}
	exec := NewTaskExecutor(st, bus.New(16), router)
	exec.drain(ctx)

	got, err := st.GetDispatchTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetDispatchTask: %v", err)
	}
	if got.Status != store.TaskFailed {
		t.Fatalf("Status = %v, want %v", got.Status, store.TaskFailed)
	}
	if got.Summary != "backend unreachable" {
		t.Fatalf("Summary = %q", got.Summary)
	}
}

func TestTaskExecutor_RecurringTaskReschedules(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if _, err := st.CreateScheduledDispatchTask(ctx, "ops", "say good morning", "0 9 * * *"); err != nil {
		t.Fatalf("CreateScheduledDispatchTask: %v", err)
	}

	exec := NewTaskExecutor(st, bus.New(16), &fakeRouter{})
	exec.drain(ctx)

	pending := store.TaskPending
	tasks, err := st.ListDispatchTasks(ctx, &pending)
	if err != nil {
		t.Fatalf("ListDispatchTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("ListDispatchTasks after drain = %d pending, want 1 (the reschedule)", len(tasks))
	}
	if tasks[0].Schedule != "0 9 * * *" {
		t.Fatalf("Schedule = %q, want original cron preserved on reschedule", tasks[0].Schedule)
	}
}

func TestTaskExecutor_ClaimIsIdempotentAgainstConcurrentDrain(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	task, err := st.CreateDispatchTask(ctx, "ops", "say good morning")
	if err != nil {
		t.Fatalf("CreateDispatchTask: %v", err)
	}

	calls := 0
	router := &fakeRouter{reply: func(channelName, text string) (string, error) {
		calls++
		return "ok", nil
	}}
	exec := NewTaskExecutor(st, bus.New(16), router)

	// Simulate a second executor instance racing to claim the same task: once
	// claimed, a second ClaimDispatchTask from->TaskPending must fail.
	exec.run(ctx, task)
	ok, err := st.ClaimDispatchTask(ctx, task.ID, store.TaskPending, store.TaskInProgress)
	if err != nil {
		t.Fatalf("ClaimDispatchTask: %v", err)
	}
	if ok {
		t.Fatal("expected second claim to fail, task already moved out of Pending")
	}
	if calls != 1 {
		t.Fatalf("router invoked %d times, want 1", calls)
	}
}
