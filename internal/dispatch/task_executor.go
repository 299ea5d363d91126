package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/store"
)

const pollInterval = 5 * time.Second

// TaskExecutor drains pending DispatchTasks on a fixed interval, running each
// through Router and recording the outcome as a DispatchEvent. Recurring
// tasks (Schedule set) are re-enqueued for their next match once the current
// run completes.
//
// Grounded on src/task_executor.rs's poll loop.
type TaskExecutor struct {
	Store  store.Store
	Bus    *bus.Bus
	Router Router
}

func NewTaskExecutor(st store.Store, msgBus *bus.Bus, router Router) *TaskExecutor {
	return &TaskExecutor{Store: st, Bus: msgBus, Router: router}
}

// Run polls until ctx is cancelled.
func (t *TaskExecutor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drain(ctx)
		}
	}
}

func (t *TaskExecutor) drain(ctx context.Context) {
	pending := store.TaskPending
	tasks, err := t.Store.ListDispatchTasks(ctx, &pending)
	if err != nil {
		slog.Error("dispatch task executor: list pending", "err", err)
		return
	}
	for _, task := range tasks {
		t.run(ctx, task)
	}
}

func (t *TaskExecutor) run(ctx context.Context, task *store.DispatchTask) {
	ok, err := t.Store.ClaimDispatchTask(ctx, task.ID, store.TaskPending, store.TaskInProgress)
	if err != nil {
		slog.Error("dispatch task executor: claim", "id", task.ID, "err", err)
		return
	}
	if !ok {
		return // another executor instance claimed it first
	}

	reply, runErr := t.Router.RoutePrompt(ctx, task.TargetRoomID, task.Prompt)

	status := store.TaskCompleted
	summary := reply
	if runErr != nil {
		status = store.TaskFailed
		summary = runErr.Error()
	}
	if err := t.Store.UpdateDispatchTaskStatus(ctx, task.ID, status, summary); err != nil {
		slog.Error("dispatch task executor: update status", "id", task.ID, "err", err)
	}

	t.notify(ctx, task, status, summary)

	if task.Schedule != "" && gronx.IsValid(task.Schedule) {
		if _, err := t.Store.CreateScheduledDispatchTask(ctx, task.TargetRoomID, task.Prompt, task.Schedule); err != nil {
			slog.Error("dispatch task executor: reschedule", "id", task.ID, "err", err)
		}
	}
}

func (t *TaskExecutor) notify(ctx context.Context, task *store.DispatchTask, status store.DispatchTaskStatus, summary string) {
	payload, _ := json.Marshal(map[string]any{
		"task_id": task.ID,
		"channel": task.TargetRoomID,
		"status":  status,
		"summary": summary,
	})
	if _, err := t.Store.InsertDispatchEvent(ctx, task.TargetRoomID, "dispatch_task_"+string(status), payload); err != nil {
		slog.Error("dispatch task executor: insert event", "err", err)
	}
	t.Bus.PublishResponse(bus.Response{
		SessionName: task.TargetRoomID,
		Content:     bus.Complete(summary),
	})
}
