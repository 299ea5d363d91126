package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentmux/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestChannelCRUD(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	created, err := st.CreateChannel(ctx, "ops", "!r1")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if created.Name != "ops" || created.RoomID != "!r1" || created.IsDispatch {
		t.Fatalf("created = %+v", created)
	}

	got, err := st.GetChannel(ctx, "ops")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != "ops" {
		t.Fatalf("got = %+v", got)
	}

	if err := st.UpdateChannelSession(ctx, "ops", "sess-1"); err != nil {
		t.Fatalf("UpdateChannelSession: %v", err)
	}
	if err := st.UpdateBackendType(ctx, "ops", "acp"); err != nil {
		t.Fatalf("UpdateBackendType: %v", err)
	}
	if err := st.MarkChannelStarted(ctx, "ops"); err != nil {
		t.Fatalf("MarkChannelStarted: %v", err)
	}

	got, err = st.GetChannel(ctx, "ops")
	if err != nil {
		t.Fatalf("GetChannel after updates: %v", err)
	}
	if got.SessionID != "sess-1" || got.BackendType != "acp" || !got.Started {
		t.Fatalf("got after updates = %+v", got)
	}

	list, err := st.ListChannels(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListChannels = %v, %v", list, err)
	}

	if err := st.DeleteChannel(ctx, "ops"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := st.GetChannel(ctx, "ops"); err == nil {
		t.Fatal("expected error getting a deleted channel")
	}
}

func TestDispatchChannelGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.GetOrCreateDispatchChannel(ctx, "!r1")
	if err != nil {
		t.Fatalf("GetOrCreateDispatchChannel: %v", err)
	}
	if !first.IsDispatch || first.Name != "dispatch:!r1" {
		t.Fatalf("first = %+v", first)
	}

	second, err := st.GetOrCreateDispatchChannel(ctx, "!r1")
	if err != nil {
		t.Fatalf("GetOrCreateDispatchChannel (second call): %v", err)
	}
	if second.Name != first.Name {
		t.Fatalf("second call created a distinct channel: %+v vs %+v", second, first)
	}
}

func TestBindingsCRUD(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if err := st.BindChannel(ctx, "discord", "c1", "ops"); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	if err := st.BindChannel(ctx, "slack", "C1", "ops"); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	all, err := st.ListBindings(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListBindings = %v, %v", all, err)
	}

	forChannel, err := st.BindingsForChannel(ctx, "ops")
	if err != nil || len(forChannel) != 2 {
		t.Fatalf("BindingsForChannel = %v, %v", forChannel, err)
	}

	// Re-binding the same (platform, channel) pair to a different session
	// updates in place rather than duplicating the row.
	if _, err := st.CreateChannel(ctx, "support", "!r2"); err != nil {
		t.Fatalf("CreateChannel support: %v", err)
	}
	if err := st.BindChannel(ctx, "discord", "c1", "support"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	all, err = st.ListBindings(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListBindings after rebind = %v, %v", all, err)
	}

	if err := st.UnbindChannel(ctx, "discord", "c1"); err != nil {
		t.Fatalf("UnbindChannel: %v", err)
	}
	forChannel, err = st.BindingsForChannel(ctx, "support")
	if err != nil || len(forChannel) != 0 {
		t.Fatalf("BindingsForChannel after unbind = %v, %v", forChannel, err)
	}
}

func TestDeleteChannelCascadesBindings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := st.BindChannel(ctx, "discord", "c1", "ops"); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	if err := st.DeleteChannel(ctx, "ops"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	binds, err := st.BindingsForChannel(ctx, "ops")
	if err != nil || len(binds) != 0 {
		t.Fatalf("BindingsForChannel after delete = %v, %v", binds, err)
	}
}

func TestDispatchTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task, err := st.CreateDispatchTask(ctx, "ops", "say hi")
	if err != nil {
		t.Fatalf("CreateDispatchTask: %v", err)
	}
	if task.Status != store.TaskPending || task.Schedule != "" {
		t.Fatalf("task = %+v", task)
	}

	pending := store.TaskPending
	list, err := st.ListDispatchTasks(ctx, &pending)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDispatchTasks = %v, %v", list, err)
	}

	ok, err := st.ClaimDispatchTask(ctx, task.ID, store.TaskPending, store.TaskInProgress)
	if err != nil || !ok {
		t.Fatalf("ClaimDispatchTask = %v, %v", ok, err)
	}
	ok, err = st.ClaimDispatchTask(ctx, task.ID, store.TaskPending, store.TaskInProgress)
	if err != nil || ok {
		t.Fatalf("second ClaimDispatchTask should fail, got %v, %v", ok, err)
	}

	if err := st.UpdateDispatchTaskStatus(ctx, task.ID, store.TaskCompleted, "done"); err != nil {
		t.Fatalf("UpdateDispatchTaskStatus: %v", err)
	}
	got, err := st.GetDispatchTask(ctx, task.ID)
	if err != nil || got.Status != store.TaskCompleted || got.Summary != "done" {
		t.Fatalf("got = %+v, %v", got, err)
	}
}

func TestScheduledDispatchTaskPreservesCronExpr(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task, err := st.CreateScheduledDispatchTask(ctx, "ops", "say good morning", "0 9 * * *")
	if err != nil {
		t.Fatalf("CreateScheduledDispatchTask: %v", err)
	}
	if task.Schedule != "0 9 * * *" {
		t.Fatalf("Schedule = %q", task.Schedule)
	}
}

func TestDispatchEventLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	payload, _ := json.Marshal(map[string]string{"task_id": "1"})
	ev, err := st.InsertDispatchEvent(ctx, "ops", "dispatch_task_completed", payload)
	if err != nil {
		t.Fatalf("InsertDispatchEvent: %v", err)
	}
	if ev.AcknowledgedAt != nil {
		t.Fatalf("new event should be unacknowledged, got %+v", ev.AcknowledgedAt)
	}
	if ev.SourceRoomID != "ops" {
		t.Fatalf("SourceRoomID = %q, want ops", ev.SourceRoomID)
	}

	pending, err := st.GetPendingDispatchEvents(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("GetPendingDispatchEvents = %v, %v", pending, err)
	}

	if err := st.AcknowledgeDispatchEvent(ctx, ev.ID); err != nil {
		t.Fatalf("AcknowledgeDispatchEvent: %v", err)
	}
	pending, err = st.GetPendingDispatchEvents(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("GetPendingDispatchEvents after ack = %v, %v", pending, err)
	}
}

func TestInsertDispatchEventDefaultsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	ev, err := st.InsertDispatchEvent(ctx, "ops", "some_event", nil)
	if err != nil {
		t.Fatalf("InsertDispatchEvent: %v", err)
	}
	if string(ev.Payload) != "{}" {
		t.Fatalf("Payload = %q, want {}", ev.Payload)
	}
}

func TestResetOrphanedSession(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := st.UpdateChannelSession(ctx, "ops", "sess-1"); err != nil {
		t.Fatalf("UpdateChannelSession: %v", err)
	}
	if err := st.MarkChannelStarted(ctx, "ops"); err != nil {
		t.Fatalf("MarkChannelStarted: %v", err)
	}

	if err := st.ResetOrphanedSession(ctx, "!r1"); err != nil {
		t.Fatalf("ResetOrphanedSession: %v", err)
	}

	got, err := st.GetChannel(ctx, "ops")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.SessionID != "" || got.Started {
		t.Fatalf("got after reset = %+v", got)
	}

	byRoom, err := st.GetChannelByRoom(ctx, "!r1")
	if err != nil || byRoom.Name != "ops" {
		t.Fatalf("GetChannelByRoom = %+v, %v", byRoom, err)
	}
}

func TestGetChannelBySessionID(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, err := st.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := st.UpdateChannelSession(ctx, "ops", "sess-1"); err != nil {
		t.Fatalf("UpdateChannelSession: %v", err)
	}

	got, err := st.GetChannelBySessionID(ctx, "sess-1")
	if err != nil || got.Name != "ops" {
		t.Fatalf("GetChannelBySessionID = %+v, %v", got, err)
	}

	if _, err := st.GetChannelBySessionID(ctx, "no-such-session"); err == nil {
		t.Fatal("expected error for unknown session id")
	}
}

func TestSettingsKV(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, ok, err := st.GetSetting(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetSetting(missing) = ok=%v err=%v", ok, err)
	}

	if err := st.SetSetting(ctx, "default_backend", "acp"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	value, ok, err := st.GetSetting(ctx, "default_backend")
	if err != nil || !ok || value != "acp" {
		t.Fatalf("GetSetting = %q, %v, %v", value, ok, err)
	}

	if err := st.SetSetting(ctx, "default_backend", "clijson"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	value, _, _ = st.GetSetting(ctx, "default_backend")
	if value != "clijson" {
		t.Fatalf("value after overwrite = %q", value)
	}
}

func TestDispatchChannelLookup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if _, err := st.CreateDispatchChannel(ctx, "!r1"); err != nil {
		t.Fatalf("CreateDispatchChannel: %v", err)
	}
	if _, err := st.CreateChannel(ctx, "ops", "!r2"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	got, err := st.GetDispatchChannel(ctx, "!r1")
	if err != nil || !got.IsDispatch {
		t.Fatalf("GetDispatchChannel = %+v, %v", got, err)
	}

	list, err := st.ListDispatchChannels(ctx)
	if err != nil || len(list) != 1 || list[0].Name != got.Name {
		t.Fatalf("ListDispatchChannels = %+v, %v", list, err)
	}
}
