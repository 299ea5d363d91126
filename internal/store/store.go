// Package store defines the Session Store: persistent Channel, Binding,
// DispatchTask, and DispatchEvent records, backed by either an embedded
// SQLite database (internal/store/sqlite, the default) or Postgres
// (internal/store/pg, for multi-instance deployments).
//
// Grounded on tests/dispatch_integration.rs for the dispatch-table shape and
// on the teacher's internal/store/agent_store.go for the config-field JSON
// parsing idiom.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Channel is a named conversation scope: either a regular session channel
// with a workspace directory, or a DISPATCH control-plane channel (which has
// no directory).
type Channel struct {
	Name        string
	RoomID      string // bus-addressable id, "bus:<name>" for plain sessions
	IsDispatch  bool
	Directory   string // empty for dispatch channels
	BackendType string // "acp", "clijson", "directsdk", "mock"
	SessionID   string // backend-native session id, empty until first prompt
	Started     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfigRaw   json.RawMessage
}

// ParseConfig unmarshals ConfigRaw into dst, returning false (not an error)
// when ConfigRaw is empty or malformed — mirrors agent_store.go's
// Parse*Config() nil-on-failure idiom.
func (c Channel) ParseConfig(dst interface{}) bool {
	if len(c.ConfigRaw) == 0 {
		return false
	}
	if err := json.Unmarshal(c.ConfigRaw, dst); err != nil {
		return false
	}
	return true
}

// Binding pairs a platform channel with the channel name it routes to.
type Binding struct {
	PlatformID  string
	ChannelID   string
	ChannelName string
	CreatedAt   time.Time
}

// DispatchTaskStatus is the lifecycle state of a DispatchTask.
type DispatchTaskStatus string

const (
	TaskPending    DispatchTaskStatus = "pending"
	TaskInProgress DispatchTaskStatus = "in_progress"
	TaskCompleted  DispatchTaskStatus = "completed"
	TaskFailed     DispatchTaskStatus = "failed"
)

// DispatchTask is a one-shot (or, via Schedule, recurring) unit of work the
// task executor drains from the pending queue.
type DispatchTask struct {
	ID           int64
	TargetRoomID string
	Prompt       string
	Status       DispatchTaskStatus
	Summary      string
	Schedule     string // optional cron expression; empty for one-shot tasks
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DispatchEvent is an audit-log row recording something the task executor
// did, consumed by DISPATCH-room notifications.
type DispatchEvent struct {
	ID             int64
	SourceRoomID   string
	EventType      string
	Payload        json.RawMessage
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// Store is the full persistence contract the orchestrator and dispatch
// packages depend on. internal/store/sqlite and internal/store/pg both
// implement it.
type Store interface {
	CreateChannel(ctx context.Context, name, roomID string) (*Channel, error)
	CreateDispatchChannel(ctx context.Context, roomID string) (*Channel, error)
	GetOrCreateDispatchChannel(ctx context.Context, roomID string) (*Channel, error)
	GetChannel(ctx context.Context, name string) (*Channel, error)
	GetChannelByRoom(ctx context.Context, roomID string) (*Channel, error)
	GetChannelBySessionID(ctx context.Context, sessionID string) (*Channel, error)
	DeleteChannel(ctx context.Context, name string) error
	ListChannels(ctx context.Context) ([]*Channel, error)
	UpdateChannelSession(ctx context.Context, name, sessionID string) error
	UpdateBackendType(ctx context.Context, name, backendType string) error
	MarkChannelStarted(ctx context.Context, name string) error
	// ResetOrphanedSession clears started and empties session_id for the
	// channel owning roomID, used when a backend reports the persisted
	// session id no longer exists; the next prompt allocates a fresh one.
	ResetOrphanedSession(ctx context.Context, roomID string) error

	BindChannel(ctx context.Context, platformID, channelID, channelName string) error
	UnbindChannel(ctx context.Context, platformID, channelID string) error
	ListBindings(ctx context.Context) ([]Binding, error)
	BindingsForChannel(ctx context.Context, channelName string) ([]Binding, error)

	GetDispatchChannel(ctx context.Context, roomID string) (*Channel, error)
	ListDispatchChannels(ctx context.Context) ([]*Channel, error)

	CreateDispatchTask(ctx context.Context, targetRoomID, prompt string) (*DispatchTask, error)
	CreateScheduledDispatchTask(ctx context.Context, targetRoomID, prompt, cronExpr string) (*DispatchTask, error)
	GetDispatchTask(ctx context.Context, id int64) (*DispatchTask, error)
	ListDispatchTasks(ctx context.Context, status *DispatchTaskStatus) ([]*DispatchTask, error)
	ClaimDispatchTask(ctx context.Context, id int64, from, to DispatchTaskStatus) (bool, error)
	UpdateDispatchTaskStatus(ctx context.Context, id int64, status DispatchTaskStatus, summary string) error

	InsertDispatchEvent(ctx context.Context, sourceRoomID, eventType string, payload json.RawMessage) (*DispatchEvent, error)
	GetPendingDispatchEvents(ctx context.Context) ([]*DispatchEvent, error)
	AcknowledgeDispatchEvent(ctx context.Context, id int64) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
