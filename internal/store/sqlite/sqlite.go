// Package sqlite is the default embedded Session Store backend, using
// modernc.org/sqlite (pure Go, no cgo) through jmoiron/sqlx, with schema
// migrations run by golang-migrate on open.
//
// Grounded on the teacher's internal/store/pg/teams.go (raw-SQL + scan-row
// idiom) adapted to SQLite placeholders and types.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentmux/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store backed by a single SQLite database file.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single-writer discipline

	if err := migrate_(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate_(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func now() time.Time { return time.Now().UTC() }

const channelCols = "name, room_id, is_dispatch, directory, backend_type, session_id, started, config_raw, created_at, updated_at"

func scanChannel(row interface {
	Scan(dest ...interface{}) error
}) (*store.Channel, error) {
	var c store.Channel
	var isDispatch, started int
	var configRaw string
	if err := row.Scan(&c.Name, &c.RoomID, &isDispatch, &c.Directory, &c.BackendType, &c.SessionID, &started, &configRaw, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.IsDispatch = isDispatch != 0
	c.Started = started != 0
	c.ConfigRaw = json.RawMessage(configRaw)
	return &c, nil
}

func (s *Store) CreateChannel(ctx context.Context, name, roomID string) (*store.Channel, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, room_id, is_dispatch, directory, backend_type, session_id, started, config_raw, created_at, updated_at)
		 VALUES (?, ?, 0, '', '', '', 0, '{}', ?, ?)`,
		name, roomID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create channel: %w", err)
	}
	return s.GetChannel(ctx, name)
}

func (s *Store) CreateDispatchChannel(ctx context.Context, roomID string) (*store.Channel, error) {
	name := fmt.Sprintf("dispatch:%s", roomID)
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, room_id, is_dispatch, directory, backend_type, session_id, started, config_raw, created_at, updated_at)
		 VALUES (?, ?, 1, '', '', '', 0, '{}', ?, ?)`,
		name, roomID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create dispatch channel: %w", err)
	}
	return s.GetChannel(ctx, name)
}

func (s *Store) GetOrCreateDispatchChannel(ctx context.Context, roomID string) (*store.Channel, error) {
	name := fmt.Sprintf("dispatch:%s", roomID)
	if c, err := s.GetChannel(ctx, name); err == nil {
		return c, nil
	}
	return s.CreateDispatchChannel(ctx, roomID)
}

func (s *Store) GetChannel(ctx context.Context, name string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE name = ?`, name)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get channel %q: %w", name, err)
	}
	return c, nil
}

func (s *Store) GetChannelByRoom(ctx context.Context, roomID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE room_id = ?`, roomID)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get channel by room %q: %w", roomID, err)
	}
	return c, nil
}

func (s *Store) GetChannelBySessionID(ctx context.Context, sessionID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE session_id = ?`, sessionID)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get channel by session %q: %w", sessionID, err)
	}
	return c, nil
}

// ResetOrphanedSession clears started and empties session_id for the
// channel owning roomID, so the next prompt allocates a brand new backend
// session instead of retrying a session id the backend has forgotten.
func (s *Store) ResetOrphanedSession(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET session_id = '', started = 0, updated_at = ? WHERE room_id = ?`,
		now(), roomID)
	if err != nil {
		return fmt.Errorf("sqlite: reset orphaned session for room %q: %w", roomID, err)
	}
	return nil
}

func (s *Store) GetDispatchChannel(ctx context.Context, roomID string) (*store.Channel, error) {
	name := fmt.Sprintf("dispatch:%s", roomID)
	return s.GetChannel(ctx, name)
}

func (s *Store) ListDispatchChannels(ctx context.Context) ([]*store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels WHERE is_dispatch = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dispatch channels: %w", err)
	}
	defer rows.Close()
	var out []*store.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChannel(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE channel_name = ?`, name); err != nil {
		return fmt.Errorf("sqlite: delete bindings for %q: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlite: delete channel %q: %w", name, err)
	}
	return nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list channels: %w", err)
	}
	defer rows.Close()
	var out []*store.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateChannelSession(ctx context.Context, name, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET session_id = ?, updated_at = ? WHERE name = ?`, sessionID, now(), name)
	if err != nil {
		return fmt.Errorf("sqlite: update channel session: %w", err)
	}
	return nil
}

func (s *Store) UpdateBackendType(ctx context.Context, name, backendType string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET backend_type = ?, updated_at = ? WHERE name = ?`, backendType, now(), name)
	if err != nil {
		return fmt.Errorf("sqlite: update backend type: %w", err)
	}
	return nil
}

func (s *Store) MarkChannelStarted(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET started = 1, updated_at = ? WHERE name = ?`, now(), name)
	if err != nil {
		return fmt.Errorf("sqlite: mark channel started: %w", err)
	}
	return nil
}

func (s *Store) BindChannel(ctx context.Context, platformID, channelID, channelName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (platform_id, channel_id, channel_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform_id, channel_id) DO UPDATE SET channel_name = excluded.channel_name`,
		platformID, channelID, channelName, now())
	if err != nil {
		return fmt.Errorf("sqlite: bind channel: %w", err)
	}
	return nil
}

func (s *Store) UnbindChannel(ctx context.Context, platformID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE platform_id = ? AND channel_id = ?`, platformID, channelID)
	if err != nil {
		return fmt.Errorf("sqlite: unbind channel: %w", err)
	}
	return nil
}

func scanBindings(rows *sql.Rows) ([]store.Binding, error) {
	var out []store.Binding
	for rows.Next() {
		var b store.Binding
		if err := rows.Scan(&b.PlatformID, &b.ChannelID, &b.ChannelName, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListBindings(ctx context.Context) ([]store.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform_id, channel_id, channel_name, created_at FROM bindings`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bindings: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func (s *Store) BindingsForChannel(ctx context.Context, channelName string) ([]store.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform_id, channel_id, channel_name, created_at FROM bindings WHERE channel_name = ?`, channelName)
	if err != nil {
		return nil, fmt.Errorf("sqlite: bindings for channel: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

const taskCols = "id, target_room_id, prompt, status, summary, schedule, created_at, updated_at"

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*store.DispatchTask, error) {
	var t store.DispatchTask
	var status string
	if err := row.Scan(&t.ID, &t.TargetRoomID, &t.Prompt, &status, &t.Summary, &t.Schedule, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = store.DispatchTaskStatus(status)
	return &t, nil
}

func (s *Store) CreateDispatchTask(ctx context.Context, targetRoomID, prompt string) (*store.DispatchTask, error) {
	return s.createTask(ctx, targetRoomID, prompt, "")
}

func (s *Store) CreateScheduledDispatchTask(ctx context.Context, targetRoomID, prompt, cronExpr string) (*store.DispatchTask, error) {
	return s.createTask(ctx, targetRoomID, prompt, cronExpr)
}

func (s *Store) createTask(ctx context.Context, targetRoomID, prompt, cronExpr string) (*store.DispatchTask, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_tasks (target_room_id, prompt, status, summary, schedule, created_at, updated_at)
		 VALUES (?, ?, 'pending', '', ?, ?, ?)`,
		targetRoomID, prompt, cronExpr, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create dispatch task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: create dispatch task: %w", err)
	}
	return s.GetDispatchTask(ctx, id)
}

func (s *Store) GetDispatchTask(ctx context.Context, id int64) (*store.DispatchTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get dispatch task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListDispatchTasks(ctx context.Context, status *store.DispatchTaskStatus) ([]*store.DispatchTask, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks WHERE status = ? ORDER BY created_at`, string(*status))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dispatch tasks: %w", err)
	}
	defer rows.Close()
	var out []*store.DispatchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDispatchTask atomically transitions a task from `from` to `to`,
// returning false (no error) if another executor already claimed it —
// mirrors src/task_executor.rs's compare-and-swap claim.
func (s *Store) ClaimDispatchTask(ctx context.Context, id int64, from, to store.DispatchTaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("sqlite: claim dispatch task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: claim dispatch task: %w", err)
	}
	return n == 1, nil
}

func (s *Store) UpdateDispatchTaskStatus(ctx context.Context, id int64, status store.DispatchTaskStatus, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(status), summary, now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update dispatch task status: %w", err)
	}
	return nil
}

func (s *Store) InsertDispatchEvent(ctx context.Context, sourceRoomID, eventType string, payload json.RawMessage) (*store.DispatchEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_events (source_room_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		sourceRoomID, eventType, string(payload), ts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert dispatch event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert dispatch event: %w", err)
	}
	return &store.DispatchEvent{ID: id, SourceRoomID: sourceRoomID, EventType: eventType, Payload: payload, CreatedAt: ts}, nil
}

func (s *Store) GetPendingDispatchEvents(ctx context.Context) ([]*store.DispatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_room_id, event_type, payload, created_at, acknowledged_at FROM dispatch_events WHERE acknowledged_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending dispatch events: %w", err)
	}
	defer rows.Close()
	var out []*store.DispatchEvent
	for rows.Next() {
		var e store.DispatchEvent
		var payload string
		var ack sql.NullTime
		if err := rows.Scan(&e.ID, &e.SourceRoomID, &e.EventType, &payload, &e.CreatedAt, &ack); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		if ack.Valid {
			e.AcknowledgedAt = &ack.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) AcknowledgeDispatchEvent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dispatch_events SET acknowledged_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("sqlite: acknowledge dispatch event: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set setting %q: %w", key, err)
	}
	return nil
}
