// Package pg is the Postgres Session Store backend for multi-instance
// deployments, using lib/pq through jmoiron/sqlx with schema migrations run
// by golang-migrate on open.
//
// Grounded on the teacher's internal/store/pg/teams.go raw-SQL + scan-row
// idiom, adapted to the new Channel/Binding/DispatchTask/DispatchEvent
// schema and to Postgres placeholders/types.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nextlevelbuilder/agentmux/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store backed by a Postgres database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the Postgres database at dsn and runs pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	if err := migrate_(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate_(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
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
	var configRaw []byte
	if err := row.Scan(&c.Name, &c.RoomID, &c.IsDispatch, &c.Directory, &c.BackendType, &c.SessionID, &c.Started, &configRaw, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ConfigRaw = json.RawMessage(configRaw)
	return &c, nil
}

func (s *Store) CreateChannel(ctx context.Context, name, roomID string) (*store.Channel, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, room_id, is_dispatch, directory, backend_type, session_id, started, config_raw, created_at, updated_at)
		 VALUES ($1, $2, FALSE, '', '', '', FALSE, '{}', $3, $4)`,
		name, roomID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("pg: create channel: %w", err)
	}
	return s.GetChannel(ctx, name)
}

func (s *Store) CreateDispatchChannel(ctx context.Context, roomID string) (*store.Channel, error) {
	name := fmt.Sprintf("dispatch:%s", roomID)
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, room_id, is_dispatch, directory, backend_type, session_id, started, config_raw, created_at, updated_at)
		 VALUES ($1, $2, TRUE, '', '', '', FALSE, '{}', $3, $4)`,
		name, roomID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("pg: create dispatch channel: %w", err)
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
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE name = $1`, name)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get channel %q: %w", name, err)
	}
	return c, nil
}

func (s *Store) GetChannelByRoom(ctx context.Context, roomID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE room_id = $1`, roomID)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get channel by room %q: %w", roomID, err)
	}
	return c, nil
}

func (s *Store) GetChannelBySessionID(ctx context.Context, sessionID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE session_id = $1`, sessionID)
	c, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get channel by session %q: %w", sessionID, err)
	}
	return c, nil
}

// ResetOrphanedSession clears started and empties session_id for the
// channel owning roomID, so the next prompt allocates a brand new backend
// session instead of retrying a session id the backend has forgotten.
func (s *Store) ResetOrphanedSession(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET session_id = '', started = FALSE, updated_at = $1 WHERE room_id = $2`,
		now(), roomID)
	if err != nil {
		return fmt.Errorf("pg: reset orphaned session for room %q: %w", roomID, err)
	}
	return nil
}

func (s *Store) GetDispatchChannel(ctx context.Context, roomID string) (*store.Channel, error) {
	name := fmt.Sprintf("dispatch:%s", roomID)
	return s.GetChannel(ctx, name)
}

func (s *Store) ListDispatchChannels(ctx context.Context) ([]*store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels WHERE is_dispatch ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("pg: list dispatch channels: %w", err)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE channel_name = $1`, name); err != nil {
		return fmt.Errorf("pg: delete bindings for %q: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE name = $1`, name); err != nil {
		return fmt.Errorf("pg: delete channel %q: %w", name, err)
	}
	return nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelCols+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("pg: list channels: %w", err)
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
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET session_id = $1, updated_at = $2 WHERE name = $3`, sessionID, now(), name)
	if err != nil {
		return fmt.Errorf("pg: update channel session: %w", err)
	}
	return nil
}

func (s *Store) UpdateBackendType(ctx context.Context, name, backendType string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET backend_type = $1, updated_at = $2 WHERE name = $3`, backendType, now(), name)
	if err != nil {
		return fmt.Errorf("pg: update backend type: %w", err)
	}
	return nil
}

func (s *Store) MarkChannelStarted(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET started = TRUE, updated_at = $1 WHERE name = $2`, now(), name)
	if err != nil {
		return fmt.Errorf("pg: mark channel started: %w", err)
	}
	return nil
}

func (s *Store) BindChannel(ctx context.Context, platformID, channelID, channelName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (platform_id, channel_id, channel_name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (platform_id, channel_id) DO UPDATE SET channel_name = excluded.channel_name`,
		platformID, channelID, channelName, now())
	if err != nil {
		return fmt.Errorf("pg: bind channel: %w", err)
	}
	return nil
}

func (s *Store) UnbindChannel(ctx context.Context, platformID, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE platform_id = $1 AND channel_id = $2`, platformID, channelID)
	if err != nil {
		return fmt.Errorf("pg: unbind channel: %w", err)
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
		return nil, fmt.Errorf("pg: list bindings: %w", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func (s *Store) BindingsForChannel(ctx context.Context, channelName string) ([]store.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform_id, channel_id, channel_name, created_at FROM bindings WHERE channel_name = $1`, channelName)
	if err != nil {
		return nil, fmt.Errorf("pg: bindings for channel: %w", err)
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
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO dispatch_tasks (target_room_id, prompt, status, summary, schedule, created_at, updated_at)
		 VALUES ($1, $2, 'pending', '', $3, $4, $5) RETURNING id`,
		targetRoomID, prompt, cronExpr, ts, ts).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("pg: create dispatch task: %w", err)
	}
	return s.GetDispatchTask(ctx, id)
}

func (s *Store) GetDispatchTask(ctx context.Context, id int64) (*store.DispatchTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("pg: get dispatch task %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListDispatchTasks(ctx context.Context, status *store.DispatchTaskStatus) ([]*store.DispatchTask, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks WHERE status = $1 ORDER BY created_at`, string(*status))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM dispatch_tasks ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("pg: list dispatch tasks: %w", err)
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
// returning false (no error) if another executor already claimed it.
func (s *Store) ClaimDispatchTask(ctx context.Context, id int64, from, to store.DispatchTaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("pg: claim dispatch task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pg: claim dispatch task: %w", err)
	}
	return n == 1, nil
}

func (s *Store) UpdateDispatchTaskStatus(ctx context.Context, id int64, status store.DispatchTaskStatus, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(status), summary, now(), id)
	if err != nil {
		return fmt.Errorf("pg: update dispatch task status: %w", err)
	}
	return nil
}

func (s *Store) InsertDispatchEvent(ctx context.Context, sourceRoomID, eventType string, payload json.RawMessage) (*store.DispatchEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ts := now()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO dispatch_events (source_room_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sourceRoomID, eventType, []byte(payload), ts).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("pg: insert dispatch event: %w", err)
	}
	return &store.DispatchEvent{ID: id, SourceRoomID: sourceRoomID, EventType: eventType, Payload: payload, CreatedAt: ts}, nil
}

func (s *Store) GetPendingDispatchEvents(ctx context.Context) ([]*store.DispatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_room_id, event_type, payload, created_at, acknowledged_at FROM dispatch_events WHERE acknowledged_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pg: pending dispatch events: %w", err)
	}
	defer rows.Close()
	var out []*store.DispatchEvent
	for rows.Next() {
		var e store.DispatchEvent
		var payload []byte
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
	_, err := s.db.ExecContext(ctx, `UPDATE dispatch_events SET acknowledged_at = $1 WHERE id = $2`, now(), id)
	if err != nil {
		return fmt.Errorf("pg: acknowledge dispatch event: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pg: get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("pg: set setting %q: %w", key, err)
	}
	return nil
}
