// ABOUTME: Database open/close, schema creation, and shared query helpers
// ABOUTME: One sqlx implementation serving both the sqlite and postgres backends

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	driverSQLite   = "sqlite"
	driverPostgres = "pgx"
)

// Database bundles the six mapping stores over a single connection pool.
// Queries are written with ? placeholders and passed through sqlx.Rebind so
// the same statements serve both backends.
type Database struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger

	Organizations OrganizationStore
	Rooms         RoomStore
	Users         UserStore
	Messages      MessageStore
	Events        EventStore
	Reactions     ReactionStore
}

// Timestamps are stored as RFC3339 UTC text in both backends so
// lexicographic order matches chronological order.
const timeFormat = time.RFC3339

// Open connects to the mapping store described by dbType and url.
// dbType "sqlite" uses modernc.org/sqlite with WAL and foreign keys enabled;
// "postgres" uses the pgx stdlib driver. "mysql" is recognized but rejected
// with ErrNotImplemented. The schema is created if it does not exist.
func Open(dbType, url string, maxConnections int, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var driver string
	switch dbType {
	case "sqlite":
		driver = driverSQLite
		if url != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(url), 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	case "postgres":
		driver = driverPostgres
	case "mysql":
		return nil, fmt.Errorf("database backend mysql: %w", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unknown database backend %q", dbType)
	}

	db, err := sqlx.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", errors.Join(ErrConnection, err))
	}
	db.SetMaxOpenConns(maxConnections)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", errors.Join(ErrConnection, err))
	}

	if driver == driverSQLite {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	d := &Database{
		db:     db,
		driver: driver,
		logger: logger,
	}
	d.Organizations = &organizationStore{d}
	d.Rooms = &roomStore{d}
	d.Users = &userStore{d}
	d.Messages = &messageStore{d}
	d.Events = &eventStore{d}
	d.Reactions = &reactionStore{d}

	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("mapping store initialized", "backend", dbType, "url", url)
	return d, nil
}

// createSchema creates the six tables and their indexes if they don't exist.
func (d *Database) createSchema() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.driver == driverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS organizations (
			id %[1]s,
			org_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			site TEXT NOT NULL,
			email TEXT NOT NULL,
			api_key TEXT NOT NULL,
			connected BOOLEAN NOT NULL DEFAULT FALSE,
			max_backfill_amount BIGINT NOT NULL DEFAULT 100,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_mappings (
			id %[1]s,
			organization_id BIGINT NOT NULL REFERENCES organizations(id),
			matrix_room_id TEXT NOT NULL UNIQUE,
			zulip_stream_id BIGINT NOT NULL,
			zulip_topic TEXT,
			zulip_stream_name TEXT NOT NULL DEFAULT '',
			room_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_room_mappings_stream
			ON room_mappings(organization_id, zulip_stream_id, zulip_topic);

		CREATE TABLE IF NOT EXISTS user_mappings (
			id %[1]s,
			matrix_user_id TEXT NOT NULL UNIQUE,
			zulip_user_id BIGINT NOT NULL UNIQUE,
			email TEXT,
			display_name TEXT,
			avatar_url TEXT,
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_mappings (
			id %[1]s,
			matrix_event_id TEXT NOT NULL UNIQUE,
			zulip_message_id BIGINT NOT NULL UNIQUE,
			matrix_room_id TEXT NOT NULL,
			zulip_sender_id BIGINT NOT NULL,
			message_type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_mappings_room
			ON message_mappings(matrix_room_id, created_at);

		CREATE TABLE IF NOT EXISTS reaction_mappings (
			id %[1]s,
			matrix_reaction_event_id TEXT NOT NULL UNIQUE,
			zulip_reaction_id BIGINT NOT NULL UNIQUE,
			zulip_message_id BIGINT NOT NULL,
			matrix_event_id TEXT NOT NULL,
			emoji TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reaction_mappings_message
			ON reaction_mappings(zulip_message_id);

		CREATE TABLE IF NOT EXISTS processed_events (
			id %[1]s,
			event_id TEXT NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			processed_at TEXT NOT NULL,
			UNIQUE (event_id, source)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at
			ON processed_events(processed_at);
	`, pk)

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Reset deletes all rows from all six tables. Used by the --reset flag.
func (d *Database) Reset(ctx context.Context) error {
	// Child tables first so foreign keys hold at every step.
	tables := []string{
		"processed_events",
		"reaction_mappings",
		"message_mappings",
		"user_mappings",
		"room_mappings",
		"organizations",
	}
	for _, table := range tables {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("resetting %s: %w", table, err)
		}
	}
	d.logger.Info("mapping store reset, all tables emptied")
	return nil
}

// Ping verifies the database connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", errors.Join(ErrConnection, err))
	}
	return nil
}

// exec runs a rebinding exec and returns the number of affected rows.
func (d *Database) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(query), args...)
	if err != nil {
		return 0, mapExecError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return affected, nil
}

// insert runs an INSERT and returns the generated surrogate id. Postgres has
// no LastInsertId, so the statement is extended with RETURNING id there.
func (d *Database) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if d.driver == driverPostgres {
		var id int64
		err := d.db.QueryRowxContext(ctx, d.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, mapExecError(err)
		}
		return id, nil
	}

	res, err := d.db.ExecContext(ctx, d.db.Rebind(query), args...)
	if err != nil {
		return 0, mapExecError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	return id, nil
}

// get scans a single row into dest, translating sql.ErrNoRows to ErrNotFound.
func (d *Database) get(ctx context.Context, dest any, query string, args ...any) error {
	err := d.db.GetContext(ctx, dest, d.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying row: %w", mapQueryError(err))
	}
	return nil
}

// getOptional is get for lookups where a missing row is not an error.
// It reports whether a row was found.
func (d *Database) getOptional(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := d.get(ctx, dest, query, args...)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// selectRows scans a multi-row query into dest.
func (d *Database) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	if err := d.db.SelectContext(ctx, dest, d.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("querying rows: %w", mapQueryError(err))
	}
	return nil
}

// mapExecError translates driver errors into the store sentinels.
func mapExecError(err error) error {
	msg := err.Error()
	// modernc reports "UNIQUE constraint failed", pgx reports SQLSTATE 23505.
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg)
	}
	return fmt.Errorf("executing statement: %w", mapQueryError(err))
}

// mapQueryError attaches ErrConnection or ErrQuery so callers can tell a
// dead pool (retry the whole transaction) from a bad statement.
func mapQueryError(err error) error {
	if isConnError(err) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return fmt.Errorf("%w: %w", ErrQuery, err)
}

func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// parseTime decodes a persisted RFC3339 timestamp, surfacing ErrInvalidData
// on rows written by something that wasn't this bridge.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidData, s, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
