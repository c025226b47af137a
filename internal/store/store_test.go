// ABOUTME: Shared test setup and database-level tests for the mapping store
// ABOUTME: Covers backend selection, reset, and error sentinels

package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite-backed database for testing.
func setupTestStore(t *testing.T) *Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open("sqlite", dbPath, 10, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// createTestOrg inserts an organization for tests that need a parent row.
func createTestOrg(t *testing.T, db *Database) *Organization {
	t.Helper()
	org := &Organization{
		OrgID:             "acme",
		Name:              "Acme",
		Site:              "https://chat.acme.com",
		Email:             "bridge-bot@acme.com",
		APIKey:            "secret",
		MaxBackfillAmount: 100,
	}
	require.NoError(t, db.Organizations.Create(context.Background(), org))
	return org
}

func strPtr(s string) *string {
	return &s
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("oracle", "whatever", 10, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestOpen_MySQLNotImplemented(t *testing.T) {
	_, err := Open("mysql", "root@/bridge", 10, slog.Default())
	require.ErrorIs(t, err, ErrNotImplemented)
}

func TestDatabase_Reset(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	org := createTestOrg(t, db)
	require.NoError(t, db.Rooms.Create(ctx, &RoomMapping{
		OrganizationID:  org.ID,
		MatrixRoomID:    "!r:example.org",
		ZulipStreamID:   9,
		ZulipStreamName: "general",
		RoomType:        RoomTypeStream,
	}))
	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID:  "$e1",
		ZulipMessageID: 42,
		MatrixRoomID:   "!r:example.org",
		ZulipSenderID:  7,
		MessageType:    MessageTypeText,
	}))
	require.NoError(t, db.Events.MarkProcessed(ctx, "$e1", SourceMatrix, "m.room.message"))

	require.NoError(t, db.Reset(ctx))

	orgs, err := db.Organizations.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, orgs)

	room, err := db.Rooms.GetByMatrixRoom(ctx, "!r:example.org")
	require.NoError(t, err)
	assert.Nil(t, room)

	count, err := db.Events.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDatabase_InMemory(t *testing.T) {
	db, err := Open("sqlite", ":memory:", 1, slog.Default())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(context.Background()))
}

func TestClosedPoolSurfacesErrConnection(t *testing.T) {
	db, err := Open("sqlite", ":memory:", 1, slog.Default())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	ctx := context.Background()

	_, err = db.Events.IsProcessed(ctx, "$e1", SourceMatrix)
	require.ErrorIs(t, err, ErrConnection)

	err = db.Events.MarkProcessed(ctx, "$e1", SourceMatrix, "m.room.message")
	require.ErrorIs(t, err, ErrConnection)
}

func TestBadStatementSurfacesErrQuery(t *testing.T) {
	db := setupTestStore(t)

	var n int
	err := db.get(context.Background(), &n, "SELECT x FROM no_such_table")
	require.ErrorIs(t, err, ErrQuery)
	assert.NotErrorIs(t, err, ErrConnection)
}
