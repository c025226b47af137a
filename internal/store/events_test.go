// ABOUTME: Tests for the processed-event ledger
// ABOUTME: Covers idempotent marking, source scoping, and retention sweeps

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStore_MarkAndCheck(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	processed, err := db.Events.IsProcessed(ctx, "$evt1", SourceMatrix)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, db.Events.MarkProcessed(ctx, "$evt1", SourceMatrix, "m.room.message"))

	processed, err = db.Events.IsProcessed(ctx, "$evt1", SourceMatrix)
	require.NoError(t, err)
	assert.True(t, processed)

	// The same ID from the other source is a different event.
	processed, err = db.Events.IsProcessed(ctx, "$evt1", SourceZulip)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEventStore_MarkTwiceIsHarmless(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Events.MarkProcessed(ctx, "$evt1", SourceMatrix, "m.room.message"))
	require.NoError(t, db.Events.MarkProcessed(ctx, "$evt1", SourceMatrix, "m.room.message"))

	count, err := db.Events.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEventStore_DeleteOlderThan(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Events.MarkProcessed(ctx, "$old", SourceMatrix, "m.room.message"))
	require.NoError(t, db.Events.MarkProcessed(ctx, "42", SourceZulip, "message"))

	// A cutoff in the past deletes nothing.
	deleted, err := db.Events.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// A future cutoff sweeps both rows; only strictly older rows go.
	deleted, err = db.Events.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := db.Events.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
