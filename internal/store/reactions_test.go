// ABOUTME: Tests for the reaction mapping store
// ABOUTME: Covers add/remove round trips, count-returning deletes, and orphan sweeps

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestReaction(t *testing.T, db *Database, matrixEventID string, zulipReactionID int64) *ReactionMapping {
	t.Helper()
	reaction := &ReactionMapping{
		MatrixReactionEventID: matrixEventID,
		ZulipReactionID:       zulipReactionID,
		ZulipMessageID:        42,
		MatrixEventID:         "$target",
		Emoji:                 "👍",
	}
	require.NoError(t, db.Reactions.Create(context.Background(), reaction))
	return reaction
}

func TestReactionStore_CreateAndLookup(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	reaction := createTestReaction(t, db, "$react1", 1001)

	byEvent, err := db.Reactions.GetByMatrixEvent(ctx, "$react1")
	require.NoError(t, err)
	require.NotNil(t, byEvent)
	assert.Equal(t, reaction.ID, byEvent.ID)
	assert.Equal(t, "👍", byEvent.Emoji)

	byZulip, err := db.Reactions.GetByZulipReaction(ctx, 1001)
	require.NoError(t, err)
	require.NotNil(t, byZulip)
	assert.Equal(t, "$react1", byZulip.MatrixReactionEventID)

	missing, err := db.Reactions.GetByMatrixEvent(ctx, "$nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReactionStore_AddThenRemove(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	createTestReaction(t, db, "$react1", 1001)

	removed, err := db.Reactions.DeleteByMatrixEvent(ctx, "$react1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// An add followed by a remove leaves no rows behind.
	reactions, err := db.Reactions.ListByZulipMessage(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, reactions)

	// Removing a never-mapped reaction is a no-op.
	removed, err = db.Reactions.DeleteByMatrixEvent(ctx, "$react1")
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = db.Reactions.DeleteByZulipReaction(ctx, 1001)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReactionStore_DeleteByZulipMessage(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	createTestReaction(t, db, "$react1", 1001)
	createTestReaction(t, db, "$react2", 1002)

	removed, err := db.Reactions.DeleteByZulipMessage(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestReactionStore_DeleteOrphaned(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	// Reaction on a message that still has a mapping survives the sweep.
	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$target", ZulipMessageID: 42, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	}))
	createTestReaction(t, db, "$react1", 1001)

	// Reaction whose message mapping is gone is an orphan.
	require.NoError(t, db.Reactions.Create(ctx, &ReactionMapping{
		MatrixReactionEventID: "$react2",
		ZulipReactionID:       2001,
		ZulipMessageID:        99,
		MatrixEventID:         "$gone",
		Emoji:                 "🎉",
	}))

	removed, err := db.Reactions.DeleteOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	kept, err := db.Reactions.GetByMatrixEvent(ctx, "$react1")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
