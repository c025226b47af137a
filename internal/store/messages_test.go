// ABOUTME: Tests for the message mapping store
// ABOUTME: Covers dual-key lookup, existence checks, listing, and deletion

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStore_CreateAndLookup(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	msg := &MessageMapping{
		MatrixEventID:  "$evt1",
		ZulipMessageID: 42,
		MatrixRoomID:   "!r:h",
		ZulipSenderID:  7,
		MessageType:    MessageTypeText,
	}
	require.NoError(t, db.Messages.Create(ctx, msg))
	assert.NotZero(t, msg.ID)

	byEvent, err := db.Messages.GetByMatrixEvent(ctx, "$evt1")
	require.NoError(t, err)
	require.NotNil(t, byEvent)
	assert.Equal(t, int64(42), byEvent.ZulipMessageID)

	byZulip, err := db.Messages.GetByZulipMessage(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, byZulip)
	assert.Equal(t, "$evt1", byZulip.MatrixEventID)
}

func TestMessageStore_MissingIsNil(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	byEvent, err := db.Messages.GetByMatrixEvent(ctx, "$nope")
	require.NoError(t, err)
	assert.Nil(t, byEvent)

	byZulip, err := db.Messages.GetByZulipMessage(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, byZulip)
}

func TestMessageStore_ExistsByZulipMessage(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	exists, err := db.Messages.ExistsByZulipMessage(ctx, 42)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$evt1", ZulipMessageID: 42, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	}))

	exists, err = db.Messages.ExistsByZulipMessage(ctx, 42)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMessageStore_UniqueBothSides(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$evt1", ZulipMessageID: 42, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	}))

	err := db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$evt1", ZulipMessageID: 43, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	})
	require.ErrorIs(t, err, ErrDuplicate)

	err = db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$evt2", ZulipMessageID: 42, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestMessageStore_ListByMatrixRoom(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
			MatrixEventID:  fmt.Sprintf("$evt%d", i),
			ZulipMessageID: i,
			MatrixRoomID:   "!r:h",
			ZulipSenderID:  7,
			MessageType:    MessageTypeText,
		}))
	}
	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$other", ZulipMessageID: 100, MatrixRoomID: "!other:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	}))

	msgs, err := db.Messages.ListByMatrixRoom(ctx, "!r:h", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	// Newest first.
	assert.Equal(t, "$evt5", msgs[0].MatrixEventID)

	msgs, err = db.Messages.ListByMatrixRoom(ctx, "!r:h", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMessageStore_Delete(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Messages.Create(ctx, &MessageMapping{
		MatrixEventID: "$evt1", ZulipMessageID: 42, MatrixRoomID: "!r:h",
		ZulipSenderID: 7, MessageType: MessageTypeText,
	}))

	require.NoError(t, db.Messages.DeleteByMatrixEvent(ctx, "$evt1"))
	got, err := db.Messages.GetByMatrixEvent(ctx, "$evt1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting missing mappings is a no-op on either key.
	require.NoError(t, db.Messages.DeleteByMatrixEvent(ctx, "$evt1"))
	require.NoError(t, db.Messages.DeleteByZulipMessage(ctx, 42))
}
