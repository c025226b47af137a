// ABOUTME: Tests for the user mapping store
// ABOUTME: Covers ghost row creation, bidirectional lookup, and profile updates

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStore_CreateAndLookup(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	user := &UserMapping{
		MatrixUserID: "@_zulip_7:example.org",
		ZulipUserID:  7,
		DisplayName:  strPtr("Ada Lovelace"),
	}
	require.NoError(t, db.Users.Create(ctx, user))

	byMXID, err := db.Users.GetByMatrixUser(ctx, "@_zulip_7:example.org")
	require.NoError(t, err)
	require.NotNil(t, byMXID)
	assert.Equal(t, int64(7), byMXID.ZulipUserID)

	byZulip, err := db.Users.GetByZulipUser(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, byZulip)
	assert.Equal(t, "@_zulip_7:example.org", byZulip.MatrixUserID)
	assert.Equal(t, "Ada Lovelace", *byZulip.DisplayName)
}

func TestUserStore_MissingIsNil(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	byMXID, err := db.Users.GetByMatrixUser(ctx, "@nobody:example.org")
	require.NoError(t, err)
	assert.Nil(t, byMXID)

	byZulip, err := db.Users.GetByZulipUser(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, byZulip)
}

func TestUserStore_UniqueBothSides(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Users.Create(ctx, &UserMapping{
		MatrixUserID: "@_zulip_7:h", ZulipUserID: 7,
	}))

	err := db.Users.Create(ctx, &UserMapping{MatrixUserID: "@_zulip_7:h", ZulipUserID: 8})
	require.ErrorIs(t, err, ErrDuplicate)

	err = db.Users.Create(ctx, &UserMapping{MatrixUserID: "@_zulip_8:h", ZulipUserID: 7})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestUserStore_Update(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	user := &UserMapping{MatrixUserID: "@_zulip_7:h", ZulipUserID: 7}
	require.NoError(t, db.Users.Create(ctx, user))

	user.DisplayName = strPtr("New Name")
	user.AvatarURL = strPtr("https://avatars/7.png")
	require.NoError(t, db.Users.Update(ctx, user))

	got, err := db.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "New Name", *got.DisplayName)
	assert.Equal(t, "https://avatars/7.png", *got.AvatarURL)
	assert.Nil(t, got.Email)
}

func TestUserStore_Delete(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	user := &UserMapping{MatrixUserID: "@_zulip_7:h", ZulipUserID: 7}
	require.NoError(t, db.Users.Create(ctx, user))
	require.NoError(t, db.Users.Delete(ctx, user.ID))
	require.ErrorIs(t, db.Users.Delete(ctx, user.ID), ErrNotFound)
}
