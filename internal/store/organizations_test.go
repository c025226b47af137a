// ABOUTME: Tests for the organization store
// ABOUTME: Covers create, upsert refresh, connected flag, and lookups

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrganizationStore_CreateAndGet(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	org := createTestOrg(t, db)
	assert.NotZero(t, org.ID)
	assert.False(t, org.CreatedAt.IsZero())

	got, err := db.Organizations.Get(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.OrgID)
	assert.Equal(t, "https://chat.acme.com", got.Site)
	assert.False(t, got.Connected)
}

func TestOrganizationStore_DuplicateOrgID(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	createTestOrg(t, db)
	err := db.Organizations.Create(ctx, &Organization{
		OrgID: "acme", Name: "Other", Site: "https://x", Email: "x@x", APIKey: "k",
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestOrganizationStore_GetByOrgID_Missing(t *testing.T) {
	db := setupTestStore(t)

	got, err := db.Organizations.GetByOrgID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOrganizationStore_Upsert(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	org := createTestOrg(t, db)
	require.NoError(t, db.Organizations.SetConnected(ctx, org.ID, true))

	// Upsert with the same org_id refreshes config fields but keeps the row
	// and its connected flag.
	refreshed := &Organization{
		OrgID:             "acme",
		Name:              "Acme Corp",
		Site:              "https://zulip.acme.com",
		Email:             "bridge-bot@acme.com",
		APIKey:            "rotated",
		MaxBackfillAmount: 50,
	}
	require.NoError(t, db.Organizations.Upsert(ctx, refreshed))
	assert.Equal(t, org.ID, refreshed.ID)

	got, err := db.Organizations.Get(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, "rotated", got.APIKey)
	assert.Equal(t, 50, got.MaxBackfillAmount)
	assert.True(t, got.Connected)

	orgs, err := db.Organizations.List(ctx)
	require.NoError(t, err)
	assert.Len(t, orgs, 1)
}

func TestOrganizationStore_SetConnected_Missing(t *testing.T) {
	db := setupTestStore(t)

	err := db.Organizations.SetConnected(context.Background(), 999, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOrganizationStore_Delete(t *testing.T) {
	db := setupTestStore(t)
	ctx := context.Background()

	org := createTestOrg(t, db)
	require.NoError(t, db.Organizations.Delete(ctx, org.ID))

	_, err := db.Organizations.Get(ctx, org.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, db.Organizations.Delete(ctx, org.ID), ErrNotFound)
}
