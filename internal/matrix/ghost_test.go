// ABOUTME: Tests for ghost provisioning against a fake homeserver
// ABOUTME: Provisioning must be idempotent and survive user-in-use races

package matrix

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/store"
	"github.com/2389/zulip-bridge/internal/zulip"
)

// fakeHomeserver counts the client-server API calls the ghost flow makes.
type fakeHomeserver struct {
	mu           sync.Mutex
	registers    int
	invites      int
	joins        int
	joined       map[string]bool // members reported by joined_members
	userInUse    bool
	registerFail bool // register answers 500
}

func (f *fakeHomeserver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/register":
			f.registers++
			if f.registerFail {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"errcode": "M_UNKNOWN", "error": "Internal server error",
				})
				return
			}
			if f.userInUse {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"errcode": "M_USER_IN_USE", "error": "Desired user ID is already taken.",
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"user_id": "@_zulip_7:example.org"})
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/displayname"):
			json.NewEncoder(w).Encode(map[string]string{})
		case strings.HasSuffix(r.URL.Path, "/joined_members"):
			joined := map[string]any{}
			for uid := range f.joined {
				joined[uid] = map[string]any{}
			}
			json.NewEncoder(w).Encode(map[string]any{"joined": joined})
		case strings.HasSuffix(r.URL.Path, "/invite"):
			f.invites++
			json.NewEncoder(w).Encode(map[string]string{})
		case strings.HasSuffix(r.URL.Path, "/join"):
			f.joins++
			json.NewEncoder(w).Encode(map[string]string{"room_id": "!r:example.org"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNRECOGNIZED"})
		}
	}
}

func newTestGhostManager(t *testing.T, fake *fakeHomeserver) (*GhostManager, *store.Database) {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "@zulipbridge:example.org", "as-token", "example.org", slog.Default())
	require.NoError(t, err)

	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "test.db"), 1, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gm, err := NewGhostManager(client, db.Users, "_zulip_", slog.Default())
	require.NoError(t, err)
	return gm, db
}

func zulipUser(id int64, name string) *zulip.User {
	return &zulip.User{UserID: id, FullName: name, Email: "u@example.com"}
}

func TestGhostManager_MXIDFor(t *testing.T) {
	gm, _ := newTestGhostManager(t, &fakeHomeserver{})
	assert.Equal(t, id.UserID("@_zulip_7:example.org"), gm.MXIDFor(7))
}

func TestGhostManager_IsGhost(t *testing.T) {
	gm, _ := newTestGhostManager(t, &fakeHomeserver{})
	assert.True(t, gm.IsGhost("@_zulip_7:example.org"))
	assert.False(t, gm.IsGhost("@alice:example.org"))
	assert.False(t, gm.IsGhost("@zulipbridge:example.org"))
}

func TestGhostManager_GetOrCreateProvisionsOnce(t *testing.T) {
	fake := &fakeHomeserver{}
	gm, db := newTestGhostManager(t, fake)
	ctx := context.Background()

	ghost, err := gm.GetOrCreate(ctx, zulipUser(7, "Ada"))
	require.NoError(t, err)
	assert.Equal(t, id.UserID("@_zulip_7:example.org"), ghost.UserID)

	mapping, err := db.Users.GetByZulipUser(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "@_zulip_7:example.org", mapping.MatrixUserID)

	// Second call is served from the cache: no new register.
	_, err = gm.GetOrCreate(ctx, zulipUser(7, "Ada"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.registers)
}

func TestGhostManager_UserInUseIsIdempotent(t *testing.T) {
	fake := &fakeHomeserver{userInUse: true}
	gm, _ := newTestGhostManager(t, fake)

	// The account already existing (from a previous run) is not an error.
	ghost, err := gm.GetOrCreate(context.Background(), zulipUser(7, "Ada"))
	require.NoError(t, err)
	assert.Equal(t, id.UserID("@_zulip_7:example.org"), ghost.UserID)
}

func TestGhostManager_RegistrationFailureIsNotFatal(t *testing.T) {
	fake := &fakeHomeserver{registerFail: true}
	gm, db := newTestGhostManager(t, fake)
	ctx := context.Background()

	// A homeserver error on register is logged and skipped; the ghost and
	// its mapping are still produced.
	ghost, err := gm.GetOrCreate(ctx, zulipUser(7, "Ada"))
	require.NoError(t, err)
	assert.Equal(t, id.UserID("@_zulip_7:example.org"), ghost.UserID)

	mapping, err := db.Users.GetByZulipUser(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, mapping)
}

func TestGhostManager_EnsureInRoom(t *testing.T) {
	fake := &fakeHomeserver{}
	gm, _ := newTestGhostManager(t, fake)
	ctx := context.Background()

	ghost, err := gm.GetOrCreate(ctx, zulipUser(7, "Ada"))
	require.NoError(t, err)

	require.NoError(t, gm.EnsureInRoom(ctx, ghost, "!r:example.org"))
	assert.Equal(t, 1, fake.invites)
	assert.Equal(t, 1, fake.joins)

	// Already joined: nothing to do.
	fake.mu.Lock()
	fake.joined = map[string]bool{"@_zulip_7:example.org": true}
	fake.mu.Unlock()
	require.NoError(t, gm.EnsureInRoom(ctx, ghost, "!r:example.org"))
	assert.Equal(t, 1, fake.invites)
	assert.Equal(t, 1, fake.joins)
}

func TestGhostManager_ZulipUserIDFallback(t *testing.T) {
	gm, _ := newTestGhostManager(t, &fakeHomeserver{})
	ctx := context.Background()

	// No store row: the id is parsed out of the localpart.
	zuid, err := gm.ZulipUserID(ctx, "@_zulip_42:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(42), zuid)

	_, err = gm.ZulipUserID(ctx, "@alice:example.org")
	require.Error(t, err)
}
