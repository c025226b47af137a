// ABOUTME: Ghost user provisioning and membership management
// ABOUTME: One Matrix puppet per Zulip user, cached in an LRU over the store

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/store"
	"github.com/2389/zulip-bridge/internal/zulip"
)

// ghostCacheSize bounds the in-memory ghost cache; evicted entries fall
// back to the store.
const ghostCacheSize = 1000

// Ghost is one provisioned puppet user.
type Ghost struct {
	UserID      id.UserID
	ZulipUserID int64
	DisplayName string
}

// GhostManager provisions and tracks ghost users.
type GhostManager struct {
	client *Client
	users  store.UserStore
	prefix string // localpart prefix, e.g. "_zulip_"
	logger *slog.Logger

	cache *lru.Cache[int64, *Ghost]
}

// NewGhostManager builds a ghost manager. prefix is the ghost localpart
// prefix (puppet separator + puppet prefix).
func NewGhostManager(client *Client, users store.UserStore, prefix string, logger *slog.Logger) (*GhostManager, error) {
	cache, err := lru.New[int64, *Ghost](ghostCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating ghost cache: %w", err)
	}
	return &GhostManager{
		client: client,
		users:  users,
		prefix: prefix,
		logger: logger.With("component", "ghosts"),
		cache:  cache,
	}, nil
}

// MXIDFor returns the ghost MXID for a Zulip user id.
func (g *GhostManager) MXIDFor(zulipUserID int64) id.UserID {
	return id.NewUserID(g.localpartFor(zulipUserID), g.client.Domain())
}

func (g *GhostManager) localpartFor(zulipUserID int64) string {
	return g.prefix + strconv.FormatInt(zulipUserID, 10)
}

// IsGhost reports whether the MXID belongs to the ghost namespace. The
// bridge bot is not a ghost.
func (g *GhostManager) IsGhost(userID id.UserID) bool {
	if userID == g.client.BotUserID() {
		return false
	}
	return strings.HasPrefix(userID.Localpart(), g.prefix)
}

// GetOrCreate returns the ghost for a Zulip user, provisioning it on
// first sight: register the account, set its display name, and persist
// the mapping.
func (g *GhostManager) GetOrCreate(ctx context.Context, user *zulip.User) (*Ghost, error) {
	if ghost, ok := g.cache.Get(user.UserID); ok {
		return ghost, nil
	}

	mapping, err := g.users.GetByZulipUser(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("looking up ghost for zulip user %d: %w", user.UserID, err)
	}
	if mapping != nil {
		ghost := &Ghost{
			UserID:      id.UserID(mapping.MatrixUserID),
			ZulipUserID: mapping.ZulipUserID,
		}
		if mapping.DisplayName != nil {
			ghost.DisplayName = *mapping.DisplayName
		}
		g.cache.Add(user.UserID, ghost)
		return ghost, nil
	}

	localpart := g.localpartFor(user.UserID)
	mxid := g.MXIDFor(user.UserID)

	if err := g.client.RegisterGhost(ctx, localpart); err != nil {
		// The account usually exists already (a previous run registered it,
		// or the homeserver reserved the namespace); the mapping below is
		// what matters.
		g.logger.Debug("ghost registration failed, continuing",
			"mxid", mxid, "error", err)
	}

	displayName := user.FullName + " (Zulip)"
	if err := g.client.AsUser(mxid).SetDisplayName(ctx, displayName); err != nil {
		g.logger.Warn("setting ghost display name failed", "mxid", mxid, "error", err)
	}

	mapping = &store.UserMapping{
		MatrixUserID: string(mxid),
		ZulipUserID:  user.UserID,
		Email:        &user.Email,
		DisplayName:  &user.FullName,
		AvatarURL:    user.AvatarURL,
		IsBot:        user.IsBot,
	}
	if err := g.users.Create(ctx, mapping); err != nil {
		// A concurrent provision won the race; the row is equivalent.
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("persisting ghost for zulip user %d: %w", user.UserID, err)
		}
	}

	ghost := &Ghost{UserID: mxid, ZulipUserID: user.UserID, DisplayName: user.FullName}
	g.cache.Add(user.UserID, ghost)
	g.logger.Info("provisioned ghost", "mxid", mxid, "zulip_user_id", user.UserID)
	return ghost, nil
}

// UpdateProfile refreshes the ghost's display name and cached columns
// after a realm_user update.
func (g *GhostManager) UpdateProfile(ctx context.Context, user *zulip.User) error {
	mapping, err := g.users.GetByZulipUser(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("looking up ghost for zulip user %d: %w", user.UserID, err)
	}
	if mapping == nil {
		// Never provisioned; nothing to refresh.
		return nil
	}

	mxid := id.UserID(mapping.MatrixUserID)
	if err := g.client.AsUser(mxid).SetDisplayName(ctx, user.FullName+" (Zulip)"); err != nil {
		g.logger.Warn("updating ghost display name failed", "mxid", mxid, "error", err)
	}

	mapping.Email = &user.Email
	mapping.DisplayName = &user.FullName
	mapping.AvatarURL = user.AvatarURL
	if err := g.users.Update(ctx, mapping); err != nil {
		return fmt.Errorf("updating ghost mapping for zulip user %d: %w", user.UserID, err)
	}
	g.cache.Remove(user.UserID)
	return nil
}

// EnsureInRoom makes sure the ghost is joined: the bot invites (ghosts
// cannot invite themselves), then the ghost accepts.
func (g *GhostManager) EnsureInRoom(ctx context.Context, ghost *Ghost, roomID id.RoomID) error {
	members, err := g.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if _, joined := members[ghost.UserID]; joined {
		return nil
	}

	if err := g.client.InviteUser(ctx, roomID, ghost.UserID); err != nil {
		g.logger.Debug("ghost invite failed, trying join anyway",
			"mxid", ghost.UserID, "room_id", roomID, "error", err)
	}
	if err := g.client.AsUser(ghost.UserID).JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("joining ghost %s to %s: %w", ghost.UserID, roomID, err)
	}
	return nil
}

// RemoveFromRoom kicks the ghost out of a room.
func (g *GhostManager) RemoveFromRoom(ctx context.Context, ghost *Ghost, roomID id.RoomID, reason string) error {
	return g.client.KickUser(ctx, roomID, ghost.UserID, reason)
}

// ZulipUserID resolves a ghost MXID back to its Zulip user id: store
// lookup first, then parsing the trailing integer out of the localpart.
func (g *GhostManager) ZulipUserID(ctx context.Context, userID id.UserID) (int64, error) {
	mapping, err := g.users.GetByMatrixUser(ctx, string(userID))
	if err != nil {
		return 0, fmt.Errorf("looking up ghost %s: %w", userID, err)
	}
	if mapping != nil {
		return mapping.ZulipUserID, nil
	}

	localpart := userID.Localpart()
	if !strings.HasPrefix(localpart, g.prefix) {
		return 0, fmt.Errorf("%s is not a ghost user", userID)
	}
	zuid, err := strconv.ParseInt(strings.TrimPrefix(localpart, g.prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ghost localpart %q: %w", localpart, err)
	}
	return zuid, nil
}
