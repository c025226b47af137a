// ABOUTME: Store interfaces and data types for zulip-bridge persistence
// ABOUTME: Defines the six mapping entities and the per-entity store contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// ErrConnection is returned when the underlying database cannot be reached
var ErrConnection = errors.New("database connection failed")

// ErrQuery is returned when a statement fails for a reason other than a
// missing row or a uniqueness violation
var ErrQuery = errors.New("query failed")

// ErrInvalidData is returned when a persisted value cannot be decoded
var ErrInvalidData = errors.New("invalid data")

// ErrNotImplemented is returned for database backends that are recognized
// but not supported
var ErrNotImplemented = errors.New("not implemented")

// Event sources for ProcessedEvent rows
const (
	SourceMatrix = "matrix"
	SourceZulip  = "zulip"
)

// Room mapping types
const (
	RoomTypeStream = "stream"
	RoomTypeDirect = "direct"
	RoomTypeTopic  = "topic"
)

// Message types carried on MessageMapping rows
const (
	MessageTypeText   = "text"
	MessageTypeEmote  = "emote"
	MessageTypeNotice = "notice"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeVideo  = "video"
	MessageTypeAudio  = "audio"
)

// Organization is a Zulip realm the bridge connects to
type Organization struct {
	ID                int64
	OrgID             string // short textual key from config
	Name              string
	Site              string
	Email             string
	APIKey            string
	Connected         bool
	MaxBackfillAmount int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RoomMapping links a Matrix room to a Zulip stream (or DM peer).
// For direct rooms ZulipStreamID holds the peer's user ID and ZulipTopic
// is nil.
type RoomMapping struct {
	ID              int64
	OrganizationID  int64
	MatrixRoomID    string
	ZulipStreamID   int64
	ZulipTopic      *string // nil for stream-wide rooms
	ZulipStreamName string
	RoomType        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserMapping links a Matrix user (usually a ghost) to a Zulip user
type UserMapping struct {
	ID           int64
	MatrixUserID string
	ZulipUserID  int64
	Email        *string
	DisplayName  *string
	AvatarURL    *string
	IsBot        bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageMapping links one relayed message across both sides
type MessageMapping struct {
	ID             int64
	MatrixEventID  string
	ZulipMessageID int64
	MatrixRoomID   string
	ZulipSenderID  int64
	MessageType    string
	CreatedAt      time.Time
}

// ReactionMapping correlates a reaction across both sides. Zulip reactions
// have no server-side ID, so ZulipReactionID is a synthetic value derived
// deterministically from (message, user, emoji); see zulip.ReactionID.
type ReactionMapping struct {
	ID                    int64
	MatrixReactionEventID string
	ZulipReactionID       int64
	ZulipMessageID        int64
	MatrixEventID         string
	Emoji                 string
	CreatedAt             time.Time
}

// ProcessedEvent records an event that has been fully handled, for
// idempotency across retries and restarts
type ProcessedEvent struct {
	ID          int64
	EventID     string
	Source      string
	EventType   string
	ProcessedAt time.Time
}

// OrganizationStore persists Zulip organizations
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	// Upsert inserts the organization or refreshes its config-derived fields
	// if a row with the same org_id already exists. The row ID is filled in
	// either way.
	Upsert(ctx context.Context, org *Organization) error
	Get(ctx context.Context, id int64) (*Organization, error)
	GetByOrgID(ctx context.Context, orgID string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	Update(ctx context.Context, org *Organization) error
	SetConnected(ctx context.Context, id int64, connected bool) error
	Delete(ctx context.Context, id int64) error
}

// RoomStore persists room mappings
type RoomStore interface {
	Create(ctx context.Context, room *RoomMapping) error
	Get(ctx context.Context, id int64) (*RoomMapping, error)
	// GetByMatrixRoom returns (nil, nil) when no mapping exists.
	GetByMatrixRoom(ctx context.Context, matrixRoomID string) (*RoomMapping, error)
	// GetByZulipStream returns (nil, nil) when no mapping exists. A nil
	// topic matches the stream-wide row.
	GetByZulipStream(ctx context.Context, organizationID, zulipStreamID int64, topic *string) (*RoomMapping, error)
	ListByOrganization(ctx context.Context, organizationID int64) ([]*RoomMapping, error)
	CountByOrganization(ctx context.Context, organizationID int64) (int, error)
	Update(ctx context.Context, room *RoomMapping) error
	Delete(ctx context.Context, id int64) error
	DeleteByMatrixRoom(ctx context.Context, matrixRoomID string) error
}

// UserStore persists user mappings
type UserStore interface {
	Create(ctx context.Context, user *UserMapping) error
	Get(ctx context.Context, id int64) (*UserMapping, error)
	// GetByMatrixUser returns (nil, nil) when no mapping exists.
	GetByMatrixUser(ctx context.Context, matrixUserID string) (*UserMapping, error)
	// GetByZulipUser returns (nil, nil) when no mapping exists.
	GetByZulipUser(ctx context.Context, zulipUserID int64) (*UserMapping, error)
	Update(ctx context.Context, user *UserMapping) error
	Delete(ctx context.Context, id int64) error
}

// MessageStore persists message mappings
type MessageStore interface {
	Create(ctx context.Context, msg *MessageMapping) error
	Get(ctx context.Context, id int64) (*MessageMapping, error)
	// GetByMatrixEvent returns (nil, nil) when no mapping exists.
	GetByMatrixEvent(ctx context.Context, matrixEventID string) (*MessageMapping, error)
	// GetByZulipMessage returns (nil, nil) when no mapping exists.
	GetByZulipMessage(ctx context.Context, zulipMessageID int64) (*MessageMapping, error)
	ExistsByZulipMessage(ctx context.Context, zulipMessageID int64) (bool, error)
	// ListByMatrixRoom returns the newest mappings first. The limit is
	// clamped to 100 by default and 1000 at most.
	ListByMatrixRoom(ctx context.Context, matrixRoomID string, limit int) ([]*MessageMapping, error)
	DeleteByMatrixEvent(ctx context.Context, matrixEventID string) error
	DeleteByZulipMessage(ctx context.Context, zulipMessageID int64) error
}

// EventStore persists the idempotency ledger
type EventStore interface {
	MarkProcessed(ctx context.Context, eventID, source, eventType string) error
	IsProcessed(ctx context.Context, eventID, source string) (bool, error)
	// DeleteOlderThan removes rows strictly older than the cutoff and
	// returns how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// ReactionStore persists reaction mappings
type ReactionStore interface {
	Create(ctx context.Context, reaction *ReactionMapping) error
	// GetByMatrixEvent returns (nil, nil) when no mapping exists.
	GetByMatrixEvent(ctx context.Context, matrixReactionEventID string) (*ReactionMapping, error)
	// GetByZulipReaction returns (nil, nil) when no mapping exists.
	GetByZulipReaction(ctx context.Context, zulipReactionID int64) (*ReactionMapping, error)
	ListByZulipMessage(ctx context.Context, zulipMessageID int64) ([]*ReactionMapping, error)
	// The delete operations are no-ops on missing rows and report the
	// number of rows removed.
	DeleteByMatrixEvent(ctx context.Context, matrixReactionEventID string) (int64, error)
	DeleteByZulipReaction(ctx context.Context, zulipReactionID int64) (int64, error)
	DeleteByZulipMessage(ctx context.Context, zulipMessageID int64) (int64, error)
	// DeleteOrphaned removes reaction mappings whose Zulip message no longer
	// has a message mapping.
	DeleteOrphaned(ctx context.Context) (int64, error)
}
