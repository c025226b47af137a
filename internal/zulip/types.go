// ABOUTME: Wire types for the Zulip REST API and its event queue protocol
// ABOUTME: Every response shares the {result, msg, code} envelope

package zulip

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// User is a Zulip realm member.
type User struct {
	UserID     int64   `json:"user_id"`
	FullName   string  `json:"full_name"`
	Email      string  `json:"email"`
	AvatarURL  *string `json:"avatar_url"`
	IsActive   bool    `json:"is_active"`
	IsBot      bool    `json:"is_bot"`
	Role       int64   `json:"role"`
	Timezone   string  `json:"timezone,omitempty"`
	DateJoined string  `json:"date_joined,omitempty"`
}

// Stream is a Zulip channel.
type Stream struct {
	StreamID       int64  `json:"stream_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	InviteOnly     bool   `json:"invite_only"`
	IsWebPublic    bool   `json:"is_web_public"`
	FirstMessageID *int64 `json:"first_message_id"`
}

// Message is a Zulip message as delivered by the API or the event queue.
type Message struct {
	ID               int64           `json:"id"`
	SenderID         int64           `json:"sender_id"`
	SenderFullName   string          `json:"sender_full_name"`
	SenderEmail      string          `json:"sender_email"`
	Content          string          `json:"content"`
	RenderedContent  string          `json:"rendered_content,omitempty"`
	ContentType      string          `json:"content_type,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	Type             string          `json:"type"`
	StreamID         int64           `json:"stream_id,omitempty"`
	Subject          string          `json:"subject,omitempty"`
	DisplayRecipient json.RawMessage `json:"display_recipient,omitempty"`
	Reactions        []Reaction      `json:"reactions,omitempty"`
	Flags            []string        `json:"flags,omitempty"`
}

// IsStream reports whether the message was sent to a stream.
func (m *Message) IsStream() bool { return m.Type == "stream" }

// IsPrivate reports whether the message is a direct message.
func (m *Message) IsPrivate() bool { return m.Type == "private" }

// Topic returns the message's topic (Zulip calls it "subject" on the wire).
func (m *Message) Topic() string { return m.Subject }

// StreamName returns the stream name carried in display_recipient for
// stream messages. Private messages return "".
func (m *Message) StreamName() string {
	if len(m.DisplayRecipient) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(m.DisplayRecipient, &name); err != nil {
		return ""
	}
	return name
}

// RecipientUserIDs extracts the user ids from a private message's
// display_recipient list. Stream messages return nil.
func (m *Message) RecipientUserIDs() []int64 {
	if len(m.DisplayRecipient) == 0 {
		return nil
	}
	var recipients []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(m.DisplayRecipient, &recipients); err != nil {
		return nil
	}
	ids := make([]int64, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}
	return ids
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	EmojiName    string `json:"emoji_name"`
	EmojiCode    string `json:"emoji_code"`
	ReactionType string `json:"reaction_type"`
	UserID       int64  `json:"user_id"`
}

// Event is one entry from the Zulip event queue. Fields are populated
// per event type; unused ones stay zero.
type Event struct {
	Type      string   `json:"type"`
	ID        int64    `json:"id"`
	Op        string   `json:"op,omitempty"`
	Message   *Message `json:"message,omitempty"`
	MessageID int64    `json:"message_id,omitempty"`
	UserID    int64    `json:"user_id,omitempty"`
	StreamID  int64    `json:"stream_id,omitempty"`
	Subject   string   `json:"subject,omitempty"`

	// reaction fields.
	EmojiName    string `json:"emoji_name,omitempty"`
	EmojiCode    string `json:"emoji_code,omitempty"`
	ReactionType string `json:"reaction_type,omitempty"`

	// update_message fields.
	Content         string `json:"content,omitempty"`
	RenderedContent string `json:"rendered_content,omitempty"`
	OrigContent     string `json:"orig_content,omitempty"`

	// subscription peer_add/peer_remove fields.
	StreamIDs []int64 `json:"stream_ids,omitempty"`
	UserIDs   []int64 `json:"user_ids,omitempty"`

	// realm_user add/update payload.
	Person *User `json:"person,omitempty"`
}

// Queue identifies a registered event queue.
type Queue struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// NarrowFilter is one {operator, operand} term of a message narrow.
type NarrowFilter struct {
	Operator string `json:"operator"`
	Operand  any    `json:"operand"`
}

// StreamNarrow builds the narrow for one stream, optionally scoped to a
// topic.
func StreamNarrow(streamID int64, topic string) []NarrowFilter {
	narrow := []NarrowFilter{{Operator: "stream", Operand: streamID}}
	if topic != "" {
		narrow = append(narrow, NarrowFilter{Operator: "topic", Operand: topic})
	}
	return narrow
}

// ReactionID derives a stable synthetic id for a reaction. Zulip does not
// assign reaction ids, so both sides of the bridge key reactions on the
// FNV-1a hash of message, user, and emoji code.
func ReactionID(messageID, userID int64, emojiCode string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d:%s", messageID, userID, emojiCode)
	return int64(h.Sum64())
}
