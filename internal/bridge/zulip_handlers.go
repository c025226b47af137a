// ABOUTME: Zulip-to-Matrix relay: messages, reactions, edits, deletions, profile sync
// ABOUTME: Creates Matrix rooms on demand and backfills recent stream history

package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/config"
	"github.com/2389/zulip-bridge/internal/format"
	"github.com/2389/zulip-bridge/internal/store"
	"github.com/2389/zulip-bridge/internal/zulip"
)

// zulipQuoteRe matches the quote block Zulip prepends to replies:
// @_**Name|id** [said](https://site/#narrow/.../near/123):
// ```quote
// quoted text
// ```
// remainder
var zulipQuoteRe = regexp.MustCompile(
	"(?s)^@_?\\*\\*[^*]+\\*\\* \\[said\\]\\([^)]*/near/(\\d+)[^)]*\\):\\s*\\n```quote\\n.*?\\n```\\n?(.*)$")

// handleZulipEvent dispatches one event from an organization's queue.
func (b *Bridge) handleZulipEvent(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	switch evt.Type {
	case "heartbeat":
		return nil
	case "message":
		if evt.Message == nil {
			return nil
		}
		return b.handleZulipMessage(ctx, rt, evt.Message)
	case "reaction":
		switch evt.Op {
		case "add":
			return b.handleZulipReactionAdd(ctx, rt, evt)
		case "remove":
			return b.handleZulipReactionRemove(ctx, rt, evt)
		}
		return nil
	case "update_message":
		return b.handleZulipMessageUpdate(ctx, rt, evt)
	case "delete_message":
		return b.handleZulipMessageDelete(ctx, rt, evt)
	case "subscription":
		return b.handleZulipSubscription(ctx, rt, evt)
	case "realm_user":
		return b.handleZulipRealmUser(ctx, rt, evt)
	default:
		b.logger.Debug("unhandled zulip event type",
			"organization", rt.org.OrgID, "type", evt.Type, "op", evt.Op)
		return nil
	}
}

// handleZulipMessage relays a new Zulip message into Matrix, creating
// the target room when this is the first message seen for its
// stream/topic (or DM peer).
func (b *Bridge) handleZulipMessage(ctx context.Context, rt *orgRuntime, msg *zulip.Message) error {
	// Queue event ids reset on re-registration, so the durable dedup key
	// is the message id itself.
	dedupKey := fmt.Sprintf("message/%d", msg.ID)
	if done, err := b.db.Events.IsProcessed(ctx, dedupKey, store.SourceZulip); err != nil {
		return err
	} else if done {
		return nil
	}

	if msg.SenderID == rt.botUserID {
		// Our own relay coming back around the loop.
		mapped, err := b.db.Messages.ExistsByZulipMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		if mapped {
			return b.db.Events.MarkProcessed(ctx, dedupKey, store.SourceZulip, "message")
		}
	}

	room, err := b.resolveRoom(ctx, rt, msg)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}

	if err := b.relayZulipMessage(ctx, rt, room, msg, ""); err != nil {
		return err
	}
	return b.db.Events.MarkProcessed(ctx, dedupKey, store.SourceZulip, "message")
}

// resolveRoom finds the mapping a message belongs in, creating the room
// when none exists yet.
func (b *Bridge) resolveRoom(ctx context.Context, rt *orgRuntime, msg *zulip.Message) (*store.RoomMapping, error) {
	if msg.IsPrivate() {
		peer := b.dmPeer(rt, msg)
		room, err := b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, peer, nil)
		if err != nil {
			return nil, err
		}
		if room != nil {
			return room, nil
		}
		return b.createDirectRoom(ctx, rt, msg, peer)
	}

	topic := msg.Topic()
	room, err := b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, msg.StreamID, &topic)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}
	// A stream-wide mapping catches every topic on the stream.
	room, err = b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, msg.StreamID, nil)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}
	return b.createStreamRoom(ctx, rt, msg)
}

// dmPeer picks the mapping key for a direct message: the first recipient
// that is not the bridge bot, falling back to the sender for self-DMs.
func (b *Bridge) dmPeer(rt *orgRuntime, msg *zulip.Message) int64 {
	for _, uid := range msg.RecipientUserIDs() {
		if uid != rt.botUserID {
			return uid
		}
	}
	return msg.SenderID
}

func (b *Bridge) ownerInvites() []id.UserID {
	if b.cfg.Bridge.Owner == "" {
		return nil
	}
	return []id.UserID{id.UserID(b.cfg.Bridge.Owner)}
}

// createStreamRoom provisions a Matrix room for one stream/topic pair,
// subscribes the bot to the stream, and backfills recent history.
func (b *Bridge) createStreamRoom(ctx context.Context, rt *orgRuntime, msg *zulip.Message) (*store.RoomMapping, error) {
	streamName := msg.StreamName()
	topic := msg.Topic()
	name := fmt.Sprintf("#%s > %s", streamName, topic)
	alias := b.cfg.Room.RoomAliasPrefix + slugify(streamName+"-"+topic)

	roomID, err := b.matrix.CreateRoom(ctx, name, "", alias,
		b.cfg.Room.DefaultVisibility, b.ownerInvites())
	if err != nil {
		return nil, fmt.Errorf("creating room for %s: %w", name, err)
	}
	b.logger.Info("created room", "organization", rt.org.OrgID,
		"room_id", roomID, "stream", streamName, "topic", topic)

	room := &store.RoomMapping{
		OrganizationID:  rt.org.ID,
		MatrixRoomID:    string(roomID),
		ZulipStreamID:   msg.StreamID,
		ZulipTopic:      &topic,
		ZulipStreamName: streamName,
		RoomType:        store.RoomTypeTopic,
	}
	if err := b.db.Rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("recording room mapping for %s: %w", name, err)
	}

	if err := rt.client.Subscribe(ctx, []string{streamName}); err != nil {
		b.logger.Warn("subscribing to stream failed",
			"organization", rt.org.OrgID, "stream", streamName, "error", err)
	}

	b.backfillRoom(ctx, rt, room, topic, msg.ID)
	return room, nil
}

// createDirectRoom provisions a Matrix room for a Zulip DM conversation,
// keyed on the non-bot peer.
func (b *Bridge) createDirectRoom(ctx context.Context, rt *orgRuntime, msg *zulip.Message, peer int64) (*store.RoomMapping, error) {
	name := msg.SenderFullName
	if user, err := rt.client.GetUser(ctx, peer); err == nil {
		name = user.FullName
	}

	roomID, err := b.matrix.CreateRoom(ctx, name, "", "", "private", b.ownerInvites())
	if err != nil {
		return nil, fmt.Errorf("creating DM room for %s: %w", name, err)
	}
	b.logger.Info("created DM room", "organization", rt.org.OrgID,
		"room_id", roomID, "peer", peer)

	room := &store.RoomMapping{
		OrganizationID:  rt.org.ID,
		MatrixRoomID:    string(roomID),
		ZulipStreamID:   peer,
		ZulipStreamName: name,
		RoomType:        store.RoomTypeDirect,
	}
	if err := b.db.Rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("recording DM mapping for %s: %w", name, err)
	}
	return room, nil
}

// backfillRoom relays up to max_backfill_amount messages preceding the
// trigger into a freshly created room, oldest first. Failures are logged
// and skipped; backfill never blocks the live message.
func (b *Bridge) backfillRoom(ctx context.Context, rt *orgRuntime, room *store.RoomMapping, topic string, triggerID int64) {
	if rt.maxBackfill <= 0 {
		return
	}

	history, err := rt.client.GetMessages(ctx,
		zulip.StreamNarrow(room.ZulipStreamID, topic), "newest", rt.maxBackfill)
	if err != nil {
		b.logger.Warn("backfill fetch failed",
			"organization", rt.org.OrgID, "room_id", room.MatrixRoomID, "error", err)
		return
	}

	for i := range history {
		old := &history[i]
		if old.ID == triggerID || old.SenderID == rt.botUserID {
			continue
		}
		mapped, err := b.db.Messages.ExistsByZulipMessage(ctx, old.ID)
		if err != nil || mapped {
			continue
		}
		if err := b.relayZulipMessage(ctx, rt, room, old, ""); err != nil {
			b.logger.Warn("backfill relay failed",
				"organization", rt.org.OrgID, "zulip_message_id", old.ID, "error", err)
		}
	}
}

// relayZulipMessage sends one Zulip message into its mapped room through
// the sender's ghost and records the mapping. suffix is appended to the
// body (used for edit-as-new relays).
func (b *Bridge) relayZulipMessage(ctx context.Context, rt *orgRuntime, room *store.RoomMapping, msg *zulip.Message, suffix string) error {
	ghost, err := b.ghosts.GetOrCreate(ctx, &zulip.User{
		UserID:   msg.SenderID,
		FullName: msg.SenderFullName,
		Email:    msg.SenderEmail,
	})
	if err != nil {
		return err
	}
	if err := b.ghosts.EnsureInRoom(ctx, ghost, id.RoomID(room.MatrixRoomID)); err != nil {
		return err
	}
	asGhost := b.matrix.AsUser(ghost.UserID)

	content, replyTo := b.splitZulipReply(ctx, msg.Content)
	content += suffix

	var eventID id.EventID
	rendered, formatted := format.RenderHTML(content)
	switch {
	case replyTo != "":
		eventID, err = asGhost.SendReply(ctx, id.RoomID(room.MatrixRoomID), replyTo, content, rendered)
	case formatted:
		eventID, err = asGhost.SendHTML(ctx, id.RoomID(room.MatrixRoomID), content, rendered)
	default:
		eventID, err = asGhost.SendText(ctx, id.RoomID(room.MatrixRoomID), content)
	}
	if err != nil {
		return fmt.Errorf("relaying zulip message %d: %w", msg.ID, err)
	}

	mapping := &store.MessageMapping{
		MatrixEventID:  string(eventID),
		ZulipMessageID: msg.ID,
		MatrixRoomID:   room.MatrixRoomID,
		ZulipSenderID:  msg.SenderID,
		MessageType:    store.MessageTypeText,
	}
	if err := b.db.Messages.Create(ctx, mapping); err != nil {
		return fmt.Errorf("recording mapping for zulip message %d: %w", msg.ID, err)
	}
	return nil
}

// splitZulipReply strips a leading Zulip quote block and, when the quoted
// message is one we relayed, returns its Matrix event id so the relay can
// be a proper reply. Quotes of unmapped messages pass through verbatim.
func (b *Bridge) splitZulipReply(ctx context.Context, content string) (string, id.EventID) {
	m := zulipQuoteRe.FindStringSubmatch(content)
	if m == nil {
		return content, ""
	}
	quotedID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return content, ""
	}
	target, err := b.db.Messages.GetByZulipMessage(ctx, quotedID)
	if err != nil || target == nil {
		return content, ""
	}
	return strings.TrimSpace(m[2]), id.EventID(target.MatrixEventID)
}

// handleZulipReactionAdd relays an emoji reaction through the reacting
// user's ghost. Reactions on unmapped messages and echoes of our own
// relays are dropped.
func (b *Bridge) handleZulipReactionAdd(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	echo := evt.EmojiCode
	if echo == "" {
		echo = evt.EmojiName
	}
	reactionID := zulip.ReactionID(evt.MessageID, evt.UserID, echo)

	existing, err := b.db.Reactions.GetByZulipReaction(ctx, reactionID)
	if err != nil {
		return err
	}
	if existing != nil || evt.UserID == rt.botUserID {
		return nil
	}

	target, err := b.db.Messages.GetByZulipMessage(ctx, evt.MessageID)
	if err != nil {
		return err
	}
	if target == nil {
		b.logger.Debug("reaction to unmapped zulip message dropped",
			"organization", rt.org.OrgID, "zulip_message_id", evt.MessageID)
		return nil
	}

	key := ":" + evt.EmojiName + ":"
	if evt.ReactionType == "unicode_emoji" {
		if glyph := format.EmojiGlyph(evt.EmojiCode); glyph != "" {
			key = glyph
		}
	}

	reactor, err := rt.client.GetUser(ctx, evt.UserID)
	if err != nil {
		reactor = &zulip.User{UserID: evt.UserID}
	}
	ghost, err := b.ghosts.GetOrCreate(ctx, reactor)
	if err != nil {
		return err
	}
	if err := b.ghosts.EnsureInRoom(ctx, ghost, id.RoomID(target.MatrixRoomID)); err != nil {
		return err
	}
	eventID, err := b.matrix.AsUser(ghost.UserID).SendReaction(ctx,
		id.RoomID(target.MatrixRoomID), id.EventID(target.MatrixEventID), key)
	if err != nil {
		return fmt.Errorf("relaying reaction on %d: %w", evt.MessageID, err)
	}

	return b.db.Reactions.Create(ctx, &store.ReactionMapping{
		MatrixReactionEventID: string(eventID),
		ZulipReactionID:       reactionID,
		ZulipMessageID:        evt.MessageID,
		MatrixEventID:         target.MatrixEventID,
		Emoji:                 key,
	})
}

// handleZulipReactionRemove redacts the relayed reaction event. Unknown
// reactions are a no-op.
func (b *Bridge) handleZulipReactionRemove(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	echo := evt.EmojiCode
	if echo == "" {
		echo = evt.EmojiName
	}
	reactionID := zulip.ReactionID(evt.MessageID, evt.UserID, echo)

	mapping, err := b.db.Reactions.GetByZulipReaction(ctx, reactionID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return nil
	}

	target, err := b.db.Messages.GetByZulipMessage(ctx, evt.MessageID)
	if err != nil {
		return err
	}
	if target != nil {
		redactor := b.matrix.AsUser(b.ghosts.MXIDFor(evt.UserID))
		if err := redactor.RedactEvent(ctx, id.RoomID(target.MatrixRoomID),
			id.EventID(mapping.MatrixReactionEventID), ""); err != nil {
			return fmt.Errorf("redacting reaction on %d: %w", evt.MessageID, err)
		}
	}

	_, err = b.db.Reactions.DeleteByZulipReaction(ctx, reactionID)
	return err
}

// handleZulipMessageUpdate relays an edit. Mapped messages become Matrix
// edits; an edit of a message we never relayed is sent as a new message
// with an edited marker when its room is known.
func (b *Bridge) handleZulipMessageUpdate(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	if evt.UserID == rt.botUserID {
		// Our own EditMessage coming back around the loop.
		return nil
	}
	if evt.Content == "" {
		// Topic-only moves carry no content change.
		return nil
	}

	target, err := b.db.Messages.GetByZulipMessage(ctx, evt.MessageID)
	if err != nil {
		return err
	}
	if target != nil {
		ghost := b.ghosts.MXIDFor(target.ZulipSenderID)
		rendered, _ := format.RenderHTML(evt.Content)
		_, err = b.matrix.AsUser(ghost).SendEdit(ctx, id.RoomID(target.MatrixRoomID),
			id.EventID(target.MatrixEventID), evt.Content, rendered)
		if err != nil {
			return fmt.Errorf("relaying edit of %d: %w", evt.MessageID, err)
		}
		return nil
	}

	if evt.StreamID == 0 {
		b.logger.Debug("edit of unmapped zulip message dropped",
			"organization", rt.org.OrgID, "zulip_message_id", evt.MessageID)
		return nil
	}
	// The edited original predates the bridge: relay it as a new message
	// into the stream's room, when one exists.
	topic := evt.Subject
	room, err := b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, evt.StreamID, &topic)
	if err != nil {
		return err
	}
	if room == nil {
		room, err = b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, evt.StreamID, nil)
		if err != nil {
			return err
		}
	}
	if room == nil {
		return nil
	}
	editor, err := rt.client.GetUser(ctx, evt.UserID)
	if err != nil {
		editor = &zulip.User{UserID: evt.UserID}
	}
	edited := &zulip.Message{
		ID:             evt.MessageID,
		SenderID:       evt.UserID,
		SenderFullName: editor.FullName,
		SenderEmail:    editor.Email,
		Content:        evt.Content,
		Type:           "stream",
		StreamID:       evt.StreamID,
		Subject:        topic,
	}
	return b.relayZulipMessage(ctx, rt, room, edited, " (edited)")
}

// handleZulipMessageDelete redacts the relayed Matrix event and drops the
// mapping rows.
func (b *Bridge) handleZulipMessageDelete(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	if evt.Op != "" && evt.Op != "delete" {
		return nil
	}

	target, err := b.db.Messages.GetByZulipMessage(ctx, evt.MessageID)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}

	redactor := b.matrix.AsUser(b.ghosts.MXIDFor(target.ZulipSenderID))
	err = redactor.RedactEvent(ctx, id.RoomID(target.MatrixRoomID),
		id.EventID(target.MatrixEventID), "deleted on Zulip")
	if err != nil {
		// The ghost may have lost room membership; the bot can still redact
		// its own appservice events.
		if err = b.matrix.RedactEvent(ctx, id.RoomID(target.MatrixRoomID),
			id.EventID(target.MatrixEventID), "deleted on Zulip"); err != nil {
			return fmt.Errorf("redacting relayed message %d: %w", evt.MessageID, err)
		}
	}

	if err := b.db.Messages.DeleteByZulipMessage(ctx, evt.MessageID); err != nil {
		return err
	}
	_, err = b.db.Reactions.DeleteByZulipMessage(ctx, evt.MessageID)
	return err
}

// handleZulipSubscription syncs ghost membership for peer_add/peer_remove
// when member_sync is full. Half mode provisions lazily on first message.
func (b *Bridge) handleZulipSubscription(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	if evt.Op != "peer_add" && evt.Op != "peer_remove" {
		return nil
	}
	if b.cfg.Zulip.MemberSync != config.MemberSyncFull {
		b.logger.Debug("subscription change ignored",
			"organization", rt.org.OrgID, "op", evt.Op, "member_sync", b.cfg.Zulip.MemberSync)
		return nil
	}

	for _, streamID := range evt.StreamIDs {
		room, err := b.db.Rooms.GetByZulipStream(ctx, rt.org.ID, streamID, nil)
		if err != nil {
			return err
		}
		if room == nil {
			continue
		}
		for _, userID := range evt.UserIDs {
			if userID == rt.botUserID {
				continue
			}
			if err := b.syncGhostMembership(ctx, rt, room, userID, evt.Op); err != nil {
				b.logger.Warn("membership sync failed",
					"organization", rt.org.OrgID, "zulip_user_id", userID,
					"room_id", room.MatrixRoomID, "error", err)
			}
		}
	}
	return nil
}

func (b *Bridge) syncGhostMembership(ctx context.Context, rt *orgRuntime, room *store.RoomMapping, userID int64, op string) error {
	user, err := rt.client.GetUser(ctx, userID)
	if err != nil {
		user = &zulip.User{UserID: userID}
	}
	ghost, err := b.ghosts.GetOrCreate(ctx, user)
	if err != nil {
		return err
	}
	if op == "peer_add" {
		return b.ghosts.EnsureInRoom(ctx, ghost, id.RoomID(room.MatrixRoomID))
	}
	return b.ghosts.RemoveFromRoom(ctx, ghost, id.RoomID(room.MatrixRoomID), "unsubscribed on Zulip")
}

// handleZulipRealmUser keeps ghost profiles in step with realm_user
// add/update events.
func (b *Bridge) handleZulipRealmUser(ctx context.Context, rt *orgRuntime, evt *zulip.Event) error {
	if evt.Person == nil {
		return nil
	}
	switch evt.Op {
	case "add", "update":
		return b.ghosts.UpdateProfile(ctx, evt.Person)
	}
	return nil
}

// slugify turns a room name into a Matrix alias localpart fragment.
func slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
