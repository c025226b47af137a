// ABOUTME: Matrix-to-Zulip relay: messages, edits, media, reactions, redactions
// ABOUTME: Implements the matrix.Handler interface on the bridge core

package bridge

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/format"
	"github.com/2389/zulip-bridge/internal/matrix"
	"github.com/2389/zulip-bridge/internal/store"
	"github.com/2389/zulip-bridge/internal/zulip"
)

// messageTypeFor maps a Matrix msgtype to the mapping row's message_type.
func messageTypeFor(msgType string) string {
	switch msgType {
	case "m.emote":
		return store.MessageTypeEmote
	case "m.notice":
		return store.MessageTypeNotice
	case "m.image":
		return store.MessageTypeImage
	case "m.file":
		return store.MessageTypeFile
	case "m.video":
		return store.MessageTypeVideo
	case "m.audio":
		return store.MessageTypeAudio
	default:
		return store.MessageTypeText
	}
}

func isMediaMsgType(msgType string) bool {
	switch msgType {
	case "m.image", "m.file", "m.video", "m.audio":
		return true
	}
	return false
}

// zulipTopicFor picks the Zulip topic for a mapped room: the mapping's
// own topic for per-topic rooms, the configured default for stream-wide
// ones.
func (b *Bridge) zulipTopicFor(room *store.RoomMapping) string {
	if room.ZulipTopic != nil {
		return *room.ZulipTopic
	}
	return b.cfg.Room.DefaultTopic
}

// HandleMessage relays an m.room.message (or m.sticker) into Zulip.
func (b *Bridge) HandleMessage(ctx context.Context, evt *matrix.MEvent) error {
	room, err := b.db.Rooms.GetByMatrixRoom(ctx, string(evt.RoomID))
	if err != nil {
		return err
	}
	if room == nil {
		// Only rooms the bridge mapped are relayed.
		return nil
	}
	rt, err := b.orgForRoom(room)
	if err != nil {
		return err
	}

	if evt.EditTarget != "" {
		return b.relayMatrixEdit(ctx, rt, evt)
	}

	content, err := b.matrixBodyToZulip(ctx, rt, evt)
	if err != nil {
		return err
	}
	if content == "" {
		return nil
	}

	if b.cfg.Room.AuthorPrefix {
		content = fmt.Sprintf("**%s**: %s", evt.Sender.Localpart(), content)
	}

	if evt.ReplyTo != "" {
		if prefix := b.zulipReplyPrefix(ctx, rt, evt.ReplyTo); prefix != "" {
			content = prefix + content
		}
	}

	var zulipID int64
	if room.RoomType == store.RoomTypeDirect {
		zulipID, err = rt.client.SendPrivateMessage(ctx, []int64{room.ZulipStreamID}, content)
	} else {
		zulipID, err = rt.client.SendStreamMessage(ctx, room.ZulipStreamID, b.zulipTopicFor(room), content)
	}
	if err != nil {
		return fmt.Errorf("relaying %s to zulip: %w", evt.ID, err)
	}

	mapping := &store.MessageMapping{
		MatrixEventID:  string(evt.ID),
		ZulipMessageID: zulipID,
		MatrixRoomID:   string(evt.RoomID),
		ZulipSenderID:  rt.botUserID,
		MessageType:    messageTypeFor(evt.MsgType),
	}
	if err := b.db.Messages.Create(ctx, mapping); err != nil {
		return fmt.Errorf("recording mapping for %s: %w", evt.ID, err)
	}
	return nil
}

// matrixBodyToZulip converts the event's content into Zulip markdown.
// Media events are downloaded and re-uploaded; the result is a link.
func (b *Bridge) matrixBodyToZulip(ctx context.Context, rt *orgRuntime, evt *matrix.MEvent) (string, error) {
	if evt.Type == "m.sticker" || isMediaMsgType(evt.MsgType) {
		if evt.MxcURL == "" {
			return "", nil
		}
		data, err := b.matrix.DownloadMedia(ctx, evt.MxcURL)
		if err != nil {
			return "", fmt.Errorf("downloading media for %s: %w", evt.ID, err)
		}
		name := evt.Body
		if name == "" {
			name = "attachment"
		}
		uri, err := rt.client.UploadFile(ctx, name, "", data)
		if err != nil {
			return "", fmt.Errorf("uploading media for %s: %w", evt.ID, err)
		}
		return fmt.Sprintf("[%s](%s)", name, uri), nil
	}

	switch evt.MsgType {
	case "m.emote":
		return "*" + evt.Body + "*", nil
	default:
		return evt.Body, nil
	}
}

// zulipReplyPrefix builds the Zulip quote header for a reply whose target
// maps to a Zulip message. Unmapped targets produce no prefix.
func (b *Bridge) zulipReplyPrefix(ctx context.Context, rt *orgRuntime, replyTo id.EventID) string {
	target, err := b.db.Messages.GetByMatrixEvent(ctx, string(replyTo))
	if err != nil || target == nil {
		return ""
	}

	author := ""
	if user, err := rt.client.GetUser(ctx, target.ZulipSenderID); err == nil {
		author = user.FullName
	}
	link := fmt.Sprintf("%s/#narrow/near/%d", rt.client.Site(), target.ZulipMessageID)
	return fmt.Sprintf("@_**%s|%d** [said](%s):\n```quote\n...\n```\n",
		author, target.ZulipSenderID, link)
}

// relayMatrixEdit forwards an m.replace edit to Zulip. Edits never insert
// a new mapping row; an unmapped target is dropped.
func (b *Bridge) relayMatrixEdit(ctx context.Context, rt *orgRuntime, evt *matrix.MEvent) error {
	target, err := b.db.Messages.GetByMatrixEvent(ctx, string(evt.EditTarget))
	if err != nil {
		return err
	}
	if target == nil {
		b.logger.Debug("edit of unmapped message dropped",
			"event_id", evt.ID, "target", evt.EditTarget)
		return nil
	}

	content := evt.NewBody
	if content == "" {
		content = strings.TrimPrefix(evt.Body, "* ")
	}
	if err := rt.client.EditMessage(ctx, target.ZulipMessageID, content); err != nil {
		return fmt.Errorf("relaying edit %s: %w", evt.ID, err)
	}
	return nil
}

// HandleReaction relays an m.reaction as a Zulip reaction from the bot.
// The mapping row is keyed on the synthetic reaction id under the bot's
// Zulip user so the Zulip-side echo is suppressed.
func (b *Bridge) HandleReaction(ctx context.Context, evt *matrix.MEvent) error {
	target, err := b.db.Messages.GetByMatrixEvent(ctx, string(evt.ReactionTarget))
	if err != nil {
		return err
	}
	if target == nil {
		b.logger.Debug("reaction to unmapped message dropped",
			"event_id", evt.ID, "target", evt.ReactionTarget)
		return nil
	}

	room, err := b.db.Rooms.GetByMatrixRoom(ctx, target.MatrixRoomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	rt, err := b.orgForRoom(room)
	if err != nil {
		return err
	}

	name, ok := format.EmojiName(evt.ReactionKey)
	if !ok {
		b.logger.Debug("unmappable reaction key dropped",
			"event_id", evt.ID, "key", evt.ReactionKey)
		return nil
	}
	code := ""
	if name != evt.ReactionKey {
		// A glyph from the table: pass its codepoints along.
		code = format.EmojiCode(evt.ReactionKey)
	}

	if err := rt.client.AddReaction(ctx, target.ZulipMessageID, name, code); err != nil {
		return fmt.Errorf("relaying reaction %s: %w", evt.ID, err)
	}

	echo := code
	if echo == "" {
		echo = name
	}
	mapping := &store.ReactionMapping{
		MatrixReactionEventID: string(evt.ID),
		ZulipReactionID:       zulip.ReactionID(target.ZulipMessageID, rt.botUserID, echo),
		ZulipMessageID:        target.ZulipMessageID,
		MatrixEventID:         string(evt.ReactionTarget),
		Emoji:                 evt.ReactionKey,
	}
	if err := b.db.Reactions.Create(ctx, mapping); err != nil {
		return fmt.Errorf("recording reaction mapping for %s: %w", evt.ID, err)
	}
	return nil
}

// HandleRedaction resolves a redaction against message mappings first,
// then reaction mappings. Unmapped targets are a no-op.
func (b *Bridge) HandleRedaction(ctx context.Context, evt *matrix.MEvent) error {
	if evt.Redacts == "" {
		return nil
	}

	msg, err := b.db.Messages.GetByMatrixEvent(ctx, string(evt.Redacts))
	if err != nil {
		return err
	}
	if msg != nil {
		return b.redactMappedMessage(ctx, evt, msg)
	}

	reaction, err := b.db.Reactions.GetByMatrixEvent(ctx, string(evt.Redacts))
	if err != nil {
		return err
	}
	if reaction != nil {
		return b.redactMappedReaction(ctx, evt, reaction)
	}
	return nil
}

func (b *Bridge) redactMappedMessage(ctx context.Context, evt *matrix.MEvent, msg *store.MessageMapping) error {
	room, err := b.db.Rooms.GetByMatrixRoom(ctx, msg.MatrixRoomID)
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	rt, err := b.orgForRoom(room)
	if err != nil {
		return err
	}

	if err := rt.client.DeleteMessage(ctx, msg.ZulipMessageID); err != nil {
		return fmt.Errorf("deleting zulip message %d: %w", msg.ZulipMessageID, err)
	}
	if err := b.db.Messages.DeleteByZulipMessage(ctx, msg.ZulipMessageID); err != nil {
		return err
	}
	if _, err := b.db.Reactions.DeleteByZulipMessage(ctx, msg.ZulipMessageID); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) redactMappedReaction(ctx context.Context, evt *matrix.MEvent, reaction *store.ReactionMapping) error {
	msg, err := b.db.Messages.GetByZulipMessage(ctx, reaction.ZulipMessageID)
	if err != nil {
		return err
	}
	var rt *orgRuntime
	if msg != nil {
		room, err := b.db.Rooms.GetByMatrixRoom(ctx, msg.MatrixRoomID)
		if err != nil {
			return err
		}
		if room != nil {
			if rt, err = b.orgForRoom(room); err != nil {
				return err
			}
		}
	}
	if rt == nil {
		// The message mapping is gone; just drop the stale row.
		_, err := b.db.Reactions.DeleteByMatrixEvent(ctx, string(evt.Redacts))
		return err
	}

	name, ok := format.EmojiName(reaction.Emoji)
	if !ok {
		name = reaction.Emoji
	}
	code := ""
	if name != reaction.Emoji {
		code = format.EmojiCode(reaction.Emoji)
	}
	if err := rt.client.RemoveReaction(ctx, reaction.ZulipMessageID, name, code); err != nil {
		return fmt.Errorf("removing zulip reaction on %d: %w", reaction.ZulipMessageID, err)
	}
	_, err = b.db.Reactions.DeleteByMatrixEvent(ctx, string(evt.Redacts))
	return err
}

// HandleMembership reacts to m.room.member events aimed at the bot:
// invites are auto-joined, removal purges the room mapping.
func (b *Bridge) HandleMembership(ctx context.Context, evt *matrix.MEvent) error {
	if id.UserID(evt.StateKey) != b.matrix.BotUserID() {
		b.logger.Debug("membership change for other user",
			"room_id", evt.RoomID, "state_key", evt.StateKey, "membership", evt.Membership)
		return nil
	}

	switch evt.Membership {
	case "invite":
		b.logger.Info("joining on invite", "room_id", evt.RoomID, "inviter", evt.Sender)
		return b.matrix.JoinRoom(ctx, evt.RoomID)
	case "leave", "ban":
		b.logger.Info("bot removed from room, purging mapping", "room_id", evt.RoomID)
		if err := b.db.Rooms.DeleteByMatrixRoom(ctx, string(evt.RoomID)); err != nil {
			return err
		}
		if b.cfg.Bridge.UnsafeMode {
			if err := b.matrix.LeaveRoom(ctx, evt.RoomID); err != nil {
				b.logger.Debug("leaving purged room failed", "room_id", evt.RoomID, "error", err)
			}
		}
		return nil
	default:
		return nil
	}
}

// HandleRoomMeta refreshes the cached stream name when a mapped room is
// renamed. There is no Zulip-side stream update to relay.
func (b *Bridge) HandleRoomMeta(ctx context.Context, evt *matrix.MEvent) error {
	if evt.Type != "m.room.name" || evt.RoomName == "" {
		b.logger.Debug("room meta event ignored", "type", evt.Type, "room_id", evt.RoomID)
		return nil
	}

	room, err := b.db.Rooms.GetByMatrixRoom(ctx, string(evt.RoomID))
	if err != nil {
		return err
	}
	if room == nil {
		return nil
	}
	room.ZulipStreamName = evt.RoomName
	return b.db.Rooms.Update(ctx, room)
}
