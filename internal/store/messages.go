// ABOUTME: Message mapping store correlating relayed messages across both sides
// ABOUTME: Both the Matrix event ID and the Zulip message ID are table-wide unique

package store

import (
	"context"
	"fmt"
	"time"
)

// List limits for ListByMatrixRoom.
const (
	defaultMessageListLimit = 100
	maxMessageListLimit     = 1000
)

type messageStore struct {
	d *Database
}

type messageRow struct {
	ID             int64  `db:"id"`
	MatrixEventID  string `db:"matrix_event_id"`
	ZulipMessageID int64  `db:"zulip_message_id"`
	MatrixRoomID   string `db:"matrix_room_id"`
	ZulipSenderID  int64  `db:"zulip_sender_id"`
	MessageType    string `db:"message_type"`
	CreatedAt      string `db:"created_at"`
}

const messageColumns = `id, matrix_event_id, zulip_message_id, matrix_room_id, zulip_sender_id, message_type, created_at`

func (r messageRow) model() (*MessageMapping, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &MessageMapping{
		ID:             r.ID,
		MatrixEventID:  r.MatrixEventID,
		ZulipMessageID: r.ZulipMessageID,
		MatrixRoomID:   r.MatrixRoomID,
		ZulipSenderID:  r.ZulipSenderID,
		MessageType:    r.MessageType,
		CreatedAt:      createdAt,
	}, nil
}

func (s *messageStore) Create(ctx context.Context, msg *MessageMapping) error {
	now := time.Now().UTC()
	id, err := s.d.insert(ctx, `
		INSERT INTO message_mappings (matrix_event_id, zulip_message_id, matrix_room_id, zulip_sender_id, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MatrixEventID, msg.ZulipMessageID, msg.MatrixRoomID,
		msg.ZulipSenderID, msg.MessageType, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("creating message mapping %s: %w", msg.MatrixEventID, err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

func (s *messageStore) Get(ctx context.Context, id int64) (*MessageMapping, error) {
	var row messageRow
	if err := s.d.get(ctx, &row, `SELECT `+messageColumns+` FROM message_mappings WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (s *messageStore) GetByMatrixEvent(ctx context.Context, matrixEventID string) (*MessageMapping, error) {
	var row messageRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+messageColumns+` FROM message_mappings WHERE matrix_event_id = ?`, matrixEventID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *messageStore) GetByZulipMessage(ctx context.Context, zulipMessageID int64) (*MessageMapping, error) {
	var row messageRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+messageColumns+` FROM message_mappings WHERE zulip_message_id = ?`, zulipMessageID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *messageStore) ExistsByZulipMessage(ctx context.Context, zulipMessageID int64) (bool, error) {
	var count int
	err := s.d.get(ctx, &count,
		`SELECT COUNT(*) FROM message_mappings WHERE zulip_message_id = ?`, zulipMessageID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *messageStore) ListByMatrixRoom(ctx context.Context, matrixRoomID string, limit int) ([]*MessageMapping, error) {
	if limit <= 0 {
		limit = defaultMessageListLimit
	}
	if limit > maxMessageListLimit {
		limit = maxMessageListLimit
	}

	var rows []messageRow
	err := s.d.selectRows(ctx, &rows, `
		SELECT `+messageColumns+` FROM message_mappings
		WHERE matrix_room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, matrixRoomID, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]*MessageMapping, 0, len(rows))
	for _, row := range rows {
		msg, err := row.model()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *messageStore) DeleteByMatrixEvent(ctx context.Context, matrixEventID string) error {
	_, err := s.d.exec(ctx, `DELETE FROM message_mappings WHERE matrix_event_id = ?`, matrixEventID)
	if err != nil {
		return fmt.Errorf("deleting message mapping for %s: %w", matrixEventID, err)
	}
	return nil
}

func (s *messageStore) DeleteByZulipMessage(ctx context.Context, zulipMessageID int64) error {
	_, err := s.d.exec(ctx, `DELETE FROM message_mappings WHERE zulip_message_id = ?`, zulipMessageID)
	if err != nil {
		return fmt.Errorf("deleting message mapping for zulip message %d: %w", zulipMessageID, err)
	}
	return nil
}
