// ABOUTME: Room mapping store linking Matrix rooms to Zulip streams
// ABOUTME: Enforces uniqueness per room and per (organization, stream, topic)

package store

import (
	"context"
	"fmt"
	"time"
)

type roomStore struct {
	d *Database
}

type roomRow struct {
	ID              int64   `db:"id"`
	OrganizationID  int64   `db:"organization_id"`
	MatrixRoomID    string  `db:"matrix_room_id"`
	ZulipStreamID   int64   `db:"zulip_stream_id"`
	ZulipTopic      *string `db:"zulip_topic"`
	ZulipStreamName string  `db:"zulip_stream_name"`
	RoomType        string  `db:"room_type"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

const roomColumns = `id, organization_id, matrix_room_id, zulip_stream_id, zulip_topic, zulip_stream_name, room_type, created_at, updated_at`

func (r roomRow) model() (*RoomMapping, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &RoomMapping{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		MatrixRoomID:    r.MatrixRoomID,
		ZulipStreamID:   r.ZulipStreamID,
		ZulipTopic:      r.ZulipTopic,
		ZulipStreamName: r.ZulipStreamName,
		RoomType:        r.RoomType,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func (s *roomStore) Create(ctx context.Context, room *RoomMapping) error {
	now := time.Now().UTC()
	id, err := s.d.insert(ctx, `
		INSERT INTO room_mappings (organization_id, matrix_room_id, zulip_stream_id, zulip_topic, zulip_stream_name, room_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.OrganizationID, room.MatrixRoomID, room.ZulipStreamID, room.ZulipTopic,
		room.ZulipStreamName, room.RoomType, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("creating room mapping %s: %w", room.MatrixRoomID, err)
	}
	room.ID = id
	room.CreatedAt = now
	room.UpdatedAt = now
	return nil
}

func (s *roomStore) Get(ctx context.Context, id int64) (*RoomMapping, error) {
	var row roomRow
	if err := s.d.get(ctx, &row, `SELECT `+roomColumns+` FROM room_mappings WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (s *roomStore) GetByMatrixRoom(ctx context.Context, matrixRoomID string) (*RoomMapping, error) {
	var row roomRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+roomColumns+` FROM room_mappings WHERE matrix_room_id = ?`, matrixRoomID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *roomStore) GetByZulipStream(ctx context.Context, organizationID, zulipStreamID int64, topic *string) (*RoomMapping, error) {
	var row roomRow
	var found bool
	var err error
	if topic == nil {
		found, err = s.d.getOptional(ctx, &row, `
			SELECT `+roomColumns+` FROM room_mappings
			WHERE organization_id = ? AND zulip_stream_id = ? AND zulip_topic IS NULL`,
			organizationID, zulipStreamID)
	} else {
		found, err = s.d.getOptional(ctx, &row, `
			SELECT `+roomColumns+` FROM room_mappings
			WHERE organization_id = ? AND zulip_stream_id = ? AND zulip_topic = ?`,
			organizationID, zulipStreamID, *topic)
	}
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *roomStore) ListByOrganization(ctx context.Context, organizationID int64) ([]*RoomMapping, error) {
	var rows []roomRow
	err := s.d.selectRows(ctx, &rows, `
		SELECT `+roomColumns+` FROM room_mappings
		WHERE organization_id = ?
		ORDER BY zulip_stream_id, zulip_topic`, organizationID)
	if err != nil {
		return nil, err
	}
	rooms := make([]*RoomMapping, 0, len(rows))
	for _, row := range rows {
		room, err := row.model()
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *roomStore) CountByOrganization(ctx context.Context, organizationID int64) (int, error) {
	var count int
	err := s.d.get(ctx, &count,
		`SELECT COUNT(*) FROM room_mappings WHERE organization_id = ?`, organizationID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *roomStore) Update(ctx context.Context, room *RoomMapping) error {
	now := time.Now().UTC()
	affected, err := s.d.exec(ctx, `
		UPDATE room_mappings
		SET zulip_topic = ?, zulip_stream_name = ?, room_type = ?, updated_at = ?
		WHERE id = ?`,
		room.ZulipTopic, room.ZulipStreamName, room.RoomType, formatTime(now), room.ID,
	)
	if err != nil {
		return fmt.Errorf("updating room mapping %d: %w", room.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	room.UpdatedAt = now
	return nil
}

func (s *roomStore) Delete(ctx context.Context, id int64) error {
	affected, err := s.d.exec(ctx, `DELETE FROM room_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting room mapping %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *roomStore) DeleteByMatrixRoom(ctx context.Context, matrixRoomID string) error {
	_, err := s.d.exec(ctx, `DELETE FROM room_mappings WHERE matrix_room_id = ?`, matrixRoomID)
	if err != nil {
		return fmt.Errorf("deleting room mapping for %s: %w", matrixRoomID, err)
	}
	return nil
}
