// ABOUTME: User mapping store for ghost identities
// ABOUTME: Links Zulip user IDs to the bridge-owned Matrix ghost users

package store

import (
	"context"
	"fmt"
	"time"
)

type userStore struct {
	d *Database
}

type userRow struct {
	ID           int64   `db:"id"`
	MatrixUserID string  `db:"matrix_user_id"`
	ZulipUserID  int64   `db:"zulip_user_id"`
	Email        *string `db:"email"`
	DisplayName  *string `db:"display_name"`
	AvatarURL    *string `db:"avatar_url"`
	IsBot        bool    `db:"is_bot"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
}

const userColumns = `id, matrix_user_id, zulip_user_id, email, display_name, avatar_url, is_bot, created_at, updated_at`

func (r userRow) model() (*UserMapping, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &UserMapping{
		ID:           r.ID,
		MatrixUserID: r.MatrixUserID,
		ZulipUserID:  r.ZulipUserID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		AvatarURL:    r.AvatarURL,
		IsBot:        r.IsBot,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func (s *userStore) Create(ctx context.Context, user *UserMapping) error {
	now := time.Now().UTC()
	id, err := s.d.insert(ctx, `
		INSERT INTO user_mappings (matrix_user_id, zulip_user_id, email, display_name, avatar_url, is_bot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.MatrixUserID, user.ZulipUserID, user.Email, user.DisplayName,
		user.AvatarURL, user.IsBot, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("creating user mapping %s: %w", user.MatrixUserID, err)
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

func (s *userStore) Get(ctx context.Context, id int64) (*UserMapping, error) {
	var row userRow
	if err := s.d.get(ctx, &row, `SELECT `+userColumns+` FROM user_mappings WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (s *userStore) GetByMatrixUser(ctx context.Context, matrixUserID string) (*UserMapping, error) {
	var row userRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+userColumns+` FROM user_mappings WHERE matrix_user_id = ?`, matrixUserID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *userStore) GetByZulipUser(ctx context.Context, zulipUserID int64) (*UserMapping, error) {
	var row userRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+userColumns+` FROM user_mappings WHERE zulip_user_id = ?`, zulipUserID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *userStore) Update(ctx context.Context, user *UserMapping) error {
	now := time.Now().UTC()
	affected, err := s.d.exec(ctx, `
		UPDATE user_mappings
		SET email = ?, display_name = ?, avatar_url = ?, is_bot = ?, updated_at = ?
		WHERE id = ?`,
		user.Email, user.DisplayName, user.AvatarURL, user.IsBot, formatTime(now), user.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user mapping %d: %w", user.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	user.UpdatedAt = now
	return nil
}

func (s *userStore) Delete(ctx context.Context, id int64) error {
	affected, err := s.d.exec(ctx, `DELETE FROM user_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user mapping %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
