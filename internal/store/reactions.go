// ABOUTME: Reaction mapping store correlating reaction add/remove across sides
// ABOUTME: Zulip reaction IDs are synthetic; orphans are purged by the sweep

package store

import (
	"context"
	"fmt"
	"time"
)

type reactionStore struct {
	d *Database
}

type reactionRow struct {
	ID                    int64  `db:"id"`
	MatrixReactionEventID string `db:"matrix_reaction_event_id"`
	ZulipReactionID       int64  `db:"zulip_reaction_id"`
	ZulipMessageID        int64  `db:"zulip_message_id"`
	MatrixEventID         string `db:"matrix_event_id"`
	Emoji                 string `db:"emoji"`
	CreatedAt             string `db:"created_at"`
}

const reactionColumns = `id, matrix_reaction_event_id, zulip_reaction_id, zulip_message_id, matrix_event_id, emoji, created_at`

func (r reactionRow) model() (*ReactionMapping, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ReactionMapping{
		ID:                    r.ID,
		MatrixReactionEventID: r.MatrixReactionEventID,
		ZulipReactionID:       r.ZulipReactionID,
		ZulipMessageID:        r.ZulipMessageID,
		MatrixEventID:         r.MatrixEventID,
		Emoji:                 r.Emoji,
		CreatedAt:             createdAt,
	}, nil
}

func (s *reactionStore) Create(ctx context.Context, reaction *ReactionMapping) error {
	now := time.Now().UTC()
	id, err := s.d.insert(ctx, `
		INSERT INTO reaction_mappings (matrix_reaction_event_id, zulip_reaction_id, zulip_message_id, matrix_event_id, emoji, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reaction.MatrixReactionEventID, reaction.ZulipReactionID, reaction.ZulipMessageID,
		reaction.MatrixEventID, reaction.Emoji, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("creating reaction mapping %s: %w", reaction.MatrixReactionEventID, err)
	}
	reaction.ID = id
	reaction.CreatedAt = now
	return nil
}

func (s *reactionStore) GetByMatrixEvent(ctx context.Context, matrixReactionEventID string) (*ReactionMapping, error) {
	var row reactionRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+reactionColumns+` FROM reaction_mappings WHERE matrix_reaction_event_id = ?`,
		matrixReactionEventID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *reactionStore) GetByZulipReaction(ctx context.Context, zulipReactionID int64) (*ReactionMapping, error) {
	var row reactionRow
	found, err := s.d.getOptional(ctx, &row,
		`SELECT `+reactionColumns+` FROM reaction_mappings WHERE zulip_reaction_id = ?`,
		zulipReactionID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *reactionStore) ListByZulipMessage(ctx context.Context, zulipMessageID int64) ([]*ReactionMapping, error) {
	var rows []reactionRow
	err := s.d.selectRows(ctx, &rows, `
		SELECT `+reactionColumns+` FROM reaction_mappings
		WHERE zulip_message_id = ?
		ORDER BY id`, zulipMessageID)
	if err != nil {
		return nil, err
	}
	reactions := make([]*ReactionMapping, 0, len(rows))
	for _, row := range rows {
		reaction, err := row.model()
		if err != nil {
			return nil, err
		}
		reactions = append(reactions, reaction)
	}
	return reactions, nil
}

func (s *reactionStore) DeleteByMatrixEvent(ctx context.Context, matrixReactionEventID string) (int64, error) {
	affected, err := s.d.exec(ctx,
		`DELETE FROM reaction_mappings WHERE matrix_reaction_event_id = ?`, matrixReactionEventID)
	if err != nil {
		return 0, fmt.Errorf("deleting reaction mapping for %s: %w", matrixReactionEventID, err)
	}
	return affected, nil
}

func (s *reactionStore) DeleteByZulipReaction(ctx context.Context, zulipReactionID int64) (int64, error) {
	affected, err := s.d.exec(ctx,
		`DELETE FROM reaction_mappings WHERE zulip_reaction_id = ?`, zulipReactionID)
	if err != nil {
		return 0, fmt.Errorf("deleting reaction mapping for zulip reaction %d: %w", zulipReactionID, err)
	}
	return affected, nil
}

func (s *reactionStore) DeleteByZulipMessage(ctx context.Context, zulipMessageID int64) (int64, error) {
	affected, err := s.d.exec(ctx,
		`DELETE FROM reaction_mappings WHERE zulip_message_id = ?`, zulipMessageID)
	if err != nil {
		return 0, fmt.Errorf("deleting reaction mappings for zulip message %d: %w", zulipMessageID, err)
	}
	return affected, nil
}

func (s *reactionStore) DeleteOrphaned(ctx context.Context) (int64, error) {
	affected, err := s.d.exec(ctx, `
		DELETE FROM reaction_mappings
		WHERE zulip_message_id NOT IN (SELECT zulip_message_id FROM message_mappings)`)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned reaction mappings: %w", err)
	}
	return affected, nil
}
