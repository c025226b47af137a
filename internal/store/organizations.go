// ABOUTME: Organization store backed by the organizations table
// ABOUTME: Tracks connected Zulip realms and their API credentials

package store

import (
	"context"
	"fmt"
	"time"
)

type organizationStore struct {
	d *Database
}

type organizationRow struct {
	ID                int64  `db:"id"`
	OrgID             string `db:"org_id"`
	Name              string `db:"name"`
	Site              string `db:"site"`
	Email             string `db:"email"`
	APIKey            string `db:"api_key"`
	Connected         bool   `db:"connected"`
	MaxBackfillAmount int    `db:"max_backfill_amount"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
}

const organizationColumns = `id, org_id, name, site, email, api_key, connected, max_backfill_amount, created_at, updated_at`

func (r organizationRow) model() (*Organization, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &Organization{
		ID:                r.ID,
		OrgID:             r.OrgID,
		Name:              r.Name,
		Site:              r.Site,
		Email:             r.Email,
		APIKey:            r.APIKey,
		Connected:         r.Connected,
		MaxBackfillAmount: r.MaxBackfillAmount,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func (s *organizationStore) Create(ctx context.Context, org *Organization) error {
	now := time.Now().UTC()
	id, err := s.d.insert(ctx, `
		INSERT INTO organizations (org_id, name, site, email, api_key, connected, max_backfill_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.OrgID, org.Name, org.Site, org.Email, org.APIKey, org.Connected,
		org.MaxBackfillAmount, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("creating organization %s: %w", org.OrgID, err)
	}
	org.ID = id
	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

func (s *organizationStore) Upsert(ctx context.Context, org *Organization) error {
	existing, err := s.GetByOrgID(ctx, org.OrgID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.Create(ctx, org)
	}

	now := time.Now().UTC()
	_, err = s.d.exec(ctx, `
		UPDATE organizations
		SET name = ?, site = ?, email = ?, api_key = ?, max_backfill_amount = ?, updated_at = ?
		WHERE id = ?`,
		org.Name, org.Site, org.Email, org.APIKey, org.MaxBackfillAmount,
		formatTime(now), existing.ID,
	)
	if err != nil {
		return fmt.Errorf("updating organization %s: %w", org.OrgID, err)
	}
	org.ID = existing.ID
	org.Connected = existing.Connected
	org.CreatedAt = existing.CreatedAt
	org.UpdatedAt = now
	return nil
}

func (s *organizationStore) Get(ctx context.Context, id int64) (*Organization, error) {
	var row organizationRow
	if err := s.d.get(ctx, &row, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return row.model()
}

func (s *organizationStore) GetByOrgID(ctx context.Context, orgID string) (*Organization, error) {
	var row organizationRow
	found, err := s.d.getOptional(ctx, &row, `SELECT `+organizationColumns+` FROM organizations WHERE org_id = ?`, orgID)
	if err != nil || !found {
		return nil, err
	}
	return row.model()
}

func (s *organizationStore) List(ctx context.Context) ([]*Organization, error) {
	var rows []organizationRow
	if err := s.d.selectRows(ctx, &rows, `SELECT `+organizationColumns+` FROM organizations ORDER BY org_id`); err != nil {
		return nil, err
	}
	orgs := make([]*Organization, 0, len(rows))
	for _, row := range rows {
		org, err := row.model()
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

func (s *organizationStore) Update(ctx context.Context, org *Organization) error {
	now := time.Now().UTC()
	affected, err := s.d.exec(ctx, `
		UPDATE organizations
		SET name = ?, site = ?, email = ?, api_key = ?, connected = ?, max_backfill_amount = ?, updated_at = ?
		WHERE id = ?`,
		org.Name, org.Site, org.Email, org.APIKey, org.Connected,
		org.MaxBackfillAmount, formatTime(now), org.ID,
	)
	if err != nil {
		return fmt.Errorf("updating organization %d: %w", org.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	org.UpdatedAt = now
	return nil
}

func (s *organizationStore) SetConnected(ctx context.Context, id int64, connected bool) error {
	affected, err := s.d.exec(ctx,
		`UPDATE organizations SET connected = ?, updated_at = ? WHERE id = ?`,
		connected, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("setting connected flag for organization %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *organizationStore) Delete(ctx context.Context, id int64) error {
	affected, err := s.d.exec(ctx, `DELETE FROM organizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting organization %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
