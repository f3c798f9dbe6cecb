package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/givance/outreach/internal/models"
)

type CampaignRepository struct {
	db *DB
}

func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create persists a new campaign in status 'draft'.
func (r *CampaignRepository) Create(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, organization_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.Name, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil when not found.
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := r.db.QueryRow(`
		SELECT id, organization_id, name, status, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Status, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering.
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]*models.Campaign, error) {
	query := `
		SELECT id, organization_id, name, status, created_at, updated_at
		FROM campaigns WHERE 1=1`
	args := []any{}

	if filter.OrganizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		c := &models.Campaign{}
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ListNonTerminal returns campaigns whose status still admits transitions.
// Used by the stuck-campaign repair scan.
func (r *CampaignRepository) ListNonTerminal() ([]*models.Campaign, error) {
	rows, err := r.db.Query(`
		SELECT id, organization_id, name, status, created_at, updated_at
		FROM campaigns
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at`,
		models.CampaignStatusCompleted, models.CampaignStatusCompletedWithFailures, models.CampaignStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		c := &models.Campaign{}
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateStatus moves a campaign to a new status.
func (r *CampaignRepository) UpdateStatus(id, status string) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	return err
}
