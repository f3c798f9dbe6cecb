package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/givance/outreach/internal/models"
)

type IdentityRepository struct {
	db *DB
}

func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, organization_id, kind, display_name, email, is_primary, created_at, updated_at`

// Create persists a sender identity.
func (r *IdentityRepository) Create(id *models.SenderIdentity) error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	id.CreatedAt = time.Now()
	id.UpdatedAt = id.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO sender_identities (id, organization_id, kind, display_name, email, is_primary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.OrganizationID, id.Kind, id.DisplayName, id.Email, id.IsPrimary,
		id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// GetByID returns an identity by ID, or nil when not found.
func (r *IdentityRepository) GetByID(id string) (*models.SenderIdentity, error) {
	row := r.db.QueryRow(`SELECT `+identityColumns+` FROM sender_identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// GetAssigned returns the staff identity explicitly assigned to a recipient,
// or nil when there is no assignment.
func (r *IdentityRepository) GetAssigned(recipientID string) (*models.SenderIdentity, error) {
	row := r.db.QueryRow(`
		SELECT i.id, i.organization_id, i.kind, i.display_name, i.email, i.is_primary, i.created_at, i.updated_at
		FROM staff_assignments a
		JOIN sender_identities i ON a.identity_id = i.id
		WHERE a.recipient_id = ?`, recipientID)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// GetPrimary returns the organization's designated primary identity of the
// given kind, or nil when none is configured.
func (r *IdentityRepository) GetPrimary(orgID, kind string) (*models.SenderIdentity, error) {
	row := r.db.QueryRow(`
		SELECT `+identityColumns+` FROM sender_identities
		WHERE organization_id = ? AND kind = ? AND is_primary = 1
		LIMIT 1`, orgID, kind)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// Assign records the staff identity responsible for a recipient.
func (r *IdentityRepository) Assign(recipientID, identityID string) error {
	_, err := r.db.Exec(`
		INSERT INTO staff_assignments (recipient_id, identity_id) VALUES (?, ?)
		ON CONFLICT(recipient_id) DO UPDATE SET identity_id = excluded.identity_id`,
		recipientID, identityID,
	)
	return err
}

// GetCredential returns an identity's credential, or nil when it has none.
func (r *IdentityRepository) GetCredential(identityID string) (*models.ProviderCredential, error) {
	cred := &models.ProviderCredential{}
	var expiresAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, identity_id, provider, access_token, refresh_token, expires_at, updated_at
		FROM provider_credentials
		WHERE identity_id = ?
		LIMIT 1`, identityID,
	).Scan(&cred.ID, &cred.IdentityID, &cred.Provider, &cred.AccessToken,
		&cred.RefreshToken, &expiresAt, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}
	return cred, nil
}

// SaveCredential inserts or replaces an identity's credential. Last writer
// wins; refresh tokens stay valid for a grace window so a concurrent
// refresh overwriting this row is harmless.
func (r *IdentityRepository) SaveCredential(cred *models.ProviderCredential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.UpdatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO provider_credentials (id, identity_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		cred.ID, cred.IdentityID, cred.Provider, cred.AccessToken,
		cred.RefreshToken, cred.ExpiresAt, cred.UpdatedAt,
	)
	return err
}

func scanIdentity(row rowScanner) (*models.SenderIdentity, error) {
	ident := &models.SenderIdentity{}
	err := row.Scan(&ident.ID, &ident.OrganizationID, &ident.Kind, &ident.DisplayName,
		&ident.Email, &ident.IsPrimary, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return ident, nil
}
