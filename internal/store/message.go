package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/givance/outreach/internal/models"
)

type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, campaign_id, organization_id, recipient_id,
	recipient_email, recipient_name, subject, html_body, text_body, send_status,
	is_sent, sent_at, tracking_id, priority, last_error, created_at, updated_at`

// Create persists a new message in status 'pending'.
func (r *MessageRepository) Create(msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SendStatus == "" {
		msg.SendStatus = models.SendStatusPending
	}
	msg.CreatedAt = time.Now()
	msg.UpdatedAt = msg.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO messages (id, campaign_id, organization_id, recipient_id, recipient_email, recipient_name, subject, html_body, text_body, send_status, is_sent, tracking_id, priority, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CampaignID, msg.OrganizationID, msg.RecipientID, msg.RecipientEmail,
		msg.RecipientName, msg.Subject, msg.HTMLBody, msg.TextBody, msg.SendStatus,
		msg.IsSent, msg.TrackingID, msg.Priority, msg.LastError, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetByID returns a message by ID, or nil when not found.
func (r *MessageRepository) GetByID(id string) (*models.Message, error) {
	row := r.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetByStatus returns the campaign's messages in the given send status,
// ordered by descending priority then creation time.
func (r *MessageRepository) GetByStatus(campaignID, sendStatus string) ([]*models.Message, error) {
	rows, err := r.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE campaign_id = ? AND send_status = ?
		ORDER BY priority DESC, created_at`, campaignID, sendStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// UpdateStatus moves a message to a new send status, recording the error
// text. It never touches the is_sent flag.
func (r *MessageRepository) UpdateStatus(id, sendStatus, lastError string) error {
	_, err := r.db.Exec(`
		UPDATE messages SET send_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		sendStatus, lastError, time.Now(), id,
	)
	return err
}

// UpdateStatusFrom moves a message to a new send status only when it is
// still in the expected one. Returns false when the guard failed.
func (r *MessageRepository) UpdateStatusFrom(id, expectedStatus, newStatus string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE messages SET send_status = ?, updated_at = ?
		WHERE id = ? AND send_status = ?`,
		newStatus, time.Now(), id, expectedStatus,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent records provider acceptance: is_sent is set exactly once, along
// with sent_at, the tracking id used, and send_status = sent.
func (r *MessageRepository) MarkSent(id, trackingID string, sentAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE messages
		SET send_status = ?, is_sent = 1, sent_at = ?, tracking_id = ?, last_error = '', updated_at = ?
		WHERE id = ? AND is_sent = 0`,
		models.SendStatusSent, sentAt, trackingID, time.Now(), id,
	)
	return err
}

// CountByStatus returns per-send-status message counts for a campaign.
func (r *MessageRepository) CountByStatus(campaignID string) (models.MessageCounts, error) {
	rows, err := r.db.Query(`
		SELECT send_status, COUNT(*) FROM messages
		WHERE campaign_id = ?
		GROUP BY send_status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := models.MessageCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var sentAt sql.NullTime

	err := row.Scan(&msg.ID, &msg.CampaignID, &msg.OrganizationID, &msg.RecipientID,
		&msg.RecipientEmail, &msg.RecipientName, &msg.Subject, &msg.HTMLBody,
		&msg.TextBody, &msg.SendStatus, &msg.IsSent, &sentAt, &msg.TrackingID,
		&msg.Priority, &msg.LastError, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	msgs := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
