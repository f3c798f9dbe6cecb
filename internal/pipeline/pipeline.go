// Package pipeline runs the at-most-once send path: from a fired trigger
// callback through idempotence guards, identity resolution, tracking
// instrumentation, and provider delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/givance/outreach/internal/email"
	"github.com/givance/outreach/internal/identity"
	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/models"
	"github.com/givance/outreach/internal/tracking"
)

// Outcome of a single sendJob run.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeFailed      Outcome = "failed"
)

// JobStore is the slice of the job repository the pipeline needs.
type JobStore interface {
	GetByID(id string) (*models.EmailSendJob, error)
	ClaimForRun(id, expectedStatus, newStatus string) (bool, error)
	UpdateStatus(id, status, lastError string) error
}

// MessageStore is the slice of the message repository the pipeline needs.
type MessageStore interface {
	GetByID(id string) (*models.Message, error)
	UpdateStatus(id, sendStatus, lastError string) error
	MarkSent(id, trackingID string, sentAt time.Time) error
}

// CampaignStore resolves the campaign a job belongs to.
type CampaignStore interface {
	GetByID(id string) (*models.Campaign, error)
}

// Resolver picks the sending identity for a recipient.
type Resolver interface {
	Resolve(ctx context.Context, recipientID, orgID string) (*identity.Resolved, error)
}

// CompletionChecker is notified after every terminal message transition so
// the campaign status can catch up.
type CompletionChecker interface {
	CheckCompletion(ctx context.Context, campaignID string) error
}

// Config bounds a single send attempt.
type Config struct {
	SendTimeout time.Duration
}

// Pipeline executes send jobs.
type Pipeline struct {
	jobs      JobStore
	messages  MessageStore
	campaigns CampaignStore
	resolver  Resolver
	provider  Provider
	injector  *tracking.Injector
	checker   CompletionChecker
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
}

// New creates a send pipeline.
func New(jobs JobStore, messages MessageStore, campaigns CampaignStore, resolver Resolver, provider Provider, injector *tracking.Injector, checker CompletionChecker, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	return &Pipeline{
		jobs:      jobs,
		messages:  messages,
		campaigns: campaigns,
		resolver:  resolver,
		provider:  provider,
		injector:  injector,
		checker:   checker,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// SendJob is the trigger callback. It is safe to call concurrently for the
// same job: the claim on the job row and the set-once guard on the message
// row guarantee a single provider delivery.
func (p *Pipeline) SendJob(ctx context.Context, jobID string) (Outcome, error) {
	log := p.logger.With("job_id", jobID)

	job, err := p.jobs.GetByID(jobID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		log.Warn("trigger fired for unknown job")
		return OutcomeFailed, fmt.Errorf("job %s not found", jobID)
	}

	// Claim the job. A duplicate fire, or a fire for a job that was paused
	// or cancelled after the trigger was registered, loses here.
	claimed, err := p.jobs.ClaimForRun(jobID, models.JobStatusScheduled, models.JobStatusRunning)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		// The snapshot above predates the claim attempt: a concurrent fire
		// may have moved the job since. Classify from a fresh read.
		if cur, err := p.jobs.GetByID(jobID); err == nil && cur != nil {
			job = cur
		}
		log.Info("job not claimable, skipping", "status", job.Status)
		if models.IsTerminalJobStatus(job.Status) && job.Status != models.JobStatusCompleted {
			return OutcomeCancelled, nil
		}
		// Running, completed, or lost the claim race mid-transition: the
		// send is in other hands.
		p.metrics.DuplicateFiresTotal.Inc()
		return OutcomeAlreadySent, nil
	}

	msg, err := p.messages.GetByID(job.MessageID)
	if err != nil || msg == nil {
		return p.fail(ctx, job, nil, fmt.Sprintf("message %s not found", job.MessageID), "missing_message")
	}
	log = log.With("message_id", msg.ID, "campaign_id", msg.CampaignID)

	// Belt and braces on top of the claim: a message that was already sent
	// must never be sent again.
	if msg.IsSent {
		log.Info("message already sent, suppressing duplicate")
		p.metrics.DuplicateFiresTotal.Inc()
		p.jobs.UpdateStatus(job.ID, models.JobStatusCompleted, "")
		return OutcomeAlreadySent, nil
	}

	if msg.SendStatus == models.SendStatusPaused || msg.SendStatus == models.SendStatusCancelled {
		log.Info("message not sendable, cancelling job", "send_status", msg.SendStatus)
		p.jobs.UpdateStatus(job.ID, models.JobStatusCancelled, "message "+msg.SendStatus)
		p.metrics.MessagesCancelledTotal.WithLabelValues(msg.OrganizationID).Inc()
		return OutcomeCancelled, nil
	}

	campaign, err := p.campaigns.GetByID(msg.CampaignID)
	if err != nil || campaign == nil {
		return p.fail(ctx, job, msg, fmt.Sprintf("campaign %s not found", msg.CampaignID), "missing_campaign")
	}

	// A paused or cancelled campaign stops sends even when the job itself
	// slipped through: the job goes back to cancelled and the message keeps
	// or adopts the matching resting status.
	if campaign.Status == models.CampaignStatusPaused || campaign.Status == models.CampaignStatusCancelled {
		log.Info("campaign not sendable, cancelling job", "campaign_status", campaign.Status)
		p.jobs.UpdateStatus(job.ID, models.JobStatusCancelled, "campaign "+campaign.Status)
		restState := models.SendStatusPaused
		if campaign.Status == models.CampaignStatusCancelled {
			restState = models.SendStatusCancelled
		}
		p.messages.UpdateStatus(msg.ID, restState, "")
		p.metrics.MessagesCancelledTotal.WithLabelValues(msg.OrganizationID).Inc()
		return OutcomeCancelled, nil
	}

	// Messages are validated at scheduling time, but jobs created before the
	// address went bad (or by older schema versions) can still carry one.
	toEmail := email.Normalize(msg.RecipientEmail)
	if toEmail == "" {
		return p.fail(ctx, job, msg, fmt.Sprintf("invalid recipient address %q", msg.RecipientEmail), "invalid_recipient")
	}

	if err := p.messages.UpdateStatus(msg.ID, models.SendStatusSending, ""); err != nil {
		return p.fail(ctx, job, msg, fmt.Sprintf("mark sending: %v", err), "store")
	}

	resolved, err := p.resolver.Resolve(ctx, msg.RecipientID, msg.OrganizationID)
	if err != nil {
		errType := "identity"
		if errors.Is(err, identity.ErrCredentialExpired) {
			errType = "credential_expired"
		}
		return p.fail(ctx, job, msg, fmt.Sprintf("resolve identity: %v", err), errType)
	}
	log = log.With("identity_id", resolved.Identity.ID)

	trackingID := msg.TrackingID
	if trackingID == "" {
		trackingID = tracking.NewTrackingID()
	}
	htmlBody := msg.HTMLBody
	if p.injector != nil {
		htmlBody = p.injector.Instrument(htmlBody, trackingID)
	}

	delivery := &Delivery{
		FromName:   resolved.Identity.DisplayName,
		FromEmail:  resolved.Identity.Email,
		ToName:     msg.RecipientName,
		ToEmail:    toEmail,
		Subject:    msg.Subject,
		HTMLBody:   htmlBody,
		TextBody:   msg.TextBody,
		Credential: resolved.Credential,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	providerID, err := p.provider.Deliver(sendCtx, delivery)
	p.metrics.SendDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		errType := "permanent"
		if IsTemporaryError(err) {
			errType = "temporary"
		}
		return p.fail(ctx, job, msg, fmt.Sprintf("deliver: %v", err), errType)
	}

	// The provider accepted the message. Everything past this point must
	// not undo the send: record it, then best-effort the bookkeeping.
	if err := p.messages.MarkSent(msg.ID, trackingID, time.Now()); err != nil {
		log.Error("provider accepted but MarkSent failed", "error", err)
	}
	if err := p.jobs.UpdateStatus(job.ID, models.JobStatusCompleted, ""); err != nil {
		log.Error("job completion update failed", "error", err)
	}

	p.metrics.MessagesSentTotal.WithLabelValues(msg.OrganizationID).Inc()
	log.Info("message sent", "provider_message_id", providerID)

	p.checkCompletion(ctx, msg.CampaignID)
	return OutcomeSent, nil
}

// fail drives job and message to failed and still runs the completion
// check, since a terminal failure can be the last in-flight message.
func (p *Pipeline) fail(ctx context.Context, job *models.EmailSendJob, msg *models.Message, reason, errType string) (Outcome, error) {
	p.logger.Error("send failed", "job_id", job.ID, "reason", reason)

	if err := p.jobs.UpdateStatus(job.ID, models.JobStatusFailed, reason); err != nil {
		p.logger.Error("job failure update failed", "job_id", job.ID, "error", err)
	}
	if msg != nil {
		if err := p.messages.UpdateStatus(msg.ID, models.SendStatusFailed, reason); err != nil {
			p.logger.Error("message failure update failed", "message_id", msg.ID, "error", err)
		}
		p.metrics.MessagesFailedTotal.WithLabelValues(msg.OrganizationID, errType).Inc()
		p.checkCompletion(ctx, msg.CampaignID)
	}
	return OutcomeFailed, errors.New(reason)
}

func (p *Pipeline) checkCompletion(ctx context.Context, campaignID string) {
	if p.checker == nil {
		return
	}
	if err := p.checker.CheckCompletion(ctx, campaignID); err != nil {
		p.logger.Error("completion check failed", "campaign_id", campaignID, "error", err)
	}
}
