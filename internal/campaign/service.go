// Package campaign orchestrates campaign lifecycle operations: scheduling
// pending messages into send jobs, pause/resume/cancel, the schedule report,
// and campaign completion tracking.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/givance/outreach/internal/email"
	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/models"
	"github.com/givance/outreach/internal/schedule"
	"github.com/givance/outreach/internal/trigger"
)

// JobStore is the slice of the job repository the service needs.
type JobStore interface {
	CreateBatch(jobs []*models.EmailSendJob) error
	GetByStatus(campaignID, status string) ([]*models.EmailSendJob, error)
	ListByCampaign(campaignID string) ([]*models.EmailSendJob, error)
	ListDueScheduled(cutoff time.Time) ([]*models.EmailSendJob, error)
	UpdateStatus(id, status, lastError string) error
	SetTriggerHandle(id, handle string) error
}

// MessageStore is the slice of the message repository the service needs.
type MessageStore interface {
	GetByStatus(campaignID, sendStatus string) ([]*models.Message, error)
	UpdateStatus(id, sendStatus, lastError string) error
	UpdateStatusFrom(id, expectedStatus, newStatus string) (bool, error)
	CountByStatus(campaignID string) (models.MessageCounts, error)
}

// CampaignStore is the slice of the campaign repository the service needs.
type CampaignStore interface {
	GetByID(id string) (*models.Campaign, error)
	List(filter models.CampaignListFilter) ([]*models.Campaign, error)
	ListNonTerminal() ([]*models.Campaign, error)
	UpdateStatus(id, status string) error
}

// Validator reports whether a recipient has a resolvable sender identity,
// without refreshing credentials.
type Validator interface {
	CanResolve(recipientID, orgID string) (bool, error)
}

// ScheduleConfigSource returns the schedule config for an organization.
type ScheduleConfigSource interface {
	ConfigFor(orgID string) (*schedule.Config, error)
}

// SkippedMessage reports one message excluded from a scheduling run.
type SkippedMessage struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
}

// ScheduleResult is the outcome of one ScheduleCampaign run.
type ScheduleResult struct {
	CampaignID          string           `json:"campaign_id"`
	TotalScheduled      int              `json:"total_scheduled"`
	ScheduledToday      int              `json:"scheduled_today"`
	ScheduledLater      int              `json:"scheduled_later"`
	Unscheduled         int              `json:"unscheduled"`
	Skipped             []SkippedMessage `json:"skipped,omitempty"`
	EstimatedCompletion *time.Time       `json:"estimated_completion,omitempty"`
}

// ScheduleReport is the read-only view returned by GetCampaignSchedule.
type ScheduleReport struct {
	Campaign      *models.Campaign       `json:"campaign"`
	MessageCounts models.MessageCounts   `json:"message_counts"`
	Jobs          []*models.EmailSendJob `json:"jobs"`
	NextSendTime  *time.Time             `json:"next_send_time,omitempty"`
	LastSendTime  *time.Time             `json:"last_send_time,omitempty"`
}

// Config bounds a scheduling run.
type Config struct {
	MaxDays int // scheduling horizon in allowed days
}

// Service drives campaign scheduling and lifecycle transitions.
type Service struct {
	jobs      JobStore
	messages  MessageStore
	campaigns CampaignStore
	triggers  trigger.Gateway
	validator Validator
	schedules ScheduleConfigSource
	scheduler *schedule.Scheduler
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates the campaign service.
func NewService(jobs JobStore, messages MessageStore, campaigns CampaignStore, triggers trigger.Gateway, validator Validator, schedules ScheduleConfigSource, scheduler *schedule.Scheduler, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 30
	}
	return &Service{
		jobs:      jobs,
		messages:  messages,
		campaigns: campaigns,
		triggers:  triggers,
		validator: validator,
		schedules: schedules,
		scheduler: scheduler,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "campaign_service"),
	}
}

// ScheduleCampaign assigns send times to every pending message of the
// campaign, persists one job per placed message, and registers a deferred
// trigger per job. Recipients with no resolvable sender identity are skipped
// and reported, not fatal to the batch.
func (s *Service) ScheduleCampaign(ctx context.Context, campaignID string) (*ScheduleResult, error) {
	log := s.logger.With("campaign_id", campaignID)

	campaign, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	if models.IsTerminalCampaignStatus(campaign.Status) {
		return nil, fmt.Errorf("campaign %s is %s", campaignID, campaign.Status)
	}

	cfg, err := s.schedules.ConfigFor(campaign.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load schedule config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("schedule config: %w", err)
	}

	pending, err := s.messages.GetByStatus(campaignID, models.SendStatusPending)
	if err != nil {
		return nil, fmt.Errorf("load pending messages: %w", err)
	}

	result := &ScheduleResult{CampaignID: campaignID, Skipped: []SkippedMessage{}}

	tasks := make([]schedule.Task, 0, len(pending))
	byID := make(map[string]*models.Message, len(pending))
	for _, msg := range pending {
		if !email.Valid(msg.RecipientEmail) {
			log.Warn("skipping message with invalid recipient address",
				"message_id", msg.ID, "recipient_email", msg.RecipientEmail)
			result.Skipped = append(result.Skipped, SkippedMessage{
				MessageID:   msg.ID,
				RecipientID: msg.RecipientID,
				Reason:      "invalid recipient address",
			})
			if err := s.messages.UpdateStatus(msg.ID, models.SendStatusPending, "invalid recipient address"); err != nil {
				log.Error("failed to record skip reason", "message_id", msg.ID, "error", err)
			}
			continue
		}

		ok, err := s.validator.CanResolve(msg.RecipientID, msg.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("validate recipient %s: %w", msg.RecipientID, err)
		}
		if !ok {
			log.Warn("skipping message with no resolvable identity",
				"message_id", msg.ID, "recipient_id", msg.RecipientID)
			result.Skipped = append(result.Skipped, SkippedMessage{
				MessageID:   msg.ID,
				RecipientID: msg.RecipientID,
				Reason:      "no credentialed sender identity",
			})
			if err := s.messages.UpdateStatus(msg.ID, models.SendStatusPending, "no credentialed sender identity"); err != nil {
				log.Error("failed to record skip reason", "message_id", msg.ID, "error", err)
			}
			continue
		}
		tasks = append(tasks, schedule.Task{ID: msg.ID, Priority: msg.Priority})
		byID[msg.ID] = msg
	}

	now := s.now()
	run := s.scheduler.Schedule(tasks, cfg, now, s.cfg.MaxDays)
	s.metrics.SchedulingRunsTotal.Inc()

	today := startOfDay(now, cfg.Location())
	tomorrow := today.AddDate(0, 0, 1)

	jobs := make([]*models.EmailSendJob, len(run.Scheduled))
	for i, st := range run.Scheduled {
		msg := byID[st.ID]
		jobs[i] = &models.EmailSendJob{
			MessageID:      msg.ID,
			CampaignID:     campaignID,
			OrganizationID: msg.OrganizationID,
			ScheduledTime:  st.ScheduledTime,
		}
	}
	if err := s.jobs.CreateBatch(jobs); err != nil {
		return result, fmt.Errorf("persist jobs: %w", err)
	}

	for i, st := range run.Scheduled {
		job := jobs[i]

		if err := s.messages.UpdateStatus(job.MessageID, models.SendStatusScheduled, ""); err != nil {
			return result, fmt.Errorf("mark message %s scheduled: %w", job.MessageID, err)
		}

		handle, err := s.triggers.ScheduleCallback(ctx, job.ID, st.ScheduledTime)
		if err != nil {
			return result, fmt.Errorf("register trigger for job %s: %w", job.ID, err)
		}
		if err := s.jobs.SetTriggerHandle(job.ID, handle); err != nil {
			return result, fmt.Errorf("record trigger handle for job %s: %w", job.ID, err)
		}

		result.TotalScheduled++
		t := st.ScheduledTime.In(cfg.Location())
		if !t.Before(today) && t.Before(tomorrow) {
			result.ScheduledToday++
		} else {
			result.ScheduledLater++
		}
		if result.EstimatedCompletion == nil || st.ScheduledTime.After(*result.EstimatedCompletion) {
			tc := st.ScheduledTime
			result.EstimatedCompletion = &tc
		}
	}

	result.Unscheduled = len(run.Unscheduled)
	for _, task := range run.Unscheduled {
		log.Warn("message could not be placed within horizon", "message_id", task.ID)
	}

	org := campaign.OrganizationID
	s.metrics.TasksScheduledTotal.WithLabelValues(org).Add(float64(result.TotalScheduled))
	s.metrics.TasksUnscheduledTotal.WithLabelValues(org).Add(float64(result.Unscheduled))

	if campaign.Status == models.CampaignStatusDraft || campaign.Status == models.CampaignStatusPaused {
		if err := s.campaigns.UpdateStatus(campaignID, models.CampaignStatusScheduled); err != nil {
			return result, fmt.Errorf("mark campaign scheduled: %w", err)
		}
	}

	log.Info("campaign scheduled",
		"total", result.TotalScheduled,
		"today", result.ScheduledToday,
		"later", result.ScheduledLater,
		"unscheduled", result.Unscheduled,
		"skipped", len(result.Skipped))
	return result, nil
}

// PauseCampaign cancels the triggers of every not-yet-fired job and parks
// the corresponding messages in 'paused'. Running and terminal jobs are left
// alone, so an in-flight send is never interrupted. Calling pause twice is a
// no-op the second time.
func (s *Service) PauseCampaign(ctx context.Context, campaignID string) (int, error) {
	log := s.logger.With("campaign_id", campaignID)

	jobs, err := s.jobs.GetByStatus(campaignID, models.JobStatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("load scheduled jobs: %w", err)
	}

	cancelled := 0
	for _, job := range jobs {
		if job.TriggerHandle != "" {
			res, err := s.triggers.Cancel(ctx, job.TriggerHandle)
			if err != nil {
				return cancelled, fmt.Errorf("cancel trigger for job %s: %w", job.ID, err)
			}
			if res == trigger.CancelAlreadyFired {
				// The callback is in flight; the claim guard will settle it.
				log.Info("trigger already fired, leaving job to the pipeline", "job_id", job.ID)
				continue
			}
		}

		if err := s.jobs.UpdateStatus(job.ID, models.JobStatusCancelled, "campaign paused"); err != nil {
			return cancelled, fmt.Errorf("cancel job %s: %w", job.ID, err)
		}
		if _, err := s.messages.UpdateStatusFrom(job.MessageID, models.SendStatusScheduled, models.SendStatusPaused); err != nil {
			return cancelled, fmt.Errorf("pause message %s: %w", job.MessageID, err)
		}
		cancelled++
	}

	if cancelled > 0 {
		if err := s.campaigns.UpdateStatus(campaignID, models.CampaignStatusPaused); err != nil {
			return cancelled, fmt.Errorf("mark campaign paused: %w", err)
		}
		s.metrics.CampaignsPausedTotal.Inc()
	}

	log.Info("campaign paused", "jobs_cancelled", cancelled)
	return cancelled, nil
}

// ResumeCampaign resets paused messages to pending and re-runs scheduling
// over just those messages.
func (s *Service) ResumeCampaign(ctx context.Context, campaignID string) (*ScheduleResult, error) {
	paused, err := s.messages.GetByStatus(campaignID, models.SendStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("load paused messages: %w", err)
	}

	for _, msg := range paused {
		if _, err := s.messages.UpdateStatusFrom(msg.ID, models.SendStatusPaused, models.SendStatusPending); err != nil {
			return nil, fmt.Errorf("reset message %s: %w", msg.ID, err)
		}
	}

	s.logger.Info("campaign resuming", "campaign_id", campaignID, "messages", len(paused))
	s.metrics.CampaignsResumedTotal.Inc()

	return s.ScheduleCampaign(ctx, campaignID)
}

// CancelCampaign pauses the campaign and then marks every remaining
// non-terminal message permanently cancelled. No resume is possible after.
func (s *Service) CancelCampaign(ctx context.Context, campaignID string) (int, error) {
	if _, err := s.PauseCampaign(ctx, campaignID); err != nil {
		return 0, err
	}

	cancelled := 0
	for _, status := range []string{models.SendStatusPending, models.SendStatusScheduled, models.SendStatusPaused} {
		msgs, err := s.messages.GetByStatus(campaignID, status)
		if err != nil {
			return cancelled, fmt.Errorf("load %s messages: %w", status, err)
		}
		for _, msg := range msgs {
			if err := s.messages.UpdateStatus(msg.ID, models.SendStatusCancelled, ""); err != nil {
				return cancelled, fmt.Errorf("cancel message %s: %w", msg.ID, err)
			}
			s.metrics.MessagesCancelledTotal.WithLabelValues(msg.OrganizationID).Inc()
			cancelled++
		}
	}

	if err := s.campaigns.UpdateStatus(campaignID, models.CampaignStatusCancelled); err != nil {
		return cancelled, fmt.Errorf("mark campaign cancelled: %w", err)
	}

	s.logger.Info("campaign cancelled", "campaign_id", campaignID, "messages_cancelled", cancelled)
	return cancelled, nil
}

// GetCampaignSchedule composes the read-only schedule report: campaign
// summary, per-status message counts, the job list, and next/last send times.
func (s *Service) GetCampaignSchedule(campaignID string) (*ScheduleReport, error) {
	campaign, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	counts, err := s.messages.CountByStatus(campaignID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	jobs, err := s.jobs.ListByCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	report := &ScheduleReport{
		Campaign:      campaign,
		MessageCounts: counts,
		Jobs:          jobs,
	}

	now := s.now()
	for _, job := range jobs {
		if job.Status == models.JobStatusScheduled && job.ScheduledTime.After(now) {
			if report.NextSendTime == nil || job.ScheduledTime.Before(*report.NextSendTime) {
				t := job.ScheduledTime
				report.NextSendTime = &t
			}
		}
		if job.ActualSendTime != nil {
			if report.LastSendTime == nil || job.ActualSendTime.After(*report.LastSendTime) {
				report.LastSendTime = job.ActualSendTime
			}
		}
	}

	return report, nil
}

// ListCampaigns returns campaigns matching the filter, newest first.
func (s *Service) ListCampaigns(filter models.CampaignListFilter) ([]*models.Campaign, error) {
	campaigns, err := s.campaigns.List(filter)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return campaigns, nil
}

// RetryMessage resets one failed message to pending so the next scheduling
// run picks it up again.
func (s *Service) RetryMessage(messageID string) error {
	ok, err := s.messages.UpdateStatusFrom(messageID, models.SendStatusFailed, models.SendStatusPending)
	if err != nil {
		return fmt.Errorf("retry message %s: %w", messageID, err)
	}
	if !ok {
		return fmt.Errorf("message %s is not in failed state", messageID)
	}
	s.logger.Info("message reset for retry", "message_id", messageID)
	return nil
}

// RecoverOrphanedJobs re-registers an immediate trigger for every job still
// in 'scheduled' past its send time (less the grace period) whose trigger is
// no longer pending. That covers a crash between ClaimDue and the callback
// as well as a job persisted before its trigger registration went through.
// Re-registering for a job whose callback did run is settled by the
// pipeline's claim guard. Returns the number of jobs re-registered.
func (s *Service) RecoverOrphanedJobs(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.now().Add(-grace)
	due, err := s.jobs.ListDueScheduled(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list due scheduled jobs: %w", err)
	}

	recovered := 0
	for _, job := range due {
		if job.TriggerHandle != "" {
			pending, err := s.triggers.Pending(ctx, job.TriggerHandle)
			if err != nil {
				return recovered, fmt.Errorf("check trigger for job %s: %w", job.ID, err)
			}
			if pending {
				continue // dispatcher will get to it
			}
		}

		handle, err := s.triggers.ScheduleCallback(ctx, job.ID, s.now())
		if err != nil {
			return recovered, fmt.Errorf("re-register trigger for job %s: %w", job.ID, err)
		}
		if err := s.jobs.SetTriggerHandle(job.ID, handle); err != nil {
			return recovered, fmt.Errorf("record trigger handle for job %s: %w", job.ID, err)
		}

		s.logger.Warn("re-registered trigger for orphaned job",
			"job_id", job.ID, "campaign_id", job.CampaignID,
			"scheduled_time", job.ScheduledTime)
		recovered++
	}
	return recovered, nil
}

// PreviewSchedule runs the scheduler over the campaign's pending messages
// without persisting anything, returning the would-be timing split.
func (s *Service) PreviewSchedule(campaignID string) (*ScheduleResult, error) {
	campaign, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	cfg, err := s.schedules.ConfigFor(campaign.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load schedule config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("schedule config: %w", err)
	}

	pending, err := s.messages.GetByStatus(campaignID, models.SendStatusPending)
	if err != nil {
		return nil, fmt.Errorf("load pending messages: %w", err)
	}

	tasks := make([]schedule.Task, 0, len(pending))
	for _, msg := range pending {
		tasks = append(tasks, schedule.Task{ID: msg.ID, Priority: msg.Priority})
	}

	now := s.now()
	run := s.scheduler.Schedule(tasks, cfg, now, s.cfg.MaxDays)

	today := startOfDay(now, cfg.Location())
	tomorrow := today.AddDate(0, 0, 1)

	result := &ScheduleResult{CampaignID: campaignID}
	for _, st := range run.Scheduled {
		result.TotalScheduled++
		t := st.ScheduledTime.In(cfg.Location())
		if !t.Before(today) && t.Before(tomorrow) {
			result.ScheduledToday++
		} else {
			result.ScheduledLater++
		}
		if result.EstimatedCompletion == nil || st.ScheduledTime.After(*result.EstimatedCompletion) {
			tc := st.ScheduledTime
			result.EstimatedCompletion = &tc
		}
	}
	result.Unscheduled = len(run.Unscheduled)
	return result, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
