package campaign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/models"
)

// Checker flips a campaign to a terminal status once none of its messages
// remain in flight. It is invoked by the send pipeline after every terminal
// message transition, and by the fix-stuck repair scan.
type Checker struct {
	messages  MessageStore
	campaigns CampaignStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewChecker creates a completion checker.
func NewChecker(messages MessageStore, campaigns CampaignStore, m *metrics.Metrics, logger *slog.Logger) *Checker {
	return &Checker{
		messages:  messages,
		campaigns: campaigns,
		metrics:   m,
		logger:    logger.With("component", "completion_checker"),
	}
}

// CheckCompletion recounts the campaign's messages by status. When none
// remain pending, scheduled, or sending, the campaign becomes completed, or
// completed_with_failures when any message failed. Terminal campaigns are
// never touched.
func (c *Checker) CheckCompletion(ctx context.Context, campaignID string) error {
	campaign, err := c.campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return fmt.Errorf("campaign %s not found", campaignID)
	}
	if models.IsTerminalCampaignStatus(campaign.Status) {
		return nil
	}

	counts, err := c.messages.CountByStatus(campaignID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if counts.Total() == 0 {
		return nil
	}

	for status, n := range counts {
		if models.InFlight(status) && n > 0 {
			return nil
		}
	}

	status := models.CampaignStatusCompleted
	if counts[models.SendStatusFailed] > 0 {
		status = models.CampaignStatusCompletedWithFailures
	}

	if err := c.campaigns.UpdateStatus(campaignID, status); err != nil {
		return fmt.Errorf("mark campaign %s: %w", status, err)
	}

	c.metrics.CampaignsCompletedTotal.WithLabelValues(status).Inc()
	c.logger.Info("campaign completed",
		"campaign_id", campaignID,
		"status", status,
		"sent", counts[models.SendStatusSent],
		"failed", counts[models.SendStatusFailed],
		"cancelled", counts[models.SendStatusCancelled])
	return nil
}

// FixStuckCampaigns re-runs the completion check over every non-terminal
// campaign and returns how many were corrected. This compensates for
// completion checks lost to a crash between a terminal send and the
// checker call.
func (c *Checker) FixStuckCampaigns(ctx context.Context) (int, error) {
	campaigns, err := c.campaigns.ListNonTerminal()
	if err != nil {
		return 0, fmt.Errorf("list non-terminal campaigns: %w", err)
	}

	fixed := 0
	for _, campaign := range campaigns {
		before := campaign.Status
		if err := c.CheckCompletion(ctx, campaign.ID); err != nil {
			c.logger.Error("completion check failed", "campaign_id", campaign.ID, "error", err)
			continue
		}
		after, err := c.campaigns.GetByID(campaign.ID)
		if err != nil || after == nil {
			continue
		}
		if after.Status != before && models.IsTerminalCampaignStatus(after.Status) {
			fixed++
			c.metrics.StuckCampaignsFixed.Inc()
		}
	}

	c.logger.Info("stuck campaign scan finished", "scanned", len(campaigns), "fixed", fixed)
	return fixed, nil
}
