package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/givance/outreach/internal/identity"
	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/models"
	"github.com/givance/outreach/internal/tracking"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.EmailSendJob
}

func (f *fakeJobs) GetByID(id string) (*models.EmailSendJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ClaimForRun(id, expectedStatus, newStatus string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != expectedStatus {
		return false, nil
	}
	j.Status = newStatus
	j.AttemptCount++
	return true, nil
}

func (f *fakeJobs) UpdateStatus(id, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Status = status
		j.LastError = lastError
	}
	return nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs map[string]*models.Message
}

func (f *fakeMessages) GetByID(id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) UpdateStatus(id, sendStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok {
		m.SendStatus = sendStatus
		m.LastError = lastError
	}
	return nil
}

func (f *fakeMessages) MarkSent(id, trackingID string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.IsSent {
		return nil
	}
	m.IsSent = true
	m.SendStatus = models.SendStatusSent
	m.SentAt = &sentAt
	m.TrackingID = trackingID
	return nil
}

type fakeCampaigns struct {
	campaigns map[string]*models.Campaign
}

func (f *fakeCampaigns) GetByID(id string) (*models.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	return c, nil
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, recipientID, orgID string) (*identity.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &identity.Resolved{
		Identity: &models.SenderIdentity{
			ID:          "ident-1",
			Email:       "sender@example.com",
			DisplayName: "Sender One",
		},
		Credential: &models.ProviderCredential{IdentityID: "ident-1", AccessToken: "tok"},
	}, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	delivered []*Delivery
	err       error
}

func (f *fakeProvider) Deliver(ctx context.Context, d *Delivery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.delivered = append(f.delivered, d)
	return "<provider-id@test>", nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type fakeChecker struct {
	mu     sync.Mutex
	checks []string
}

func (f *fakeChecker) CheckCompletion(ctx context.Context, campaignID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, campaignID)
	return nil
}

type fixture struct {
	jobs      *fakeJobs
	messages  *fakeMessages
	campaigns *fakeCampaigns
	resolver  *fakeResolver
	provider  *fakeProvider
	checker   *fakeChecker
	metrics   *metrics.Metrics
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		jobs: &fakeJobs{jobs: map[string]*models.EmailSendJob{
			"job-1": {
				ID:         "job-1",
				MessageID:  "msg-1",
				CampaignID: "camp-1",
				Status:     models.JobStatusScheduled,
			},
		}},
		messages: &fakeMessages{msgs: map[string]*models.Message{
			"msg-1": {
				ID:             "msg-1",
				CampaignID:     "camp-1",
				OrganizationID: "org-1",
				RecipientID:    "rcpt-1",
				RecipientEmail: "to@example.com",
				Subject:        "Hello",
				HTMLBody:       `<html><body><a href="https://example.com/x">x</a></body></html>`,
				TextBody:       "Hello",
				SendStatus:     models.SendStatusScheduled,
			},
		}},
		campaigns: &fakeCampaigns{campaigns: map[string]*models.Campaign{
			"camp-1": {ID: "camp-1", Status: models.CampaignStatusScheduled},
		}},
		resolver: &fakeResolver{},
		provider: &fakeProvider{},
		checker:  &fakeChecker{},
	}

	f.metrics = metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.pipeline = New(
		f.jobs, f.messages, f.campaigns, f.resolver, f.provider,
		tracking.NewInjector("https://track.example.com"),
		f.checker, f.metrics, Config{SendTimeout: time.Second}, logger,
	)
	return f
}

func duplicateFires(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	var metric dto.Metric
	if err := m.DuplicateFiresTotal.Write(&metric); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestSendJobSuccess(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("expected outcome sent, got %s", outcome)
	}

	if f.provider.count() != 1 {
		t.Errorf("expected 1 delivery, got %d", f.provider.count())
	}

	msg, _ := f.messages.GetByID("msg-1")
	if !msg.IsSent || msg.SendStatus != models.SendStatusSent {
		t.Errorf("message not marked sent: is_sent=%v status=%s", msg.IsSent, msg.SendStatus)
	}
	if msg.TrackingID == "" {
		t.Error("expected a tracking id to be assigned")
	}

	job, _ := f.jobs.GetByID("job-1")
	if job.Status != models.JobStatusCompleted {
		t.Errorf("expected job completed, got %s", job.Status)
	}

	if len(f.checker.checks) != 1 || f.checker.checks[0] != "camp-1" {
		t.Errorf("expected one completion check for camp-1, got %v", f.checker.checks)
	}
}

func TestSendJobDuplicateFire(t *testing.T) {
	f := newFixture(t)

	if outcome, _ := f.pipeline.SendJob(context.Background(), "job-1"); outcome != OutcomeSent {
		t.Fatalf("first fire: expected sent, got %s", outcome)
	}
	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second fire returned error: %v", err)
	}
	if outcome != OutcomeAlreadySent {
		t.Fatalf("second fire: expected already_sent, got %s", outcome)
	}

	if f.provider.count() != 1 {
		t.Errorf("expected exactly 1 delivery after duplicate fire, got %d", f.provider.count())
	}
}

func TestSendJobConcurrentFires(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pipeline.SendJob(context.Background(), "job-1")
		}()
	}
	wg.Wait()

	if f.provider.count() != 1 {
		t.Errorf("expected exactly 1 delivery under concurrent fires, got %d", f.provider.count())
	}
}

// slippingJobs moves the job to completed behind the caller's back the first
// time a scheduled snapshot is read, so the subsequent claim fails against a
// state the snapshot never saw.
type slippingJobs struct {
	*fakeJobs
	slipped bool
}

func (s *slippingJobs) GetByID(id string) (*models.EmailSendJob, error) {
	j, err := s.fakeJobs.GetByID(id)
	if err == nil && j != nil && !s.slipped && j.Status == models.JobStatusScheduled {
		s.slipped = true
		s.fakeJobs.ClaimForRun(id, models.JobStatusScheduled, models.JobStatusRunning)
		s.fakeJobs.UpdateStatus(id, models.JobStatusCompleted, "")
	}
	return j, err
}

func TestSendJobClaimLostToConcurrentFire(t *testing.T) {
	f := newFixture(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(
		&slippingJobs{fakeJobs: f.jobs}, f.messages, f.campaigns, f.resolver, f.provider,
		tracking.NewInjector("https://track.example.com"),
		f.checker, f.metrics, Config{SendTimeout: time.Second}, logger,
	)

	outcome, err := p.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	if outcome != OutcomeAlreadySent {
		t.Fatalf("expected already_sent when another fire won the claim, got %s", outcome)
	}
	if f.provider.count() != 0 {
		t.Errorf("expected no delivery from the losing fire, got %d", f.provider.count())
	}
	if n := duplicateFires(t, f.metrics); n != 1 {
		t.Errorf("duplicate fires counter = %v, want 1", n)
	}
}

func TestSendJobCancelledJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["job-1"].Status = models.JobStatusCancelled

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	if outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", outcome)
	}
	if f.provider.count() != 0 {
		t.Errorf("expected no delivery for cancelled job, got %d", f.provider.count())
	}
	if n := duplicateFires(t, f.metrics); n != 0 {
		t.Errorf("duplicate fires counter = %v, want 0", n)
	}
}

func TestSendJobPausedCampaign(t *testing.T) {
	f := newFixture(t)
	f.campaigns.campaigns["camp-1"].Status = models.CampaignStatusPaused

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	if outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", outcome)
	}

	if f.provider.count() != 0 {
		t.Errorf("expected no delivery for paused campaign, got %d", f.provider.count())
	}
	job, _ := f.jobs.GetByID("job-1")
	if job.Status != models.JobStatusCancelled {
		t.Errorf("expected job cancelled, got %s", job.Status)
	}
	msg, _ := f.messages.GetByID("msg-1")
	if msg.SendStatus != models.SendStatusPaused {
		t.Errorf("expected message paused, got %s", msg.SendStatus)
	}
}

func TestSendJobCancelledCampaign(t *testing.T) {
	f := newFixture(t)
	f.campaigns.campaigns["camp-1"].Status = models.CampaignStatusCancelled

	outcome, _ := f.pipeline.SendJob(context.Background(), "job-1")
	if outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", outcome)
	}
	msg, _ := f.messages.GetByID("msg-1")
	if msg.SendStatus != models.SendStatusCancelled {
		t.Errorf("expected message cancelled, got %s", msg.SendStatus)
	}
}

func TestSendJobIdentityFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = identity.ErrNoIdentityAvailable

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}

	job, _ := f.jobs.GetByID("job-1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("expected job failed, got %s", job.Status)
	}
	msg, _ := f.messages.GetByID("msg-1")
	if msg.SendStatus != models.SendStatusFailed {
		t.Errorf("expected message failed, got %s", msg.SendStatus)
	}
	if len(f.checker.checks) != 1 {
		t.Errorf("expected completion check after failure, got %v", f.checker.checks)
	}
}

func TestSendJobDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.err = &DeliveryError{Temporary: false, Message: "550 mailbox unavailable"}

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}

	msg, _ := f.messages.GetByID("msg-1")
	if msg.IsSent {
		t.Error("message must not be marked sent after delivery failure")
	}
	if msg.SendStatus != models.SendStatusFailed {
		t.Errorf("expected message failed, got %s", msg.SendStatus)
	}
}

func TestSendJobUnknownJob(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.pipeline.SendJob(context.Background(), "no-such-job")
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
}

func TestSendJobNormalizesRecipientAddress(t *testing.T) {
	f := newFixture(t)
	f.messages.msgs["msg-1"].RecipientEmail = "Donor Name <DONOR@Example.ORG>"

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("expected sent, got %s", outcome)
	}
	if got := f.provider.delivered[0].ToEmail; got != "donor@example.org" {
		t.Errorf("delivered to %q, want donor@example.org", got)
	}
}

func TestSendJobInvalidRecipientAddress(t *testing.T) {
	f := newFixture(t)
	f.messages.msgs["msg-1"].RecipientEmail = "not-an-address"

	outcome, err := f.pipeline.SendJob(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if f.provider.count() != 0 {
		t.Errorf("expected no delivery, got %d", f.provider.count())
	}
	msg, _ := f.messages.GetByID("msg-1")
	if msg.SendStatus != models.SendStatusFailed {
		t.Errorf("expected message failed, got %s", msg.SendStatus)
	}
}

func TestSendJobInstrumentsTracking(t *testing.T) {
	f := newFixture(t)

	if _, err := f.pipeline.SendJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}

	d := f.provider.delivered[0]
	if !strings.Contains(d.HTMLBody, "track.example.com/t/click/") || !strings.Contains(d.HTMLBody, "/t/open/") {
		t.Errorf("expected instrumented body, got %q", d.HTMLBody)
	}
}

func TestIsTemporaryError(t *testing.T) {
	if !IsTemporaryError(&DeliveryError{Temporary: true}) {
		t.Error("temporary DeliveryError should be temporary")
	}
	if IsTemporaryError(&DeliveryError{Temporary: false}) {
		t.Error("permanent DeliveryError should not be temporary")
	}
	if !IsTemporaryError(errors.New("plain")) {
		t.Error("unclassified errors default to temporary")
	}
}
