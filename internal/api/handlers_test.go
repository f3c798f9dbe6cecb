package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/givance/outreach/internal/campaign"
	"github.com/givance/outreach/internal/config"
	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/models"
	"github.com/givance/outreach/internal/schedule"
	"github.com/givance/outreach/internal/store"
	"github.com/givance/outreach/internal/trigger"
)

type stubTriggers struct {
	seq int
}

func (s *stubTriggers) ScheduleCallback(ctx context.Context, jobID string, at time.Time) (string, error) {
	s.seq++
	return fmt.Sprintf("trig-%d", s.seq), nil
}

func (s *stubTriggers) Cancel(ctx context.Context, handle string) (trigger.CancelResult, error) {
	return trigger.CancelOK, nil
}

func (s *stubTriggers) Pending(ctx context.Context, handle string) (bool, error) {
	return true, nil
}

type allowAllValidator struct{}

func (allowAllValidator) CanResolve(recipientID, orgID string) (bool, error) { return true, nil }

type fixedConfigSource struct{ cfg *schedule.Config }

func (s fixedConfigSource) ConfigFor(orgID string) (*schedule.Config, error) { return s.cfg, nil }

func setupServer(t *testing.T) (*Server, *store.DB, *models.Campaign) {
	t.Helper()

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	camp := &models.Campaign{OrganizationID: "org-1", Name: "autumn appeal"}
	if err := store.NewCampaignRepository(db).Create(camp); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	msgs := store.NewMessageRepository(db)
	for i := 1; i <= 2; i++ {
		msg := &models.Message{
			CampaignID:     camp.ID,
			OrganizationID: "org-1",
			RecipientID:    fmt.Sprintf("donor-%d", i),
			RecipientEmail: fmt.Sprintf("donor%d@example.org", i),
			Subject:        "Hello",
			HTMLBody:       "<p>Hello</p>",
		}
		if err := msgs.Create(msg); err != nil {
			t.Fatalf("failed to create message: %v", err)
		}
	}

	cfg := &schedule.Config{
		DailyLimit:       10,
		MinGapMinutes:    1,
		MaxGapMinutes:    1,
		Timezone:         "UTC",
		AllowedDays:      []int{0, 1, 2, 3, 4, 5, 6},
		AllowedStartTime: "00:00",
		AllowedEndTime:   "23:59",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("schedule config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	messages := store.NewMessageRepository(db)
	jobs := store.NewJobRepository(db)
	campaigns := store.NewCampaignRepository(db)

	svc := campaign.NewService(
		jobs, messages, campaigns,
		&stubTriggers{}, allowAllValidator{}, fixedConfigSource{cfg: cfg},
		schedule.NewScheduler(nil), m, campaign.Config{MaxDays: 7}, logger,
	)
	checker := campaign.NewChecker(messages, campaigns, m, logger)

	srv := NewServer(svc, checker, m, &config.ServerConfig{ListenAddr: ":0"}, logger)
	return srv, db, camp
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListCampaignsEndpoint(t *testing.T) {
	srv, db, camp := setupServer(t)

	other := &models.Campaign{OrganizationID: "org-2", Name: "winter appeal"}
	if err := store.NewCampaignRepository(db).Create(other); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/campaigns")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var all []*models.Campaign
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(all))
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/campaigns?organization_id=org-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var filtered []*models.Campaign
	if err := json.NewDecoder(rec.Body).Decode(&filtered); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != camp.ID {
		t.Fatalf("unexpected filtered campaigns: %+v", filtered)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/api/v1/campaigns?limit=x"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestScheduleEndpoint(t *testing.T) {
	srv, _, camp := setupServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/schedule")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result campaign.ScheduleResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.TotalScheduled != 2 {
		t.Errorf("expected 2 scheduled, got %d", result.TotalScheduled)
	}
}

func TestScheduleEndpointUnknownCampaign(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/nope/schedule")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	srv, _, camp := setupServer(t)

	if rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/schedule"); rec.Code != http.StatusOK {
		t.Fatalf("schedule: %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pause PauseResponse
	if err := json.NewDecoder(rec.Body).Decode(&pause); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pause.JobsCancelled != 2 {
		t.Errorf("expected 2 jobs cancelled, got %d", pause.JobsCancelled)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/resume")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resumed campaign.ScheduleResult
	if err := json.NewDecoder(rec.Body).Decode(&resumed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resumed.TotalScheduled != 2 {
		t.Errorf("expected 2 rescheduled, got %d", resumed.TotalScheduled)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, db, camp := setupServer(t)

	if rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/schedule"); rec.Code != http.StatusOK {
		t.Fatalf("schedule failed")
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/cancel")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := store.NewCampaignRepository(db).GetByID(camp.ID)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if got.Status != models.CampaignStatusCancelled {
		t.Errorf("expected campaign cancelled, got %s", got.Status)
	}
}

func TestScheduleReportEndpoint(t *testing.T) {
	srv, _, camp := setupServer(t)

	if rec := doRequest(t, srv, http.MethodPost, "/api/v1/campaigns/"+camp.ID+"/schedule"); rec.Code != http.StatusOK {
		t.Fatalf("schedule failed")
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/campaigns/"+camp.ID+"/schedule")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report campaign.ScheduleReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(report.Jobs) != 2 {
		t.Errorf("expected 2 jobs in report, got %d", len(report.Jobs))
	}
	if report.MessageCounts[models.SendStatusScheduled] != 2 {
		t.Errorf("expected 2 scheduled messages, got %v", report.MessageCounts)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, db, camp := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/campaigns/"+camp.ID+"/preview")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	jobs, err := store.NewJobRepository(db).ListByCampaign(camp.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("preview must not persist jobs, found %d", len(jobs))
	}
}

func TestRetryEndpoint(t *testing.T) {
	srv, db, camp := setupServer(t)

	msgs := store.NewMessageRepository(db)
	failed, err := msgs.GetByStatus(camp.ID, models.SendStatusPending)
	if err != nil || len(failed) == 0 {
		t.Fatalf("seed lookup failed: %v", err)
	}
	if err := msgs.UpdateStatus(failed[0].ID, models.SendStatusFailed, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/messages/"+failed[0].ID+"/retry")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := msgs.GetByID(failed[0].ID)
	if got.SendStatus != models.SendStatusPending {
		t.Errorf("expected pending after retry, got %s", got.SendStatus)
	}

	// Retrying a message that is not failed conflicts.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/messages/"+failed[0].ID+"/retry")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestFixStuckEndpoint(t *testing.T) {
	srv, db, camp := setupServer(t)

	msgs := store.NewMessageRepository(db)
	pending, err := msgs.GetByStatus(camp.ID, models.SendStatusPending)
	if err != nil {
		t.Fatalf("seed lookup failed: %v", err)
	}
	for _, msg := range pending {
		if err := msgs.MarkSent(msg.ID, "track-"+msg.ID, time.Now()); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
	}
	if err := store.NewCampaignRepository(db).UpdateStatus(camp.ID, models.CampaignStatusScheduled); err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/maintenance/fix-stuck")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp FixStuckResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Fixed != 1 {
		t.Errorf("expected 1 fixed, got %d", resp.Fixed)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %s", health.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
