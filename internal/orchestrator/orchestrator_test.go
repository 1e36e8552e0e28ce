package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/dlmgr/internal/broker"
	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/eventbus"
	"github.com/bobmcallan/dlmgr/internal/jobstore"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
)

// fakeStore is an in-memory double satisfying both orchestrator.Store and
// broker.Store, the same narrow-interface fake broker_test.go uses against
// the real Broker.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeStore) Insert(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) List(ctx context.Context, filter jobstore.ListFilter) ([]*models.Job, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, job := range f.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, len(out), nil
}

func (f *fakeStore) SetStatus(ctx context.Context, id string, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	job.Status = status
	return nil
}

func (f *fakeStore) ResetForRetry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	job.Status = models.StatusQueued
	job.Stage = models.StageQueue
	return nil
}

func (f *fakeStore) NextQueuedCandidate(ctx context.Context) (*models.Job, error) { return nil, nil }
func (f *fakeStore) TryReserve(ctx context.Context, id, workerID string, until time.Time) (*models.Job, error) {
	return nil, nil
}
func (f *fakeStore) Heartbeat(ctx context.Context, id, workerID string, until time.Time) error {
	return nil
}
func (f *fakeStore) ListStaleReservations(ctx context.Context, now time.Time) ([]*models.Job, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, store *fakeStore) *Orchestrator {
	t.Helper()
	cfg := config.NewDefaultConfig()
	logger := logx.NewSilent()
	br := broker.New(store, &cfg.Broker, logger)
	bus := eventbus.New(logger)
	return New(store, br, nil, nil, bus, cfg, logger)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	o := newTestOrchestrator(t, newFakeStore())
	_, err := o.Submit(context.Background(), CreateRequest{URL: "not-a-url", Kind: models.KindFile})
	if err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestSubmitSniffsAutoKind(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)

	jobID, err := o.Submit(context.Background(), CreateRequest{URL: "https://www.youtube.com/watch?v=abc123", Kind: models.KindAuto})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := o.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Kind != models.KindYouTube {
		t.Fatalf("Kind = %q, want %q", job.Kind, models.KindYouTube)
	}
	if job.Status != models.StatusQueued {
		t.Fatalf("Status = %q, want queued", job.Status)
	}
}

func TestGetUnknownJobReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator(t, newFakeStore())
	_, err := o.Get(context.Background(), "missing")
	opErr, ok := err.(*models.OpError)
	if !ok || opErr.Code != models.ErrNotFound {
		t.Fatalf("err = %v, want NOT_FOUND OpError", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	id1, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	_, _ = o.Submit(ctx, CreateRequest{URL: "https://example.com/b.mp4", Kind: models.KindFile})
	_ = o.store.SetStatus(ctx, id1, models.StatusRunning)

	page, err := o.List(ctx, ListFilter{Status: models.StatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 1 || len(page.Jobs) != 1 || page.Jobs[0].ID != id1 {
		t.Fatalf("List result = %+v, want exactly job %s", page, id1)
	}
}

func TestCancelIsIdempotentWhenAlreadyCancelled(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	_ = store.SetStatus(ctx, jobID, models.StatusCancelled)

	if err := o.Cancel(ctx, jobID); err != nil {
		t.Fatalf("Cancel on already-cancelled job should be a no-op, got %v", err)
	}
}

func TestCancelRejectsOtherTerminalStatus(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	_ = store.SetStatus(ctx, jobID, models.StatusCompleted)

	err := o.Cancel(ctx, jobID)
	opErr, ok := err.(*models.OpError)
	if !ok || opErr.Code != models.ErrIllegalTransition {
		t.Fatalf("err = %v, want ILLEGAL_TRANSITION", err)
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})

	err := o.Pause(ctx, jobID)
	opErr, ok := err.(*models.OpError)
	if !ok || opErr.Code != models.ErrIllegalTransition {
		t.Fatalf("err = %v, want ILLEGAL_TRANSITION (job is queued, not running)", err)
	}

	_ = store.SetStatus(ctx, jobID, models.StatusRunning)
	if err := o.Pause(ctx, jobID); err != nil {
		t.Fatalf("Pause on running job: %v", err)
	}
	job, _ := o.Get(ctx, jobID)
	if job.Status != models.StatusPaused {
		t.Fatalf("Status = %q, want paused", job.Status)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	if err := o.Resume(ctx, jobID); err == nil {
		t.Fatal("expected error resuming a queued (non-paused) job")
	}

	_ = store.SetStatus(ctx, jobID, models.StatusPaused)
	if err := o.Resume(ctx, jobID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	job, _ := o.Get(ctx, jobID)
	if job.Status != models.StatusQueued {
		t.Fatalf("Status = %q, want queued", job.Status)
	}
}

func TestRetryRequiresFailedOrCancelled(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	if err := o.Retry(ctx, jobID); err == nil {
		t.Fatal("expected error retrying a queued job")
	}

	_ = store.SetStatus(ctx, jobID, models.StatusFailed)
	if err := o.Retry(ctx, jobID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	job, _ := o.Get(ctx, jobID)
	if job.Status != models.StatusQueued {
		t.Fatalf("Status = %q, want queued", job.Status)
	}
}

func TestStartReconcilesOrphanedRunningJobs(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, store)
	ctx := context.Background()

	jobID, _ := o.Submit(ctx, CreateRequest{URL: "https://example.com/a.mp4", Kind: models.KindFile})
	_ = store.SetStatus(ctx, jobID, models.StatusRunning)

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	job, _ := o.Get(ctx, jobID)
	if job.Status != models.StatusQueued {
		t.Fatalf("Status after reconcile = %q, want queued", job.Status)
	}
}
