package jobstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	tcommon "github.com/bobmcallan/dlmgr/tests/common"
)

// testStore starts the shared SurrealDB container and returns a Store
// backed by a unique database per test, for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	sc := tcommon.StartSurrealDB(t)
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)

	cfg := &config.StorageConfig{
		Address:   sc.Address(),
		Username:  "root",
		Password:  "root",
		Namespace: "dlmgr_test",
		Database:  dbName,
	}

	store, err := New(context.Background(), cfg, logx.NewSilent())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/video", Kind: models.KindYouTube, Priority: models.PriorityHigh}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if job.ID == "" {
		t.Fatal("Insert did not assign an ID")
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for an inserted job")
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("Status = %q, want %q", got.Status, models.StatusQueued)
	}
	if got.URL != job.URL {
		t.Fatalf("URL = %q, want %q", got.URL, job.URL)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := testStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get = %+v, want nil", got)
	}
}

func TestTryReserveClaimsOnlyOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	until := time.Now().Add(30 * time.Second)
	claimed, err := store.TryReserve(ctx, job.ID, "worker-1", until)
	if err != nil {
		t.Fatalf("TryReserve (first): %v", err)
	}
	if claimed == nil {
		t.Fatal("first TryReserve should have claimed the job")
	}
	if claimed.Status != models.StatusRunning {
		t.Fatalf("claimed status = %q, want running", claimed.Status)
	}

	again, err := store.TryReserve(ctx, job.ID, "worker-2", until)
	if err != nil {
		t.Fatalf("TryReserve (second): %v", err)
	}
	if again != nil {
		t.Fatal("second TryReserve should not have claimed an already-running job")
	}
}

func TestUpdateProgressAppliesSparseDelta(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	progress := 42.5
	if err := store.UpdateProgress(ctx, job.ID, models.ProgressDelta{
		Progress: &progress,
		Stage:    models.StageDownload,
	}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != progress {
		t.Fatalf("Progress = %v, want %v", got.Progress, progress)
	}
	if got.Stage != models.StageDownload {
		t.Fatalf("Stage = %q, want %q", got.Stage, models.StageDownload)
	}
}

func TestSetTerminalCompleted(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.SetTerminal(ctx, job.ID, models.StatusCompleted, "video.mp4", "/data/video.mp4", 2048, "", ""); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("Progress = %v, want 100", got.Progress)
	}
	if got.Filename != "video.mp4" {
		t.Fatalf("Filename = %q, want video.mp4", got.Filename)
	}
	if got.Stage != models.StageCompleted {
		t.Fatalf("Stage = %q, want completed", got.Stage)
	}
}

func TestSetTerminalFailedKeepsStage(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	progress := 30.0
	if err := store.UpdateProgress(ctx, job.ID, models.ProgressDelta{Progress: &progress, Stage: models.StageDownload}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	if err := store.SetTerminal(ctx, job.ID, models.StatusFailed, "", "", 0, models.ErrNetworkError, "connection reset"); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.Stage == models.StageCompleted {
		t.Fatal("a failed job must not report the completed stage")
	}
	if got.Stage != models.StageDownload {
		t.Fatalf("Stage = %q, want %q (stage where the run stopped)", got.Stage, models.StageDownload)
	}
	if got.ErrorCode != models.ErrNetworkError {
		t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, models.ErrNetworkError)
	}
}

func TestSetStatusRefusesLeavingTerminal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.SetTerminal(ctx, job.ID, models.StatusCompleted, "a.bin", "/data/a.bin", 1, "", ""); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}

	err := store.SetStatus(ctx, job.ID, models.StatusRunning)
	opErr, ok := err.(*models.OpError)
	if !ok || opErr.Code != models.ErrIllegalTransition {
		t.Fatalf("err = %v, want ILLEGAL_TRANSITION", err)
	}
}

func TestDailyMetricsRollup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.SetTerminal(ctx, job.ID, models.StatusCompleted, "a.bin", "/data/a.bin", 4096, "", ""); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	m, err := store.MetricsForDate(ctx, date)
	if err != nil {
		t.Fatalf("MetricsForDate: %v", err)
	}
	if m.JobsTotal != 1 || m.JobsCompleted != 1 {
		t.Fatalf("metrics = %+v, want jobs_total=1 jobs_completed=1", m)
	}
	if m.BytesTotal != 4096 {
		t.Fatalf("BytesTotal = %d, want 4096", m.BytesTotal)
	}
}

func TestResetForRetryClearsErrorAndRequeues(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.SetTerminal(ctx, job.ID, models.StatusFailed, "", "", 0, models.ErrNetworkError, "connection reset"); err != nil {
		t.Fatalf("SetTerminal: %v", err)
	}

	if err := store.ResetForRetry(ctx, job.ID); err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("Status = %q, want queued", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", got.Attempts)
	}
	if got.ErrorCode != "" {
		t.Fatalf("ErrorCode = %q, want empty", got.ErrorCode)
	}
}

func TestListStaleReservations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &models.Job{URL: "https://example.com/a", Kind: models.KindFile}
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := store.TryReserve(ctx, job.ID, "worker-1", past); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}

	stale, err := store.ListStaleReservations(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListStaleReservations: %v", err)
	}
	var found bool
	for _, j := range stale {
		if j.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the reserved-but-expired job to be listed as stale")
	}
}
