package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
)

// recordingSink collects everything Supervisor.Run reports, for assertions.
type recordingSink struct {
	mu         sync.Mutex
	progress   []models.ProgressDelta
	logs       []string
	completed  *Artifact
	failedCode models.ErrorCode
	failedMsg  string
}

func (s *recordingSink) OnProgress(jobID string, delta models.ProgressDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, delta)
}

func (s *recordingSink) OnLog(jobID string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
}

func (s *recordingSink) OnCompleted(jobID string, artifact Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := artifact
	s.completed = &a
}

func (s *recordingSink) OnFailed(jobID string, code models.ErrorCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCode = code
	s.failedMsg = message
}

// scriptAdapter drives an `sh -c` script so tests exercise the real
// exec.Command path without depending on yt-dlp/ffmpeg being installed.
type scriptAdapter struct {
	script       string
	artifactName string
}

func (a *scriptAdapter) Build(job *models.Job, workDir string) (ProcessSpec, error) {
	return ProcessSpec{Command: "sh", Args: []string{"-c", a.script}}, nil
}

func (a *scriptAdapter) ParseLine(line string) (models.ProgressDelta, bool) {
	if !strings.HasPrefix(line, "PROGRESS ") {
		return models.ProgressDelta{}, false
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(line, "PROGRESS "), 64)
	if err != nil {
		return models.ProgressDelta{}, false
	}
	return models.ProgressDelta{Progress: &v, Stage: models.StageDownload}, true
}

func (a *scriptAdapter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	return models.ErrNetworkError
}

func (a *scriptAdapter) CollectArtifact(workDir string) (Artifact, error) {
	path := filepath.Join(workDir, a.artifactName)
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Filename: a.artifactName, TempPath: path, SizeBytes: uint64(info.Size())}, nil
}

func testSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	dataDir := t.TempDir()
	tempDir := t.TempDir()
	cfg := &config.JobConfig{WatchdogStallMS: 60_000, GraceMS: 500}
	paths := &config.PathsConfig{DataDir: dataDir, TempDir: tempDir}
	return New(cfg, paths, logx.NewSilent()), dataDir
}

func TestRunSuccessPublishesProgressAndFinalizesArtifact(t *testing.T) {
	sup, dataDir := testSupervisor(t)
	adapter := &scriptAdapter{
		script:       "echo 'PROGRESS 10'; echo 'PROGRESS 100'; echo done > out.bin",
		artifactName: "out.bin",
	}
	sink := &recordingSink{}
	job := &models.Job{ID: "job-1", Kind: models.KindFile}

	err := sup.Run(context.Background(), job, adapter, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) != 2 {
		t.Fatalf("got %d progress events, want 2", len(sink.progress))
	}
	if sink.completed == nil {
		t.Fatal("expected OnCompleted to be called")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "job-1", "out.bin")); err != nil {
		t.Fatalf("artifact not finalized into data dir: %v", err)
	}
}

func TestRunNonZeroExitReportsFailure(t *testing.T) {
	sup, _ := testSupervisor(t)
	adapter := &scriptAdapter{script: "echo 'PROGRESS 5'; exit 3", artifactName: "out.bin"}
	sink := &recordingSink{}
	job := &models.Job{ID: "job-2", Kind: models.KindFile}

	err := sup.Run(context.Background(), job, adapter, sink)
	if err == nil {
		t.Fatal("expected Run to return an error for a nonzero exit")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.failedCode != models.ErrNetworkError {
		t.Fatalf("failedCode = %q, want %q", sink.failedCode, models.ErrNetworkError)
	}
}

func TestRunCancellationStopsProcess(t *testing.T) {
	sup, _ := testSupervisor(t)
	adapter := &scriptAdapter{script: "sleep 5; echo done > out.bin", artifactName: "out.bin"}
	sink := &recordingSink{}
	job := &models.Job{ID: "job-3", Kind: models.KindFile}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sup.Run(ctx, job, adapter, sink)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected Run to return an error when cancelled")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Run took %v after cancellation, want it to return promptly", elapsed)
	}
}

func TestRunCancelledMidRunEmitsNoTerminalEvent(t *testing.T) {
	sup, _ := testSupervisor(t)
	adapter := &scriptAdapter{script: "sleep 5; echo done > out.bin", artifactName: "out.bin"}
	sink := &recordingSink{}
	job := &models.Job{ID: "job-5", Kind: models.KindFile}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := sup.Run(ctx, job, adapter, sink)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.failedCode != "" {
		t.Fatalf("failedCode = %q, want no failed event after an explicit cancel", sink.failedCode)
	}
	if sink.completed != nil {
		t.Fatal("no completed event may follow a cancelled run")
	}
}

func TestFinalizeHonorsFilenameHint(t *testing.T) {
	sup, dataDir := testSupervisor(t)
	adapter := &scriptAdapter{script: "echo data > out.bin", artifactName: "out.bin"}
	sink := &recordingSink{}
	job := &models.Job{
		ID:      "job-6",
		Kind:    models.KindFile,
		Options: models.Options{FilenameHint: "my-download"},
	}

	if err := sup.Run(context.Background(), job, adapter, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.completed == nil {
		t.Fatal("expected OnCompleted to be called")
	}
	if sink.completed.Filename != "my-download.bin" {
		t.Fatalf("Filename = %q, want the hint with the tool's extension appended", sink.completed.Filename)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "job-6", "my-download.bin")); err != nil {
		t.Fatalf("hinted artifact not finalized into data dir: %v", err)
	}
}

func TestWatchdogKillsStalledProcess(t *testing.T) {
	dataDir := t.TempDir()
	tempDir := t.TempDir()
	cfg := &config.JobConfig{WatchdogStallMS: 100, GraceMS: 100}
	paths := &config.PathsConfig{DataDir: dataDir, TempDir: tempDir}
	sup := New(cfg, paths, logx.NewSilent())

	adapter := &scriptAdapter{script: "echo 'PROGRESS 1'; sleep 5", artifactName: "out.bin"}
	sink := &recordingSink{}
	job := &models.Job{ID: "job-4", Kind: models.KindFile}

	start := time.Now()
	err := sup.Run(context.Background(), job, adapter, sink)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected Run to fail once the watchdog kills a stalled process")
	}
	if elapsed > 3*time.Second {
		t.Fatalf("Run took %v, want the watchdog to cut the sleep short", elapsed)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.failedCode != models.ErrWatchdogStall {
		t.Fatalf("failedCode = %q, want %q", sink.failedCode, models.ErrWatchdogStall)
	}
}
