package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/dlmgr/internal/models"
)

// RunPolling drives a PollingAdapter (a control-plane downloader such as
// aria2): it starts the job, then polls at pollInterval, converting each
// Snapshot into a ProgressDelta the same way a line-scanned Adapter's
// ParseLine would, until the control plane reports completion, error, or
// removal.
func (s *Supervisor) RunPolling(ctx context.Context, job *models.Job, adapter PollingAdapter, sink Sink, pollInterval time.Duration) error {
	workDir := filepath.Join(s.paths.TempDir, job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		opErr := models.NewOpError(models.ErrInternal, fmt.Sprintf("create work dir: %v", err))
		sink.OnFailed(job.ID, opErr.Code, opErr.Message)
		return opErr
	}
	defer os.RemoveAll(workDir)

	handle, err := adapter.Start(job, workDir)
	if err != nil {
		opErr := models.NewOpError(models.ErrNetworkError, fmt.Sprintf("start polling adapter: %v", err))
		sink.OnFailed(job.ID, opErr.Code, opErr.Message)
		return opErr
	}

	var stalled atomic.Bool
	wd := newWatchdog(s.cfg.WatchdogStall(), func() {
		stalled.Store(true)
		s.logger.Warn().Str("job_id", job.ID).Msg("supervisor: watchdog stall detected, stopping polling adapter")
		_ = adapter.Stop(handle)
	})
	defer wd.stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastProgress float64 = -1

	for {
		select {
		case <-ctx.Done():
			_ = adapter.Stop(handle)
			if ctx.Err() == context.Canceled {
				return ctx.Err()
			}
			opErr := models.NewOpError(models.ErrTimeout, "job deadline exceeded")
			sink.OnFailed(job.ID, opErr.Code, opErr.Message)
			return opErr

		case <-ticker.C:
			snap, err := adapter.Poll(handle)
			if err != nil {
				s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("supervisor: poll failed")
				continue
			}

			delta, hasDelta := snapshotDelta(snap)
			if hasDelta {
				sink.OnProgress(job.ID, delta)
				if delta.Progress != nil && *delta.Progress != lastProgress {
					lastProgress = *delta.Progress
					wd.kick()
				}
			}

			switch snap.State {
			case SnapshotComplete:
				artifact, err := adapter.CollectArtifact(handle, workDir)
				if err != nil {
					opErr := models.NewOpError(models.ErrInternal, fmt.Sprintf("collect artifact: %v", err))
					sink.OnFailed(job.ID, opErr.Code, opErr.Message)
					return opErr
				}
				final, err := s.finalize(artifact, job)
				if err != nil {
					opErr := models.NewOpError(models.ErrDiskFull, fmt.Sprintf("finalize artifact: %v", err))
					sink.OnFailed(job.ID, opErr.Code, opErr.Message)
					return opErr
				}
				sink.OnCompleted(job.ID, final)
				return nil

			case SnapshotError, SnapshotRemoved:
				if stalled.Load() {
					opErr := models.NewOpError(models.ErrWatchdogStall, "no progress within the stall window")
					sink.OnFailed(job.ID, opErr.Code, opErr.Message)
					return opErr
				}
				code := adapter.ClassifyError(snap.ErrorMessage)
				sink.OnFailed(job.ID, code, snap.ErrorMessage)
				return models.NewOpError(code, snap.ErrorMessage)
			}
		}
	}
}

// snapshotDelta converts a poll Snapshot into a ProgressDelta: progress
// only when the total is known, eta only when the speed is known, speed
// formatted as human-readable MB/s.
func snapshotDelta(snap Snapshot) (models.ProgressDelta, bool) {
	delta := models.ProgressDelta{Stage: models.StageDownload}
	haveAny := false

	if snap.TotalBytes > 0 {
		pct := models.Clamp(float64(snap.CompletedBytes) / float64(snap.TotalBytes) * 100)
		delta.Progress = &pct
		total := snap.TotalBytes
		delta.TotalBytes = &total
		haveAny = true
	}
	if snap.SpeedBytesPerSec > 0 {
		delta.Speed = fmt.Sprintf("%.2f MB/s", float64(snap.SpeedBytesPerSec)/1_000_000)
		haveAny = true
		if snap.TotalBytes > snap.CompletedBytes {
			remaining := snap.TotalBytes - snap.CompletedBytes
			eta := int64(float64(remaining) / float64(snap.SpeedBytesPerSec))
			delta.ETA = &eta
		}
	}
	return delta, haveAny
}
