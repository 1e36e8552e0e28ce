// Package pipeline is the seam between the process supervisor and
// everything downstream of it. Every adapter-observed event flows through
// it as a supervisor.Sink call; the Pipeline fans it out live to the
// EventBus unconditionally and writes it to the JobStore at a bounded
// rate, so a chatty adapter can never turn into a write storm on the
// durable store. Throttle state is a per-job record keyed in a sync.Map,
// so concurrent jobs never contend on one lock.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/eventbus"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// Store is the subset of jobstore.Store the Pipeline writes through.
type Store interface {
	UpdateProgress(ctx context.Context, id string, delta models.ProgressDelta) error
	SetTerminal(ctx context.Context, id string, status models.Status, filename, outputPath string, size uint64, code models.ErrorCode, message string) error
}

// throttleEntry is the pending write for one job: the latest sparse delta
// not yet flushed to the Store, and the timer that will flush it.
type throttleEntry struct {
	mu     sync.Mutex
	latest models.ProgressDelta
	timer  *time.Timer
}

// Pipeline implements supervisor.Sink, throttling JobStore writes while
// publishing every event to the EventBus immediately.
type Pipeline struct {
	store  Store
	bus    *eventbus.Bus
	cfg    *config.PipelineConfig
	logger *logx.Logger

	pending sync.Map // jobID -> *throttleEntry
}

// New constructs a Pipeline.
func New(store Store, bus *eventbus.Bus, cfg *config.PipelineConfig, logger *logx.Logger) *Pipeline {
	return &Pipeline{store: store, bus: bus, cfg: cfg, logger: logger}
}

func room(jobID string) string { return "job:" + jobID }

// OnProgress publishes a progress event immediately and schedules (or
// extends) a throttled JobStore write for jobID.
func (p *Pipeline) OnProgress(jobID string, delta models.ProgressDelta) {
	p.bus.Publish(room(jobID), eventbus.Envelope{
		Type:  models.EventProgress,
		JobID: jobID,
		Payload: models.ProgressEvent{
			JobID:      jobID,
			Stage:      delta.Stage,
			Progress:   progressValue(delta),
			Speed:      delta.Speed,
			ETA:        delta.ETA,
			TotalBytes: delta.TotalBytes,
		},
	})
	p.scheduleWrite(jobID, delta)
}

func progressValue(delta models.ProgressDelta) float64 {
	if delta.Progress != nil {
		return *delta.Progress
	}
	return 0
}

// OnLog publishes a log line immediately. Log lines are never persisted;
// they exist only for live observers.
func (p *Pipeline) OnLog(jobID string, line string) {
	p.bus.Publish(room(jobID), eventbus.Envelope{
		Type:  models.EventLog,
		JobID: jobID,
		Payload: models.LogEvent{
			JobID:     jobID,
			Timestamp: time.Now().UTC(),
			Level:     "info",
			Message:   line,
		},
	})
}

// OnCompleted discards any pending throttled write, persists the terminal
// outcome, and publishes completed + job-update. The terminal event must be
// the last event emitted for the run; callers (the Supervisor) only call
// OnCompleted/OnFailed once, after streaming has stopped.
func (p *Pipeline) OnCompleted(jobID string, artifact supervisor.Artifact) {
	p.cancelPending(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SetTerminal(ctx, jobID, models.StatusCompleted, artifact.Filename, artifact.TempPath, artifact.SizeBytes, "", ""); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("pipeline: failed to persist completed state")
	}

	p.bus.Publish(room(jobID), eventbus.Envelope{
		Type:  models.EventCompleted,
		JobID: jobID,
		Payload: models.CompletedEvent{
			JobID:      jobID,
			Filename:   artifact.Filename,
			Size:       artifact.SizeBytes,
			OutputPath: artifact.TempPath,
		},
	})
	p.publishJobUpdate(jobID, models.StatusCompleted, models.StageCompleted, 100)
}

// OnFailed discards any pending throttled write, persists the terminal
// outcome, and publishes failed + job-update.
func (p *Pipeline) OnFailed(jobID string, code models.ErrorCode, message string) {
	p.cancelPending(jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SetTerminal(ctx, jobID, models.StatusFailed, "", "", 0, code, message); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("pipeline: failed to persist failed state")
	}

	p.bus.Publish(room(jobID), eventbus.Envelope{
		Type:  models.EventFailed,
		JobID: jobID,
		Payload: models.FailedEvent{
			JobID:     jobID,
			ErrorCode: code,
			Message:   message,
		},
	})
	p.publishJobUpdate(jobID, models.StatusFailed, "", 0)
}

func (p *Pipeline) publishJobUpdate(jobID string, status models.Status, stage models.Stage, progress float64) {
	p.bus.Publish(room(jobID), eventbus.Envelope{
		Type:  models.EventJobUpdate,
		JobID: jobID,
		Payload: models.JobUpdateEvent{
			JobID:    jobID,
			Status:   &status,
			Stage:    &stage,
			Progress: &progress,
		},
	})
}

// scheduleWrite merges delta into the job's pending record and arms a
// one-shot timer that flushes it at most once per throttle interval. A
// job already holding a pending record just has its latest values merged
// in; the already-running timer picks them up when it fires. The entry
// loaded from the map is re-checked after its lock is taken: a flush or
// terminal discard may have retired it in between, and merging into a
// retired entry would lose the delta, so the loop starts over with a
// fresh one.
func (p *Pipeline) scheduleWrite(jobID string, delta models.ProgressDelta) {
	for {
		entryAny, _ := p.pending.LoadOrStore(jobID, &throttleEntry{})
		entry := entryAny.(*throttleEntry)

		entry.mu.Lock()
		if current, ok := p.pending.Load(jobID); !ok || current.(*throttleEntry) != entry {
			entry.mu.Unlock()
			continue
		}
		mergeDelta(&entry.latest, delta)
		if entry.timer == nil {
			entry.timer = time.AfterFunc(p.cfg.ThrottleInterval(), func() { p.flush(jobID, entry) })
		}
		entry.mu.Unlock()
		return
	}
}

// mergeDelta applies every non-zero field of src onto dst, sparse-update
// semantics matching models.ProgressDelta's contract.
func mergeDelta(dst *models.ProgressDelta, src models.ProgressDelta) {
	if src.Progress != nil {
		dst.Progress = src.Progress
	}
	if src.Stage != "" {
		dst.Stage = src.Stage
	}
	if src.Speed != "" {
		dst.Speed = src.Speed
	}
	if src.ETA != nil {
		dst.ETA = src.ETA
	}
	if src.TotalBytes != nil {
		dst.TotalBytes = src.TotalBytes
	}
	if src.PhaseMessage != "" {
		dst.PhaseMessage = src.PhaseMessage
	}
}

// flush writes the accumulated delta to the Store and retires the pending
// record, unless a terminal event has already discarded it (cancelPending
// removes the map entry first, so a flush racing a terminal write notices
// it no longer owns the current entry and writes nothing). The ownership
// check, the read of latest, and the map removal all happen under the
// entry's lock — otherwise a concurrent OnProgress could merge a delta
// into this entry after the read but before the removal, arming a timer
// on an entry no longer in the map and silently losing the write.
func (p *Pipeline) flush(jobID string, entry *throttleEntry) {
	entry.mu.Lock()
	if current, ok := p.pending.Load(jobID); !ok || current.(*throttleEntry) != entry {
		entry.mu.Unlock()
		return
	}
	delta := entry.latest
	entry.timer = nil
	p.pending.Delete(jobID)
	entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.UpdateProgress(ctx, jobID, delta); err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("pipeline: failed to persist throttled progress")
	}
}

// cancelPending stops and discards any not-yet-flushed write for jobID, so
// a terminal event is never followed by a stale progress write.
func (p *Pipeline) cancelPending(jobID string) {
	entryAny, ok := p.pending.LoadAndDelete(jobID)
	if !ok {
		return
	}
	entry := entryAny.(*throttleEntry)
	entry.mu.Lock()
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.mu.Unlock()
}

var _ supervisor.Sink = (*Pipeline)(nil)
