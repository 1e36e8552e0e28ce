// Package orchestrator is the core's public façade: Submit, Get, List,
// Cancel, Pause, Resume, Retry. It is the only component that initiates a
// Job's status transitions, coordinating the Broker (which claims queued
// work), the Supervisor (which drives the external process), the Pipeline
// (which persists progress and terminal state), and the EventBus (which
// carries every transition to subscribed clients).
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobmcallan/dlmgr/internal/broker"
	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/eventbus"
	"github.com/bobmcallan/dlmgr/internal/jobstore"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/pipeline"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
	"github.com/google/uuid"
)

// Store is the subset of jobstore.Store the Orchestrator depends on
// directly (Submit/Get/List/Cancel/Pause/Resume/Retry read-modify paths;
// progress and terminal writes go exclusively through the ProgressPipeline).
type Store interface {
	Insert(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter jobstore.ListFilter) ([]*models.Job, int, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
	ResetForRetry(ctx context.Context, id string) error
}

// Page is one paginated List result.
type Page struct {
	Jobs  []*models.Job
	Total int
}

// Orchestrator is the core's public façade.
type Orchestrator struct {
	store      Store
	broker     *broker.Broker
	supervisor *supervisor.Supervisor
	pipeline   *pipeline.Pipeline
	bus        *eventbus.Bus
	tools      *config.ToolsConfig
	jobCfg     *config.JobConfig
	logger     *logx.Logger
}

// New constructs an Orchestrator and registers its job handler with broker.
// Start must still be called to launch the broker's worker pool.
func New(store Store, br *broker.Broker, sup *supervisor.Supervisor, pl *pipeline.Pipeline, bus *eventbus.Bus, cfg *config.Config, logger *logx.Logger) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		broker:     br,
		supervisor: sup,
		pipeline:   pl,
		bus:        bus,
		tools:      &cfg.Tools,
		jobCfg:     &cfg.Job,
		logger:     logger,
	}
	br.SetHandler(o.handle)
	return o
}

// Start launches the Broker's worker pool after reconciling any jobs left
// "running" by a prior process.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		return err
	}
	o.broker.Start()
	return nil
}

// Stop halts the Broker's worker pool. In-flight jobs have their context
// cancelled, because Broker.Stop cancels the context every job context is
// derived from; Stop itself kills no process.
func (o *Orchestrator) Stop() {
	o.broker.Stop()
}

// reconcile moves every job left in "running" by a crashed or restarted
// process back to "queued" so a worker slot can pick it up again.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	page, _, err := o.store.List(ctx, jobstore.ListFilter{Status: models.StatusRunning, Limit: 1000})
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile list: %w", err)
	}
	for _, job := range page {
		if err := o.store.ResetForRetry(ctx, job.ID); err != nil {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("orchestrator: failed to requeue orphaned running job")
			continue
		}
		o.logger.Info().Str("job_id", job.ID).Msg("orchestrator: requeued orphaned running job on startup")
		o.publishJobUpdate(job.ID, models.StatusQueued, models.StageQueue, 0)
	}
	return nil
}

// CreateRequest is one job submission, before validation.
type CreateRequest struct {
	URL          string
	Kind         models.Kind
	Headers      models.HeaderOptions
	Transcode    *models.TranscodeOptions
	FilenameHint string
	Twitter      *models.TwitterOptions
	Pinterest    *models.PinterestOptions
}

// Submit validates req, creates a new Job in StatusQueued, and returns its
// ID. The Job becomes visible to the Broker's polling loop as soon as
// Insert returns.
func (o *Orchestrator) Submit(ctx context.Context, req CreateRequest) (string, error) {
	kind, options, err := validate(req)
	if err != nil {
		return "", err
	}

	job := &models.Job{
		ID:       uuid.New().String(),
		URL:      req.URL,
		Kind:     kind,
		Status:   models.StatusQueued,
		Stage:    models.StageQueue,
		Options:  options,
		Priority: models.DefaultPriority(kind),
	}

	if err := o.store.Insert(ctx, job); err != nil {
		return "", models.NewOpError(models.ErrInternal, fmt.Sprintf("insert job: %v", err))
	}

	o.logger.Info().Str("job_id", job.ID).Str("kind", string(kind)).Str("url", job.URL).Msg("orchestrator: job submitted")
	return job.ID, nil
}

// Get returns the current snapshot of one job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, models.NewOpError(models.ErrInternal, fmt.Sprintf("get job: %v", err))
	}
	if job == nil {
		return nil, models.NewOpError(models.ErrNotFound, "job not found")
	}
	return job, nil
}

// ListFilter narrows List's result set, in the abstract terms Submit's
// caller sees (no storage-layer types leak through the façade boundary).
type ListFilter struct {
	Status models.Status
	Kind   models.Kind
	Query  string
	Limit  int
	Offset int
}

// List returns a page of jobs, most recently created first.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) (Page, error) {
	jobs, total, err := o.store.List(ctx, jobstore.ListFilter{
		Status: filter.Status,
		Kind:   filter.Kind,
		Query:  filter.Query,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
	if err != nil {
		return Page{}, models.NewOpError(models.ErrInternal, fmt.Sprintf("list jobs: %v", err))
	}
	return Page{Jobs: jobs, Total: total}, nil
}

// Cancel transitions job to cancelled, whether it is still queued (the
// Broker's next claim attempt simply will not see it, since it is no
// longer StatusQueued) or currently running (its process context is
// cancelled, which the supervisor observes as a terminate-now signal).
// Cancel on an already-cancelled job is an idempotent no-op success.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCancelled {
		return nil
	}
	if job.Status.Terminal() {
		return models.NewOpError(models.ErrIllegalTransition, fmt.Sprintf("cannot cancel a job in terminal status %q", job.Status))
	}

	o.broker.Cancel(jobID) // no-op if the job was only queued, not yet claimed
	if err := o.store.SetStatus(ctx, jobID, models.StatusCancelled); err != nil {
		return wrapStoreErr(err)
	}
	o.publishJobUpdate(jobID, models.StatusCancelled, "", 0)
	return nil
}

// Pause kills a running job's process and leaves its queue entry cleared;
// Resume starts a fresh attempt from scratch. None of the adapters here
// support suspending the underlying tool mid-download, so paused work is
// lost and progress resets on Resume.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	job, err := o.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusRunning {
		return models.NewOpError(models.ErrIllegalTransition, fmt.Sprintf("cannot pause a job in status %q", job.Status))
	}

	o.broker.Cancel(jobID)
	if err := o.store.SetStatus(ctx, jobID, models.StatusPaused); err != nil {
		return wrapStoreErr(err)
	}
	o.publishJobUpdate(jobID, models.StatusPaused, "", 0)
	return nil
}

// wrapStoreErr passes a store-raised OpError (e.g. a terminal-status guard
// refusing the write) through untouched and classifies anything else as
// internal.
func wrapStoreErr(err error) error {
	var opErr *models.OpError
	if errors.As(err, &opErr) {
		return opErr
	}
	return models.NewOpError(models.ErrInternal, fmt.Sprintf("set status: %v", err))
}

// Resume re-enqueues a paused job at its original priority. ResetForRetry
// resets its progress to 0 and its stage to queue as it requeues it.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPaused {
		return models.NewOpError(models.ErrIllegalTransition, fmt.Sprintf("cannot resume a job in status %q", job.Status))
	}

	if err := o.store.ResetForRetry(ctx, jobID); err != nil {
		return models.NewOpError(models.ErrInternal, fmt.Sprintf("requeue: %v", err))
	}
	o.publishJobUpdate(jobID, models.StatusQueued, models.StageQueue, 0)
	return nil
}

// Retry re-enqueues a failed or cancelled job, resetting progress and
// clearing its error fields.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	job, err := o.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
		return models.NewOpError(models.ErrIllegalTransition, fmt.Sprintf("cannot retry a job in status %q", job.Status))
	}

	if err := o.store.ResetForRetry(ctx, jobID); err != nil {
		return models.NewOpError(models.ErrInternal, fmt.Sprintf("requeue: %v", err))
	}
	o.publishJobUpdate(jobID, models.StatusQueued, models.StageQueue, 0)
	return nil
}

// publishJobUpdate emits a coarse job-update event directly onto the bus.
// Distinct from the Pipeline's own job-update publishes: those accompany a
// terminal write the Pipeline just made; these accompany a status
// transition the Orchestrator itself just made (Cancel/Pause/Resume/Retry/
// reconcile).
func (o *Orchestrator) publishJobUpdate(jobID string, status models.Status, stage models.Stage, progress float64) {
	var stagePtr *models.Stage
	if stage != "" {
		stagePtr = &stage
	}
	o.bus.Publish("job:"+jobID, eventbus.Envelope{
		Type:  models.EventJobUpdate,
		JobID: jobID,
		Payload: models.JobUpdateEvent{
			JobID:    jobID,
			Status:   &status,
			Stage:    stagePtr,
			Progress: &progress,
		},
	})
}

// handle lives in dispatch.go, registered with the Broker in New.
