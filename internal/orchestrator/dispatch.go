package orchestrator

import (
	"context"
	"fmt"

	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
	"github.com/bobmcallan/dlmgr/internal/supervisor/adapters"
)

// handle is the broker.Handler the Broker calls once it has claimed a job
// (TryReserve having already flipped its Status to running in the Store).
// It resolves the right adapter for job.Kind and drives the Supervisor,
// chaining an optional transcode phase. All progress and terminal
// persistence happens via o.pipeline, which implements supervisor.Sink;
// handle's return value only tells the Broker whether to retry.
func (o *Orchestrator) handle(ctx context.Context, job *models.Job) error {
	o.publishJobUpdate(job.ID, models.StatusRunning, models.StageDownload, 0)

	switch job.Kind {
	case models.KindYouTube, models.KindHLS:
		return o.runWithOptionalTranscode(ctx, job, adapters.NewYTDLP(o.tools))

	case models.KindFile:
		poll := adapters.NewPollFile(o.tools)
		return o.supervisor.RunPolling(ctx, job, poll, o.pipeline, o.jobCfg.PollInterval())

	case models.KindTwitter:
		return o.supervisor.Run(ctx, job, adapters.NewTwitter(o.tools), o.pipeline)

	case models.KindPinterest:
		return o.supervisor.Run(ctx, job, adapters.NewPinterest(o.tools), o.pipeline)

	default:
		// Kind is resolved from "auto" at Submit time (see sniff.go), so
		// reaching here means a Job was persisted with an invalid Kind.
		opErr := models.NewOpError(models.ErrInvalidInput, fmt.Sprintf("unsupported kind %q", job.Kind))
		o.pipeline.OnFailed(job.ID, opErr.Code, opErr.Message)
		return opErr
	}
}

// runWithOptionalTranscode drives primary alone, or chained into a
// transcode phase when the job requested one.
func (o *Orchestrator) runWithOptionalTranscode(ctx context.Context, job *models.Job, primary supervisor.Adapter) error {
	if job.Options.Transcode == nil {
		return o.supervisor.Run(ctx, job, primary, o.pipeline)
	}
	return o.supervisor.RunChained(ctx, job, primary, o.buildTranscodeStage(job), o.pipeline)
}

// buildTranscodeStage returns the lazy secondary-adapter constructor
// RunChained needs: it probes the primary artifact's duration with ffprobe
// before building the ffmpeg adapter, since ffmpeg's own progress output
// reports elapsed encoded time, not percent complete.
func (o *Orchestrator) buildTranscodeStage(job *models.Job) func(sourcePath string) (supervisor.Adapter, error) {
	return func(sourcePath string) (supervisor.Adapter, error) {
		duration, err := probeDuration(o.tools, sourcePath)
		if err != nil {
			o.logger.Warn().Str("job_id", job.ID).Err(err).Msg("orchestrator: ffprobe failed, transcode progress will not report percent")
		}
		return adapters.NewTranscode(o.tools, sourcePath, duration), nil
	}
}
