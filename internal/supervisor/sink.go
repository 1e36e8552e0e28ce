package supervisor

import "github.com/bobmcallan/dlmgr/internal/models"

// Sink receives everything a job run produces. The ProgressPipeline
// implements Sink; Supervisor depends only on this narrow interface so it
// never needs to know about throttling, persistence, or the EventBus.
type Sink interface {
	OnProgress(jobID string, delta models.ProgressDelta)
	OnLog(jobID string, line string)
	OnCompleted(jobID string, artifact Artifact)
	OnFailed(jobID string, code models.ErrorCode, message string)
}
