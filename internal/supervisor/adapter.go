// Package supervisor drives one external downloader/transcoder process per
// job: builds its command line, streams and parses its output, enforces a
// stall watchdog, handles graceful-then-forceful cancellation, and
// atomically finalizes whatever artifact it produced. The Adapter contract
// lets each downloader kind bring its own command line and line grammar
// without touching this package.
package supervisor

import "github.com/bobmcallan/dlmgr/internal/models"

// ProcessSpec is what an Adapter.Build returns: everything needed to exec
// the external tool for one job.
type ProcessSpec struct {
	Command string
	Args    []string
	Env     []string
}

// Artifact describes the file(s) a completed job produced, before they are
// finalized into the data directory.
type Artifact struct {
	Filename  string
	TempPath  string
	SizeBytes uint64
}

// Adapter is the stdout-parsing contract a line-oriented external tool
// implements. Exactly one Adapter instance is used per job run; it is not
// required to be safe for concurrent use by more than one job at a time.
type Adapter interface {
	// Build returns the process to exec for job, rooted at workDir.
	Build(job *models.Job, workDir string) (ProcessSpec, error)

	// ParseLine inspects one line of combined stdout/stderr output and
	// returns a progress delta if the line carries one. ok is false for
	// lines that carry no progress information (most lines).
	ParseLine(line string) (delta models.ProgressDelta, ok bool)

	// ClassifyError maps a nonzero exit code and the tail of stderr to a
	// stable ErrorCode, so the Broker can decide retry eligibility.
	ClassifyError(exitCode int, stderrTail string) models.ErrorCode

	// CollectArtifact locates the file(s) the process produced in workDir
	// once it has exited successfully.
	CollectArtifact(workDir string) (Artifact, error)
}

// PollingAdapter is the alternative contract for a control-plane downloader
// that exposes an RPC (e.g. aria2's JSON-RPC) instead of emitting progress
// lines on stdout. Supervisor drives it by polling instead of scanning
// output.
type PollingAdapter interface {
	// Start submits the job to the external control plane and returns an
	// opaque handle identifying it there.
	Start(job *models.Job, workDir string) (handle string, err error)

	// Poll returns the current state of the job identified by handle.
	Poll(handle string) (Snapshot, error)

	// Stop asks the control plane to cancel the job identified by handle.
	Stop(handle string) error

	// ClassifyError maps a Snapshot's error message to a stable ErrorCode.
	ClassifyError(errorMessage string) models.ErrorCode

	// CollectArtifact locates the file(s) the control plane produced.
	CollectArtifact(handle string, workDir string) (Artifact, error)
}

// SnapshotState is a PollingAdapter's coarse job state.
type SnapshotState string

const (
	SnapshotActive   SnapshotState = "active"
	SnapshotPaused   SnapshotState = "paused"
	SnapshotComplete SnapshotState = "complete"
	SnapshotError    SnapshotState = "error"
	SnapshotRemoved  SnapshotState = "removed"
)

// Snapshot is one poll result from a PollingAdapter.
type Snapshot struct {
	State            SnapshotState
	CompletedBytes   uint64
	TotalBytes       uint64
	SpeedBytesPerSec uint64
	ErrorMessage     string
	Files            []string
}
