package adapters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// ffmpegTimeRE matches the "out_time_ms=<microseconds>" line ffmpeg emits
// once per progress tick when invoked with "-progress pipe:1".
var ffmpegTimeRE = regexp.MustCompile(`out_time_ms=(\d+)`)

// Transcode drives ffmpeg as the post-download phase for jobs whose
// Options.Transcode is set. It reports progress as a fraction of the
// source's known duration, which the caller supplies since ffmpeg's own
// stderr only reports elapsed encoded time, not percent complete.
type Transcode struct {
	BinaryPath      string
	SourcePath      string
	SourceDurationS float64
}

// NewTranscode constructs a Transcode adapter for a source file already on
// disk (the output of a prior download stage), targeting the codec/format
// named in job.Options.Transcode.
func NewTranscode(tools *config.ToolsConfig, sourcePath string, sourceDurationSeconds float64) *Transcode {
	path := tools.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return &Transcode{BinaryPath: path, SourcePath: sourcePath, SourceDurationS: sourceDurationSeconds}
}

func (a *Transcode) Build(job *models.Job, workDir string) (supervisor.ProcessSpec, error) {
	if job.Options.Transcode == nil {
		return supervisor.ProcessSpec{}, fmt.Errorf("transcode adapter requires job.Options.Transcode")
	}
	opts := job.Options.Transcode

	codec := "libx264"
	if opts.Codec == "h265" {
		codec = "libx265"
	}
	crf := opts.CRF
	if crf <= 0 {
		crf = 23
	}

	ext := opts.To
	if ext == "" {
		ext = "mp4"
	}
	out := "output." + ext

	args := []string{
		"-y", "-i", a.SourcePath,
		"-c:v", codec, "-crf", strconv.Itoa(crf),
		"-progress", "pipe:1", "-nostats",
		out,
	}
	return supervisor.ProcessSpec{Command: a.BinaryPath, Args: args}, nil
}

func (a *Transcode) ParseLine(line string) (models.ProgressDelta, bool) {
	m := ffmpegTimeRE.FindStringSubmatch(line)
	if m == nil {
		return models.ProgressDelta{}, false
	}
	microseconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return models.ProgressDelta{}, false
	}
	elapsed := microseconds / 1_000_000

	if a.SourceDurationS <= 0 {
		return models.ProgressDelta{}, false
	}
	pct := models.Clamp(elapsed / a.SourceDurationS * 100)
	return models.ProgressDelta{Progress: &pct, Stage: models.StageTranscode}, true
}

func (a *Transcode) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	lower := strings.ToLower(stderrTail)
	if strings.Contains(lower, "no space left") {
		return models.ErrDiskFull
	}
	if strings.Contains(lower, "invalid data found") || strings.Contains(lower, "unsupported codec") {
		return models.ErrFormatError
	}
	return models.ErrInternal
}

func (a *Transcode) CollectArtifact(workDir string) (supervisor.Artifact, error) {
	return findSoleFile(workDir)
}

var _ supervisor.Adapter = (*Transcode)(nil)
