package adapters

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// pinterestProgressRE matches "Saved 7/40 pins" style lines.
var pinterestProgressRE = regexp.MustCompile(`Saved\s+(\d+)/(\d+)\s+pins?`)

// pinterestPercentRE matches an explicit "NN%" marker some pinterest-dl
// builds print instead of a counter pair.
var pinterestPercentRE = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// Pinterest drives an external Pinterest board/pin collection CLI
// (PINTEREST_DL_PATH in config).
type Pinterest struct {
	BinaryPath string
}

func NewPinterest(tools *config.ToolsConfig) *Pinterest {
	path := tools.PinterestDLPath
	if path == "" {
		path = "pinterest-dl"
	}
	return &Pinterest{BinaryPath: path}
}

func (a *Pinterest) Build(job *models.Job, workDir string) (supervisor.ProcessSpec, error) {
	opts := job.Options.Pinterest
	if opts == nil {
		opts = &models.PinterestOptions{}
	}

	maxImages := opts.MaxImages
	if maxImages <= 0 {
		maxImages = 50
	}
	if maxImages > 500 {
		maxImages = 500
	}

	args := []string{"--output", workDir, "--limit", strconv.Itoa(maxImages)}
	if opts.IncludeVideos {
		args = append(args, "--include-videos")
	}
	if opts.Resolution != "" {
		args = append(args, "--resolution", opts.Resolution)
	}
	args = append(args, job.URL)

	return supervisor.ProcessSpec{Command: a.BinaryPath, Args: args}, nil
}

func (a *Pinterest) ParseLine(line string) (models.ProgressDelta, bool) {
	if m := pinterestProgressRE.FindStringSubmatch(line); m != nil {
		done, err1 := strconv.ParseFloat(m[1], 64)
		total, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && total != 0 {
			pct := models.Clamp(done / total * 100)
			return models.ProgressDelta{Progress: &pct, Stage: models.StageDownload}, true
		}
	}

	if m := pinterestPercentRE.FindStringSubmatch(line); m != nil {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			clamped := models.Clamp(pct)
			return models.ProgressDelta{Progress: &clamped, Stage: models.StageDownload}, true
		}
	}

	return models.ProgressDelta{}, false
}

func (a *Pinterest) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	lower := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(lower, "board not found"), strings.Contains(lower, "pin not found"):
		return models.ErrNotFound
	case strings.Contains(lower, "no images found"), strings.Contains(lower, "no pins found"):
		return models.ErrNoImagesFound
	case strings.Contains(lower, "login") || strings.Contains(lower, "auth"):
		return models.ErrAuthRequired
	default:
		return models.ErrNetworkError
	}
}

func (a *Pinterest) CollectArtifact(workDir string) (supervisor.Artifact, error) {
	return findSoleFile(workDir)
}

var _ supervisor.Adapter = (*Pinterest)(nil)
