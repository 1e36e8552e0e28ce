// Package adapters implements the supervisor.Adapter and
// supervisor.PollingAdapter contracts for each downloader kind, driving
// real external tools (yt-dlp, ffmpeg, aria2, media-collection CLIs) with
// binary paths and RPC endpoints resolved from configuration.
package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// progressRE matches yt-dlp's "[download]  42.5% of 10.00MiB at 1.20MiB/s ETA 00:05" line.
var progressRE = regexp.MustCompile(`\[download\]\s+([\d.]+)%(?:\s+of\s+~?([\d.]+\w+))?(?:\s+at\s+([\d.]+\w+/s|Unknown speed))?(?:\s+ETA\s+(\d+:\d+(?::\d+)?))?`)

// mergeRE matches yt-dlp's "[Merger] Merging formats into ..." line.
var mergeRE = regexp.MustCompile(`\[Merger\]|\[ffmpeg\]\s+Merging`)

// destRE matches yt-dlp's "[download] Destination: <path>" line.
var destRE = regexp.MustCompile(`\[download\] Destination:\s+(.+)$`)

// alreadyRE matches yt-dlp's "[download] <path> has already been downloaded" line.
var alreadyRE = regexp.MustCompile(`\[download\]\s+(.+)\s+has already been downloaded`)

// YTDLP drives yt-dlp for youtube and (with --hls-use-mpegts) hls jobs.
type YTDLP struct {
	BinaryPath string
	lastDest   string
}

// NewYTDLP constructs a YTDLP adapter resolving its binary from config,
// defaulting to "yt-dlp" on PATH.
func NewYTDLP(tools *config.ToolsConfig) *YTDLP {
	path := tools.YTDLPPath
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLP{BinaryPath: path}
}

func (a *YTDLP) Build(job *models.Job, workDir string) (supervisor.ProcessSpec, error) {
	args := []string{
		"--newline",
		"--no-playlist",
		"-o", "%(title)s.%(ext)s",
	}
	if job.Options.Headers.UserAgent != "" {
		args = append(args, "--user-agent", job.Options.Headers.UserAgent)
	}
	if job.Options.Headers.Referer != "" {
		args = append(args, "--referer", job.Options.Headers.Referer)
	}
	for k, v := range job.Options.Headers.Extra {
		args = append(args, "--add-header", fmt.Sprintf("%s:%s", k, v))
	}
	if job.Kind == models.KindHLS {
		args = append(args, "--hls-use-mpegts", "-f", "best[ext=mp4]")
	}
	args = append(args, job.URL)

	return supervisor.ProcessSpec{Command: a.BinaryPath, Args: args}, nil
}

func (a *YTDLP) ParseLine(line string) (models.ProgressDelta, bool) {
	if m := destRE.FindStringSubmatch(line); m != nil {
		a.lastDest = m[1]
	}
	if m := alreadyRE.FindStringSubmatch(line); m != nil {
		a.lastDest = m[1]
		full := 100.0
		return models.ProgressDelta{Progress: &full, Stage: models.StageDownload}, true
	}
	if mergeRE.MatchString(line) {
		return models.ProgressDelta{Stage: models.StageMerge}, true
	}

	m := progressRE.FindStringSubmatch(line)
	if m == nil {
		return models.ProgressDelta{}, false
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return models.ProgressDelta{}, false
	}

	delta := models.ProgressDelta{Progress: &pct, Stage: models.StageDownload}
	if len(m) > 3 && m[3] != "" {
		delta.Speed = m[3]
	}
	if len(m) > 2 && m[2] != "" {
		if bytes, ok := parseSize(m[2]); ok {
			delta.TotalBytes = &bytes
		}
	}
	return delta, true
}

func (a *YTDLP) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	lower := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(lower, "video unavailable"), strings.Contains(lower, "private video"):
		return models.ErrVideoUnavailable
	case strings.Contains(lower, "sign in") || strings.Contains(lower, "login required"):
		return models.ErrAuthRequired
	case strings.Contains(lower, "unsupported url"), strings.Contains(lower, "is not a valid url"):
		return models.ErrInvalidURL
	case strings.Contains(lower, "unable to download webpage"), strings.Contains(lower, "connection"):
		return models.ErrNetworkError
	case strings.Contains(lower, "requested format not available"):
		return models.ErrFormatError
	default:
		return models.ErrInternal
	}
}

func (a *YTDLP) CollectArtifact(workDir string) (supervisor.Artifact, error) {
	if a.lastDest != "" {
		path := a.lastDest
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		if info, err := os.Stat(path); err == nil {
			return supervisor.Artifact{
				Filename:  filepath.Base(path),
				TempPath:  path,
				SizeBytes: uint64(info.Size()),
			}, nil
		}
	}
	return findSoleFile(workDir)
}

// findSoleFile returns the single regular file in dir, for adapters that
// cannot otherwise identify the tool's output filename.
func findSoleFile(dir string) (supervisor.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return supervisor.Artifact{}, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		return supervisor.Artifact{
			Filename:  e.Name(),
			TempPath:  filepath.Join(dir, e.Name()),
			SizeBytes: uint64(info.Size()),
		}, nil
	}
	return supervisor.Artifact{}, fmt.Errorf("no output file found in %s", dir)
}

// parseSize parses a yt-dlp size token like "10.00MiB" into bytes.
func parseSize(s string) (uint64, bool) {
	// Ordered longest suffix first: "B" also matches "MiB".
	units := []struct {
		suffix string
		mult   float64
	}{
		{"GiB", 1024 * 1024 * 1024}, {"MiB", 1024 * 1024}, {"KiB", 1024}, {"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, false
			}
			return uint64(n * u.mult), true
		}
	}
	return 0, false
}

var _ supervisor.Adapter = (*YTDLP)(nil)
