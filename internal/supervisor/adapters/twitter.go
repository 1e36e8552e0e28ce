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

// twmdProgressRE matches the "Downloaded 12/50 media items" style line a
// twitter-media-downloader CLI prints per item.
var twmdProgressRE = regexp.MustCompile(`Downloaded\s+(\d+)/(\d+)`)

// Twitter drives an external twitter/X media-collection CLI (named twmd in
// config, matching the TWMD_PATH setting). The tool's item counters are not
// monotonic across retweet expansion, so mid-run progress is capped at 95%
// and the jump to 100 is reserved for the terminal event.
type Twitter struct {
	BinaryPath string
}

func NewTwitter(tools *config.ToolsConfig) *Twitter {
	path := tools.TwmdPath
	if path == "" {
		path = "twmd"
	}
	return &Twitter{BinaryPath: path}
}

func (a *Twitter) Build(job *models.Job, workDir string) (supervisor.ProcessSpec, error) {
	opts := job.Options.Twitter
	if opts == nil {
		return supervisor.ProcessSpec{}, fmt.Errorf("twitter adapter requires job.Options.Twitter")
	}

	args := []string{"--output", workDir}
	switch opts.MediaType {
	case "images":
		args = append(args, "--images-only")
	case "videos":
		args = append(args, "--videos-only")
	}
	if opts.IncludeRetweets {
		args = append(args, "--include-retweets")
	}
	maxTweets := opts.MaxTweets
	if maxTweets <= 0 {
		maxTweets = 50
	}
	if maxTweets > 200 {
		maxTweets = 200
	}
	args = append(args, "--max-tweets", strconv.Itoa(maxTweets))

	if opts.TweetID != "" {
		args = append(args, "--tweet-id", opts.TweetID)
	} else if opts.Username != "" {
		args = append(args, "--username", opts.Username)
	} else {
		args = append(args, job.URL)
	}

	return supervisor.ProcessSpec{Command: a.BinaryPath, Args: args}, nil
}

func (a *Twitter) ParseLine(line string) (models.ProgressDelta, bool) {
	m := twmdProgressRE.FindStringSubmatch(line)
	if m == nil {
		return models.ProgressDelta{}, false
	}
	done, err1 := strconv.ParseFloat(m[1], 64)
	total, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || total == 0 {
		return models.ProgressDelta{}, false
	}
	pct := models.Clamp(done / total * 95)
	return models.ProgressDelta{Progress: &pct, Stage: models.StageDownload}, true
}

func (a *Twitter) ClassifyError(exitCode int, stderrTail string) models.ErrorCode {
	lower := strings.ToLower(stderrTail)
	switch {
	case strings.Contains(lower, "tweet not found"), strings.Contains(lower, "deleted"):
		return models.ErrTweetUnavailable
	case strings.Contains(lower, "user not found"), strings.Contains(lower, "suspended"):
		return models.ErrUserNotFound
	case strings.Contains(lower, "login") || strings.Contains(lower, "auth"):
		return models.ErrAuthRequired
	case strings.Contains(lower, "no media"):
		return models.ErrNoImagesFound
	default:
		return models.ErrNetworkError
	}
}

func (a *Twitter) CollectArtifact(workDir string) (supervisor.Artifact, error) {
	return findSoleFile(workDir)
}

var _ supervisor.Adapter = (*Twitter)(nil)
