package orchestrator

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/dlmgr/internal/config"
)

// probeDuration shells out to ffprobe to read sourcePath's duration in
// seconds, which the transcode adapter needs to turn ffmpeg's elapsed
// encode time into a percentage. ffprobe is assumed to live alongside the
// configured ffmpeg binary; a probe failure is not fatal to the transcode
// phase, it just means percent-complete cannot be reported.
func probeDuration(tools *config.ToolsConfig, sourcePath string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bin := "ffprobe"
	if tools.FFmpegPath != "" {
		bin = filepath.Join(filepath.Dir(tools.FFmpegPath), "ffprobe")
	}

	out, err := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		sourcePath,
	).Output()
	if err != nil {
		return 0, err
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, err
	}
	return seconds, nil
}
