package orchestrator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/models"
)

var (
	youtubeHostRE = regexp.MustCompile(`(?i)(^|\.)(youtube\.com|youtu\.be)$`)
	twitterHostRE = regexp.MustCompile(`(?i)(^|\.)(twitter\.com|x\.com)$`)
	pinterestRE   = regexp.MustCompile(`(?i)(^|\.)pinterest\.[a-z.]+$`)
	hlsPathRE     = regexp.MustCompile(`(?i)\.m3u8(\?.*)?$`)
)

// sniffKind infers a concrete Kind from rawURL for a submission whose
// requested Kind was "auto". It runs once, at Submit time, because Kind is
// immutable for the rest of a Job's life — a later change in what the URL
// "looks like" can never retroactively change which adapter a Job is bound
// to.
func sniffKind(rawURL string) models.Kind {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return models.KindFile
	}
	host := strings.ToLower(parsed.Hostname())

	switch {
	case hlsPathRE.MatchString(parsed.Path):
		return models.KindHLS
	case youtubeHostRE.MatchString(host):
		return models.KindYouTube
	case twitterHostRE.MatchString(host):
		return models.KindTwitter
	case pinterestRE.MatchString(host):
		return models.KindPinterest
	default:
		return models.KindFile
	}
}
