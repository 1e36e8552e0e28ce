package orchestrator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/models"
)

// headerAllowList is the case-insensitive set of Headers.Extra keys a
// submission may request. Anything else is rejected so a client can never
// smuggle arbitrary headers through to the external tool.
var headerAllowList = map[string]struct{}{
	"user-agent":   {},
	"referer":      {},
	"authorization": {},
	"cookie":       {},
	"accept":       {},
}

var resolutionRE = regexp.MustCompile(`^\d+x\d+$`)

// filenameSanitizeRE strips anything but the conservative character set a
// filesystem-safe filename needs, path separators included.
var filenameSanitizeRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// validate checks req's submission rules and returns the concrete Kind
// ("auto" resolved via sniffKind) and the sanitized Options to persist. Any
// violation is returned as an InvalidInput OpError.
func validate(req CreateRequest) (models.Kind, models.Options, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", models.Options{}, models.NewOpError(models.ErrInvalidInput, "url must be an absolute http(s) URL")
	}

	if !models.ValidKind(req.Kind) {
		return "", models.Options{}, models.NewOpError(models.ErrInvalidInput, "kind must be one of auto|file|hls|youtube|twitter|pinterest")
	}
	kind := req.Kind
	if kind == models.KindAuto {
		kind = sniffKind(req.URL)
	}

	headers, err := validateHeaders(req.Headers)
	if err != nil {
		return "", models.Options{}, err
	}

	filenameHint := ""
	if req.FilenameHint != "" {
		filenameHint = filenameSanitizeRE.ReplaceAllString(req.FilenameHint, "")
		if filenameHint == "" {
			return "", models.Options{}, models.NewOpError(models.ErrInvalidInput, "filenameHint is empty after sanitization")
		}
	}

	if req.Transcode != nil {
		if err := validateTranscode(req.Transcode); err != nil {
			return "", models.Options{}, err
		}
	}
	if req.Twitter != nil {
		if err := validateTwitter(req.Twitter); err != nil {
			return "", models.Options{}, err
		}
	}
	if req.Pinterest != nil {
		if err := validatePinterest(req.Pinterest); err != nil {
			return "", models.Options{}, err
		}
	}

	options := models.Options{
		Headers:      headers,
		Transcode:    req.Transcode,
		FilenameHint: filenameHint,
		Twitter:      req.Twitter,
		Pinterest:    req.Pinterest,
	}
	return kind, options, nil
}

func validateHeaders(h models.HeaderOptions) (models.HeaderOptions, error) {
	if len(h.Extra) == 0 {
		return h, nil
	}
	clean := make(map[string]string, len(h.Extra))
	for k, v := range h.Extra {
		if _, ok := headerAllowList[strings.ToLower(k)]; !ok {
			return models.HeaderOptions{}, models.NewOpError(models.ErrInvalidInput, "headers.extra key \""+k+"\" is not on the allow-list")
		}
		clean[k] = v
	}
	h.Extra = clean
	return h, nil
}

func validateTranscode(t *models.TranscodeOptions) error {
	if t.CRF < 1 || t.CRF > 51 {
		return models.NewOpError(models.ErrInvalidInput, "transcode.crf must be in [1, 51]")
	}
	if t.Codec != "h264" && t.Codec != "h265" {
		return models.NewOpError(models.ErrInvalidInput, "transcode.codec must be h264 or h265")
	}
	switch t.To {
	case "mp4", "webm", "avi":
	default:
		return models.NewOpError(models.ErrInvalidInput, "transcode.to must be mp4, webm, or avi")
	}
	return nil
}

func validateTwitter(t *models.TwitterOptions) error {
	switch t.MediaType {
	case "images", "videos", "all":
	default:
		return models.NewOpError(models.ErrInvalidInput, "twitter.mediaType must be images, videos, or all")
	}
	if t.MaxTweets < 1 || t.MaxTweets > 200 {
		return models.NewOpError(models.ErrInvalidInput, "twitter.maxTweets must be in [1, 200]")
	}
	return nil
}

func validatePinterest(p *models.PinterestOptions) error {
	if p.MaxImages < 1 || p.MaxImages > 500 {
		return models.NewOpError(models.ErrInvalidInput, "pinterest.maxImages must be in [1, 500]")
	}
	if p.Resolution != "" && !resolutionRE.MatchString(p.Resolution) {
		return models.NewOpError(models.ErrInvalidInput, "pinterest.resolution must match WxH")
	}
	return nil
}
