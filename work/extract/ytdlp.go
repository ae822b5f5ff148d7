package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/lrstanley/go-ytdlp"

	"audiocache/work/config"
	"audiocache/work/logger"
)

// audioFormat prefers a widely device-compatible m4a container over raw
// best-bitrate selection; mobile players choke on opus-in-webm.
const audioFormat = "bestaudio[ext=m4a]/bestaudio"

const watchURLPrefix = "https://www.youtube.com/watch?v="

// ytdlpRunner drives the yt-dlp binary for a single strategy attempt.
type ytdlpRunner struct {
	proxy string
}

func newYtdlpRunner(cfg *config.Config) *ytdlpRunner {
	return &ytdlpRunner{proxy: cfg.ExtractorProxy}
}

// Run invokes yt-dlp with the attempt's impersonation identity and optional
// cookie file, writing audio to the scratch path and sidecar metadata next
// to it. Non-zero exit comes back as an error carrying the tool's stderr.
func (r *ytdlpRunner) Run(ctx context.Context, a Attempt) error {
	dl := ytdlp.New().
		Format(audioFormat).
		Output(a.OutputPath).
		NoPlaylist().
		NoProgress().
		WriteInfoJSON().
		ExtractorArgs("youtube:player_client=" + string(a.Strategy.Client)).
		Retries("1")

	if a.CookieFile != "" {
		dl = dl.Cookies(a.CookieFile)
	}
	if r.proxy != "" {
		dl = dl.Proxy(r.proxy)
	}

	logger.Debug("{extract/ytdlp - Run} Video %s: invoking tool with strategy %s", a.VideoID, a.Strategy)

	res, err := dl.Run(ctx, watchURLPrefix+a.VideoID)
	if err != nil {
		return fmt.Errorf("strategy %s: %w: %s", a.Strategy, err, diagnosticTail(res))
	}
	if res != nil && res.ExitCode != 0 {
		return fmt.Errorf("strategy %s: tool exit code %d: %s", a.Strategy, res.ExitCode, diagnosticTail(res))
	}

	return nil
}

// diagnosticTail returns the last few stderr lines of a run, which is where
// the tool reports the actual rejection reason.
func diagnosticTail(res *ytdlp.Result) string {
	if res == nil || res.Stderr == "" {
		return "no diagnostics captured"
	}
	lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
