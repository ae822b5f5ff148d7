package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"audiocache/work/config"
	"audiocache/work/cookies"
	"audiocache/work/logger"
	"audiocache/work/metrics"
	"audiocache/work/store"
	"audiocache/work/types"
)

// ErrExtractionExhausted is returned when every strategy in the plan failed.
var ErrExtractionExhausted = errors.New("extraction exhausted")

// ExhaustedError carries the last attempt's diagnostics alongside the
// sentinel so handlers can surface something actionable.
type ExhaustedError struct {
	VideoID     string
	Attempts    int
	LastTried   types.Strategy
	Diagnostics string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("extraction exhausted for %s after %d attempts (last: %s): %s",
		e.VideoID, e.Attempts, e.LastTried, e.Diagnostics)
}

func (e *ExhaustedError) Unwrap() error { return ErrExtractionExhausted }

// CredentialProvider loads the browser-exported cookie set, or nil when no
// export is present.
type CredentialProvider interface {
	Load(ctx context.Context) (*types.CredentialSet, error)
}

// Uploader is the slice of the artifact store the orchestrator writes to.
type Uploader interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// FailureLedger records exhausted extractions so background jobs can skip
// known-dead ids. Optional; a nil ledger disables recording.
type FailureLedger interface {
	MarkExhausted(videoID, strategy, reason string) error
	Clear(videoID string) error
}

// Attempt is a single strategy invocation handed to the runner.
type Attempt struct {
	VideoID    string
	Strategy   types.Strategy
	CookieFile string // empty when the strategy runs uncredentialed
	OutputPath string
}

// AttemptRunner invokes the external extraction tool for one strategy. A nil
// error means the tool exited zero; output file checks stay with the caller.
type AttemptRunner interface {
	Run(ctx context.Context, a Attempt) error
}

// Result describes a successful extraction.
type Result struct {
	VideoID  string
	Key      string
	Size     int64
	Attempts int
}

// Orchestrator owns the cache-miss path: it tries an ordered list of
// {cookie-use, client-impersonation} strategy pairs against the extraction
// tool until one produces a playable audio file, then stores it.
type Orchestrator struct {
	cfg    *config.Config
	uplink Uploader
	creds  CredentialProvider
	ledger FailureLedger
	runner AttemptRunner
}

// New wires an orchestrator with the default yt-dlp runner.
func New(cfg *config.Config, uplink Uploader, creds CredentialProvider, failures FailureLedger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		uplink: uplink,
		creds:  creds,
		ledger: failures,
		runner: newYtdlpRunner(cfg),
	}
}

// WithRunner swaps the attempt runner. Used by tests and by callers that
// front the tool with their own process management.
func (o *Orchestrator) WithRunner(r AttemptRunner) *Orchestrator {
	o.runner = r
	return o
}

// BuildPlan produces the ordered strategy list. With credentials available,
// credentialed attempts against the most bot-detection-resistant identities
// come first, followed by uncredentialed attempts across the full identity
// set; without credentials, the plan is simply the full set uncredentialed.
// The plan is capped regardless of how many combinations exist, bounding
// worst-case latency on the miss path.
func BuildPlan(hasCookies bool, cap int) []types.Strategy {
	var plan []types.Strategy
	if hasCookies {
		for _, c := range types.ResistantClientIdentities {
			plan = append(plan, types.Strategy{UseCookies: true, Client: c})
		}
	}
	for _, c := range types.AllClientIdentities {
		plan = append(plan, types.Strategy{UseCookies: false, Client: c})
	}

	if cap > 0 && len(plan) > cap {
		plan = plan[:cap]
	}
	return plan
}

// Extract runs the strategy plan for a video and, on success, uploads the
// audio artifact (mandatory) and its sidecar metadata (best-effort)
// concurrently. Strategies are strictly sequential; parallel attempts would
// waste quota and aggravate upstream rate limiting.
func (o *Orchestrator) Extract(ctx context.Context, videoID string) (*Result, error) {
	set, err := o.creds.Load(ctx)
	if err != nil {
		// Degrade to uncredentialed extraction rather than failing outright.
		logger.Warn("{extract - Extract} Credential load failed, continuing without cookies: %v", err)
		set = nil
	}

	cookieFile := ""
	if set != nil && len(set.Cookies) > 0 {
		cookieFile, err = cookies.WriteNetscapeFile(set, o.cfg.ScratchDir)
		if err != nil {
			logger.Warn("{extract - Extract} Cookie file render failed, continuing without cookies: %v", err)
			cookieFile = ""
		} else {
			defer os.Remove(cookieFile)
		}
	}

	plan := BuildPlan(cookieFile != "", o.cfg.MaxAttempts)
	outputPath := filepath.Join(o.cfg.ScratchDir, videoID+".m4a")
	infoPath := filepath.Join(o.cfg.ScratchDir, videoID+".info.json")
	defer os.Remove(outputPath)
	defer os.Remove(infoPath)

	logger.Debug("{extract - Extract} Video %s: plan has %d strategies", videoID, len(plan))

	attempts := 0
	var lastStrategy types.Strategy
	var lastDiag string
	succeeded := false

	for _, strat := range plan {
		attempts++
		lastStrategy = strat

		attempt := Attempt{
			VideoID:    videoID,
			Strategy:   strat,
			OutputPath: outputPath,
		}
		if strat.UseCookies {
			attempt.CookieFile = cookieFile
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.ExtractTimeout)
		err := o.runner.Run(attemptCtx, attempt)
		cancel()

		if err == nil {
			if info, statErr := os.Stat(outputPath); statErr == nil && info.Size() > 0 {
				logger.Info("{extract - Extract} Video %s: strategy %s succeeded on attempt %d (%d bytes)",
					videoID, strat, attempts, info.Size())
				metrics.ExtractionAttempts.WithLabelValues(string(strat.Client), "success").Inc()
				succeeded = true
				break
			}
			err = errors.New("tool exited zero but produced no output")
		}

		lastDiag = err.Error()
		metrics.ExtractionAttempts.WithLabelValues(string(strat.Client), "failure").Inc()
		logger.Warn("{extract - Extract} Video %s: strategy %s failed (attempt %d/%d): %v",
			videoID, strat, attempts, len(plan), err)

		if ctx.Err() != nil {
			lastDiag = ctx.Err().Error()
			break
		}
	}

	if !succeeded {
		metrics.ExtractionsExhausted.Inc()
		if o.ledger != nil {
			if err := o.ledger.MarkExhausted(videoID, lastStrategy.String(), lastDiag); err != nil {
				logger.Warn("{extract - Extract} Ledger write failed for %s: %v", videoID, err)
			}
		}
		return nil, &ExhaustedError{
			VideoID:     videoID,
			Attempts:    attempts,
			LastTried:   lastStrategy,
			Diagnostics: lastDiag,
		}
	}

	size, err := o.storeArtifacts(ctx, videoID, outputPath, infoPath)
	if err != nil {
		return nil, err
	}

	if o.ledger != nil {
		if err := o.ledger.Clear(videoID); err != nil {
			logger.Debug("{extract - Extract} Ledger clear failed for %s: %v", videoID, err)
		}
	}

	return &Result{
		VideoID:  videoID,
		Key:      store.AudioKey(videoID),
		Size:     size,
		Attempts: attempts,
	}, nil
}

// storeArtifacts uploads the audio file and sidecar metadata concurrently.
// The audio upload is mandatory; a metadata failure is logged and tolerated
// because the artifact is playable without it.
func (o *Orchestrator) storeArtifacts(ctx context.Context, videoID, audioPath, infoPath string) (int64, error) {
	audio, err := os.Open(audioPath)
	if err != nil {
		return 0, fmt.Errorf("open extracted audio: %w", err)
	}
	defer audio.Close()

	stat, err := audio.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat extracted audio: %w", err)
	}

	var wg sync.WaitGroup
	var audioErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		audioErr = o.uplink.Put(ctx, store.AudioKey(videoID), audio, stat.Size(), "audio/mp4")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		meta, err := os.Open(infoPath)
		if err != nil {
			logger.Warn("{extract - storeArtifacts} Video %s: no sidecar metadata to upload: %v", videoID, err)
			return
		}
		defer meta.Close()
		mstat, err := meta.Stat()
		if err != nil {
			logger.Warn("{extract - storeArtifacts} Video %s: sidecar stat failed: %v", videoID, err)
			return
		}
		if err := o.uplink.Put(ctx, store.MetadataKey(videoID), meta, mstat.Size(), "application/json"); err != nil {
			// Partial upload: the audio artifact is usable without metadata.
			logger.Warn("{extract - storeArtifacts} Video %s: metadata upload failed: %v", videoID, err)
		}
	}()

	wg.Wait()

	if audioErr != nil {
		return 0, fmt.Errorf("audio upload: %w", audioErr)
	}

	return stat.Size(), nil
}
