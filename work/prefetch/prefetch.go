package prefetch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"

	"audiocache/work/client"
	"audiocache/work/config"
	"audiocache/work/extract"
	"audiocache/work/logger"
	"audiocache/work/metrics"
	"audiocache/work/store"
	"audiocache/work/types"
)

const (
	feedURLPrefix = "https://www.youtube.com/feeds/videos.xml?channel_id="

	// exhaustionBackoff keeps the scheduler from hammering videos that
	// recently burned through every extraction strategy.
	exhaustionBackoff = 24 * time.Hour

	// feedFetchesPerSecond paces feed requests so a long channel list does
	// not look like a scraper burst to the origin.
	feedFetchesPerSecond = 2
)

// ArtifactChecker is the store subset the scheduler probes before
// extracting.
type ArtifactChecker interface {
	Exists(ctx context.Context, key string) (types.ArtifactStat, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Extractor runs the full extract-and-store pipeline for one video.
type Extractor interface {
	Extract(ctx context.Context, videoID string) (*extract.Result, error)
}

// ExhaustionLedger reports whether a video recently failed every strategy.
type ExhaustionLedger interface {
	RecentlyExhausted(videoID string, window time.Duration) (bool, error)
}

// Scheduler periodically warms the artifact cache with the newest uploads
// from the user's followed channels, so interactive requests mostly hit the
// fast path.
type Scheduler struct {
	cfg       *config.Config
	artifacts ArtifactChecker
	extractor Extractor
	ledger    ExhaustionLedger
	client    *client.HeaderSettingClient

	pool     *ants.Pool
	limiter  ratelimit.Limiter
	feedBase string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler; Start launches it.
func New(cfg *config.Config, artifacts ArtifactChecker, extractor Extractor, ledger ExhaustionLedger, httpClient *client.HeaderSettingClient) (*Scheduler, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create prefetch pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		artifacts: artifacts,
		extractor: extractor,
		ledger:    ledger,
		client:    httpClient,
		pool:      pool,
		limiter:   ratelimit.New(feedFetchesPerSecond),
		feedBase:  feedURLPrefix,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the periodic run loop. The first run happens one interval
// after startup, not immediately, so a crash-looping process cannot turn
// into an extraction storm.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.PrefetchInterval)
		defer ticker.Stop()

		logger.Info("{prefetch - Start} Scheduler running, interval %s, depth %d",
			s.cfg.PrefetchInterval, s.cfg.PrefetchDepth)

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()
}

// Stop cancels the run loop and waits for in-flight channel scans.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pool.Release()
	logger.Info("{prefetch - Stop} Scheduler stopped")
}

// runOnce scans every followed channel. Channel scans fan out on the worker
// pool; each scan's failure is logged and isolated from its siblings.
func (s *Scheduler) runOnce() {
	channels, err := s.loadChannels()
	if err != nil {
		logger.Warn("{prefetch - runOnce} Could not load channel list: %v", err)
		return
	}
	if len(channels) == 0 {
		logger.Debug("{prefetch - runOnce} No channels configured, nothing to do")
		return
	}

	logger.Info("{prefetch - runOnce} Scanning %d channels", len(channels))

	var scanWG sync.WaitGroup
	for _, channelID := range channels {
		channelID := channelID
		scanWG.Add(1)
		err := s.pool.Submit(func() {
			defer scanWG.Done()
			if err := s.scanChannel(channelID); err != nil {
				logger.Warn("{prefetch - runOnce} Channel %s scan failed: %v", channelID, err)
				metrics.PrefetchRuns.WithLabelValues("error").Inc()
				return
			}
			metrics.PrefetchRuns.WithLabelValues("ok").Inc()
		})
		if err != nil {
			scanWG.Done()
			logger.Warn("{prefetch - runOnce} Could not submit scan for %s: %v", channelID, err)
		}
	}
	scanWG.Wait()
}

// loadChannels reads the followed-channel blob. The blob is written by the
// client app, so both a bare string array and objects carrying a channel id
// field are accepted.
func (s *Scheduler) loadChannels() ([]string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	body, err := s.artifacts.Get(ctx, store.ChannelsKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		return nil, err
	}
	return parseChannelList(raw)
}

// scanChannel fetches one channel feed and extracts its newest absent
// videos sequentially. Feed fetches are rate limited across all workers.
func (s *Scheduler) scanChannel(channelID string) error {
	s.limiter.Take()

	entries, err := s.fetchFeed(channelID)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}

	depth := s.cfg.PrefetchDepth
	if depth > len(entries) {
		depth = len(entries)
	}

	for _, videoID := range entries[:depth] {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if s.shouldSkip(videoID) {
			continue
		}

		logger.Info("{prefetch - scanChannel} Warming %s from channel %s", videoID, channelID)
		if _, err := s.extractor.Extract(s.ctx, videoID); err != nil {
			// Best effort; the ledger already recorded exhaustion if every
			// strategy failed.
			logger.Warn("{prefetch - scanChannel} Warm extract failed for %s: %v", videoID, err)
		}
	}
	return nil
}

// shouldSkip filters out videos that already have a usable artifact or that
// exhausted every strategy within the backoff window.
func (s *Scheduler) shouldSkip(videoID string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()

	stat, err := s.artifacts.Exists(ctx, store.AudioKey(videoID))
	if err == nil && stat.Usable() {
		return true
	}

	exhausted, err := s.ledger.RecentlyExhausted(videoID, exhaustionBackoff)
	if err != nil {
		logger.Warn("{prefetch - shouldSkip} Ledger lookup failed for %s: %v", videoID, err)
		return false
	}
	return exhausted
}

// feed is the subset of the channel RSS document the scheduler reads.
// Entries arrive newest first.
type feed struct {
	Entries []struct {
		VideoID string `xml:"videoId"`
	} `xml:"entry"`
}

// fetchFeed downloads and parses a channel RSS feed, returning video ids
// newest first.
func (s *Scheduler) fetchFeed(channelID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedBase+channelID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var f feed
	if err := xml.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	ids := make([]string, 0, len(f.Entries))
	for _, e := range f.Entries {
		if e.VideoID != "" {
			ids = append(ids, e.VideoID)
		}
	}
	return ids, nil
}

// parseChannelList accepts ["UC..."] or [{"channelId":"UC..."}] shapes.
func parseChannelList(raw []byte) ([]string, error) {
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings, nil
	}

	var asObjects []struct {
		ChannelID string `json:"channelId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(raw, &asObjects); err != nil {
		return nil, fmt.Errorf("unrecognized channel list format: %w", err)
	}

	ids := make([]string, 0, len(asObjects))
	for _, o := range asObjects {
		switch {
		case o.ChannelID != "":
			ids = append(ids, o.ChannelID)
		case o.ID != "":
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}
