package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"audiocache/work/client"
	"audiocache/work/config"
	"audiocache/work/extract"
	"audiocache/work/store"
	"audiocache/work/types"
)

type fakeArtifacts struct {
	stats map[string]types.ArtifactStat
	blobs map[string][]byte
}

func (f *fakeArtifacts) Exists(ctx context.Context, key string) (types.ArtifactStat, error) {
	return f.stats[key], nil
}

func (f *fakeArtifacts) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.blobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(b))), nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExtractor) Extract(ctx context.Context, videoID string) (*extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, videoID)
	return &extract.Result{VideoID: videoID, Key: store.AudioKey(videoID)}, nil
}

func (f *fakeExtractor) extracted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeLedger struct {
	exhausted map[string]bool
}

func (f *fakeLedger) RecentlyExhausted(videoID string, window time.Duration) (bool, error) {
	return f.exhausted[videoID], nil
}

func feedXML(videoIDs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">`)
	for _, id := range videoIDs {
		fmt.Fprintf(&b, `<entry><yt:videoId>%s</yt:videoId><title>clip %s</title></entry>`, id, id)
	}
	b.WriteString(`</feed>`)
	return b.String()
}

func testScheduler(t *testing.T, artifacts *fakeArtifacts, extractor *fakeExtractor, ledger *fakeLedger) *Scheduler {
	t.Helper()
	cfg := &config.Config{
		PrefetchInterval: time.Hour,
		PrefetchDepth:    3,
		WorkerThreads:    2,
	}
	s, err := New(cfg, artifacts, extractor, ledger, client.NewHeaderSettingClient())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestScanChannelExtractsAbsentVideos(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, feedXML("aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc", "ddddddddddd"))
	}))
	defer feed.Close()

	artifacts := &fakeArtifacts{
		// First entry already cached; second cached but zero-length.
		stats: map[string]types.ArtifactStat{
			store.AudioKey("aaaaaaaaaaa"): {Present: true, Size: 100},
			store.AudioKey("bbbbbbbbbbb"): {Present: true, Size: 0},
		},
	}
	extractor := &fakeExtractor{}
	ledger := &fakeLedger{exhausted: map[string]bool{"ccccccccccc": true}}

	s := testScheduler(t, artifacts, extractor, ledger)
	s.feedBase = feed.URL + "/?channel_id="

	if err := s.scanChannel("UCchannel01"); err != nil {
		t.Fatalf("scanChannel() error: %v", err)
	}

	// Depth 3 limits inspection to the first three entries: the cached one
	// is skipped, the zero-length one re-extracted, the exhausted one
	// skipped. The fourth entry is beyond the depth.
	got := extractor.extracted()
	if len(got) != 1 || got[0] != "bbbbbbbbbbb" {
		t.Errorf("extracted = %v, want [bbbbbbbbbbb]", got)
	}
}

func TestScanChannelFeedError(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer feed.Close()

	s := testScheduler(t, &fakeArtifacts{}, &fakeExtractor{}, &fakeLedger{})
	s.feedBase = feed.URL + "/?channel_id="

	if err := s.scanChannel("UCchannel01"); err == nil {
		t.Error("expected an error for a failing feed")
	}
}

func TestRunOnceIsolatesChannelFailures(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "UCbroken") {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, feedXML("aaaaaaaaaaa"))
	}))
	defer feed.Close()

	artifacts := &fakeArtifacts{
		blobs: map[string][]byte{
			store.ChannelsKey: []byte(`["UCbroken0001","UChealthy001"]`),
		},
	}
	extractor := &fakeExtractor{}

	s := testScheduler(t, artifacts, extractor, &fakeLedger{})
	s.feedBase = feed.URL + "/?channel_id="

	s.runOnce()

	got := extractor.extracted()
	if len(got) != 1 || got[0] != "aaaaaaaaaaa" {
		t.Errorf("extracted = %v; the healthy channel must still be scanned", got)
	}
}

func TestRunOnceMissingChannelList(t *testing.T) {
	extractor := &fakeExtractor{}
	s := testScheduler(t, &fakeArtifacts{}, extractor, &fakeLedger{})

	s.runOnce()

	if len(extractor.extracted()) != 0 {
		t.Error("no channel list must mean no extractions")
	}
}

func TestParseChannelList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"string array", `["UCaaa","UCbbb"]`, []string{"UCaaa", "UCbbb"}},
		{"object array channelId", `[{"channelId":"UCaaa"},{"channelId":"UCbbb"}]`, []string{"UCaaa", "UCbbb"}},
		{"object array id", `[{"id":"UCaaa"}]`, []string{"UCaaa"}},
		{"empty array", `[]`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChannelList([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parseChannelList() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseChannelListRejectsGarbage(t *testing.T) {
	if _, err := parseChannelList([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("expected an error for a non-list blob")
	}
}
