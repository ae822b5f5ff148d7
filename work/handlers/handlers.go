package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"

	"audiocache/work/config"
	"audiocache/work/cookies"
	"audiocache/work/extract"
	"audiocache/work/logger"
	"audiocache/work/metrics"
	"audiocache/work/store"
	"audiocache/work/types"
)

// maxBatchSize bounds one existence-check round trip.
const maxBatchSize = 50

// videoIDPattern matches the provider's opaque 11-character identifiers.
var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ArtifactStore is the storage surface the handlers need.
type ArtifactStore interface {
	Exists(ctx context.Context, key string) (types.ArtifactStat, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PublicURL(key string) string
}

// Extractor is the cache-miss path.
type Extractor interface {
	Extract(ctx context.Context, videoID string) (*extract.Result, error)
}

// CredentialLoader reports the current cookie export, or nil when absent.
type CredentialLoader interface {
	Load(ctx context.Context) (*types.CredentialSet, error)
}

// Server holds the HTTP surface's dependencies. Every handler is a method
// so tests can wire fakes through the constructor.
type Server struct {
	cfg         *config.Config
	artifacts   ArtifactStore
	extractor   Extractor
	creds       CredentialLoader
	existsCache *otter.Cache[string, bool]
}

// New wires the handler set. The exists cache keeps confirmed-present keys
// for a short TTL so bursts of check-cache traffic do not turn into bursts
// of object-store probes.
func New(cfg *config.Config, artifacts ArtifactStore, extractor Extractor, creds CredentialLoader) *Server {
	cache := otter.Must(&otter.Options[string, bool]{
		MaximumSize:      100_000,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](cfg.CheckCacheTTL),
	})

	return &Server{
		cfg:         cfg,
		artifacts:   artifacts,
		extractor:   extractor,
		creds:       creds,
		existsCache: cache,
	}
}

// HandleAudio resolves a video id to a playable artifact URL. Cache hit:
// immediate 307 without touching the orchestrator. Cache miss: extract,
// store, then the same 307. Callers cannot tell the two apart except by
// latency.
func (s *Server) HandleAudio(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("videoId")
	if !videoIDPattern.MatchString(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}

	key := store.AudioKey(videoID)

	present, err := s.artifactUsable(r.Context(), key)
	if err != nil {
		logger.Error("{handlers - HandleAudio} Existence check failed for %s: %v", videoID, err)
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	if present {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		logger.Debug("{handlers - HandleAudio} Cache hit for %s", videoID)
		s.redirect(w, key)
		return
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	logger.Info("{handlers - HandleAudio} Cache miss for %s, starting extraction", videoID)

	result, err := s.extractor.Extract(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, extract.ErrExtractionExhausted) {
			logger.Error("{handlers - HandleAudio} Extraction exhausted for %s: %v", videoID, err)
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Error("{handlers - HandleAudio} Extraction failed for %s: %v", videoID, err)
		writeJSONError(w, http.StatusInternalServerError, "extraction failed: "+err.Error())
		return
	}

	s.existsCache.Set(key, true)
	s.redirect(w, result.Key)
}

// HandleCheckCache answers a batched existence check. POST carries
// {"ids": [...]}; GET accepts ?ids=a,b,c. Batches above the limit are
// rejected rather than truncated so clients notice their bug.
func (s *Server) HandleCheckCache(w http.ResponseWriter, r *http.Request) {
	ids, err := parseBatchIDs(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) > maxBatchSize {
		writeJSONError(w, http.StatusBadRequest, "batch exceeds 50 ids")
		return
	}

	found := make([]string, 0, len(ids))
	missing := make([]string, 0)

	for _, id := range ids {
		if !videoIDPattern.MatchString(id) {
			missing = append(missing, id)
			continue
		}

		present, err := s.artifactUsable(r.Context(), store.AudioKey(id))
		if err != nil {
			logger.Warn("{handlers - HandleCheckCache} Existence check failed for %s: %v", id, err)
			missing = append(missing, id)
			continue
		}

		if present {
			found = append(found, id)
		} else {
			missing = append(missing, id)
		}
	}

	writeJSON(w, http.StatusOK, map[string][]string{
		"found":   found,
		"missing": missing,
	})
}

// HandleCookieStatus reports credential health so an operator notices an
// expiring browser export before extraction quietly degrades.
func (s *Server) HandleCookieStatus(w http.ResponseWriter, r *http.Request) {
	set, err := s.creds.Load(r.Context())
	if err != nil {
		logger.Error("{handlers - HandleCookieStatus} Credential load failed: %v", err)
		writeJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, cookies.Summarize(set, time.Now()))
}

// HandleSyncHistory stores and serves the watch-progress blob owned by the
// mobile client's sync layer. The server treats it as opaque bytes.
func (s *Server) HandleSyncHistory(w http.ResponseWriter, r *http.Request) {
	s.handleSyncBlob(w, r, store.HistoryKey)
}

// HandleSyncPreferences stores and serves the channel-preference blob.
func (s *Server) HandleSyncPreferences(w http.ResponseWriter, r *http.Request) {
	s.handleSyncBlob(w, r, store.ChannelsKey)
}

func (s *Server) handleSyncBlob(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodGet:
		rc, err := s.artifacts.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// No state synced yet; an empty object is a valid initial state.
				writeJSON(w, http.StatusOK, json.RawMessage("{}"))
				return
			}
			writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.Copy(w, rc)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if !json.Valid(body) {
			writeJSONError(w, http.StatusBadRequest, "body must be JSON")
			return
		}
		if err := s.artifacts.Put(r.Context(), key, strings.NewReader(string(body)), int64(len(body)), "application/json"); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// artifactUsable applies the zero-length rule on top of a short TTL cache:
// a present artifact with no bytes is a failed prior upload, never a hit.
func (s *Server) artifactUsable(ctx context.Context, key string) (bool, error) {
	if present, ok := s.existsCache.GetIfPresent(key); ok && present {
		return true, nil
	}

	stat, err := s.artifacts.Exists(ctx, key)
	if err != nil {
		return false, err
	}

	if stat.Present && stat.Size == 0 {
		metrics.CacheLookups.WithLabelValues("empty").Inc()
		logger.Warn("{handlers - artifactUsable} Zero-length artifact at %s treated as absent", key)
		return false, nil
	}

	if stat.Usable() {
		s.existsCache.Set(key, true)
		return true, nil
	}
	return false, nil
}

// redirect issues the 307 pointing at the stable public artifact URL.
func (s *Server) redirect(w http.ResponseWriter, key string) {
	w.Header().Set("Location", s.artifacts.PublicURL(key))
	w.WriteHeader(http.StatusTemporaryRedirect)
}

// parseBatchIDs extracts the id list from either request form.
func parseBatchIDs(r *http.Request) ([]string, error) {
	switch r.Method {
	case http.MethodGet:
		raw := r.URL.Query().Get("ids")
		if raw == "" {
			return nil, errors.New("missing ids parameter")
		}
		return strings.Split(raw, ","), nil

	case http.MethodPost:
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errors.New("invalid JSON body")
		}
		if len(body.IDs) == 0 {
			return nil, errors.New("empty ids list")
		}
		return body.IDs, nil

	default:
		return nil, errors.New("method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} Encode failed: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
