package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"audiocache/work/config"
	"audiocache/work/ledger"
	"audiocache/work/logger"
	"audiocache/work/middleware"
	"audiocache/work/store"
	"audiocache/work/utils"
)

// StatsResponse is the operational snapshot served to the admin surface:
// cache volume, failure backlog and process health in one round trip.
type StatsResponse struct {
	CachedArtifacts int    `json:"cachedArtifacts"`
	CachedBytes     string `json:"cachedBytes"`
	RecentFailures  int    `json:"recentFailures"`
	Uptime          string `json:"uptime"`
	MemoryUsage     string `json:"memoryUsage"`
	WorkerThreads   int    `json:"workerThreads"`
}

// FailureResponse is one exhausted-extraction record for display.
type FailureResponse struct {
	VideoID     string `json:"videoId"`
	Strategy    string `json:"strategy"`
	Reason      string `json:"reason"`
	ExhaustedAt string `json:"exhaustedAt"`
}

// PurgeRequest names the videos whose artifacts should be evicted.
type PurgeRequest struct {
	VideoIDs []string `json:"videoIds"`
}

var adminStartTime = time.Now()

// setupAdminRoutes registers the maintenance endpoints. Same shared-secret
// gate as the public surface.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, artifacts *store.ArtifactStore, failures *ledger.Ledger) {
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireSecret(cfg.APISecret, h)
	}

	router.HandleFunc("/admin/stats", auth(handleAdminStats(cfg, artifacts, failures))).Methods("GET")
	router.HandleFunc("/admin/failures", auth(handleAdminFailures(failures))).Methods("GET")
	router.HandleFunc("/admin/purge", auth(handleAdminPurge(artifacts))).Methods("POST")
}

// handleAdminStats reports cache volume and process health. The prefix
// listing walks the whole bucket, so this endpoint is for operators, not
// polling dashboards.
func handleAdminStats(cfg *config.Config, artifacts *store.ArtifactStore, failures *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objects, err := artifacts.ListPrefix(r.Context(), "")
		if err != nil {
			logger.Error("{admin - handleAdminStats} Listing failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}

		var totalBytes int64
		artifactCount := 0
		for _, obj := range objects {
			totalBytes += obj.Size
			if len(obj.Key) < 7 || obj.Key[:7] != "system/" {
				artifactCount++
			}
		}

		rows, err := failures.Recent(1000)
		if err != nil {
			logger.Warn("{admin - handleAdminStats} Ledger read failed: %v", err)
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		writeAdminJSON(w, StatsResponse{
			CachedArtifacts: artifactCount,
			CachedBytes:     utils.FormatBytes(totalBytes),
			RecentFailures:  len(rows),
			Uptime:          time.Since(adminStartTime).Round(time.Second).String(),
			MemoryUsage:     utils.FormatBytes(int64(mem.Alloc)),
			WorkerThreads:   cfg.WorkerThreads,
		})
	}
}

// handleAdminFailures lists the newest exhausted extractions.
func handleAdminFailures(failures *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		rows, err := failures.Recent(limit)
		if err != nil {
			logger.Error("{admin - handleAdminFailures} Ledger read failed: %v", err)
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}

		out := make([]FailureResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, FailureResponse{
				VideoID:     row.VideoID,
				Strategy:    row.Strategy,
				Reason:      row.Reason,
				ExhaustedAt: row.ExhaustedAt.UTC().Format(time.RFC3339),
			})
		}
		writeAdminJSON(w, out)
	}
}

// handleAdminPurge evicts the audio artifact and sidecar metadata for each
// named video. The next delivery request re-extracts from scratch.
func handleAdminPurge(artifacts *store.ArtifactStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PurgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.VideoIDs) == 0 {
			http.Error(w, "body must name videoIds", http.StatusBadRequest)
			return
		}

		keys := make([]string, 0, len(req.VideoIDs)*2)
		for _, id := range req.VideoIDs {
			keys = append(keys, store.AudioKey(id), store.MetadataKey(id))
		}

		if err := artifacts.DeleteBatch(r.Context(), keys); err != nil {
			logger.Error("{admin - handleAdminPurge} Delete failed: %v", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}

		logger.Info("{admin - handleAdminPurge} Purged %d videos", len(req.VideoIDs))
		writeAdminJSON(w, map[string]int{"purged": len(req.VideoIDs)})
	}
}

func writeAdminJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin - writeAdminJSON} Encode failed: %v", err)
	}
}
