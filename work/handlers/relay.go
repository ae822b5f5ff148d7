package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"audiocache/work/logger"
	"audiocache/work/utils"
)

// RelayController is the relay surface the HTTP API exposes.
type RelayController interface {
	SetTarget(url string, headers map[string]string)
	Addr() string
}

// RelayTargetRequest is the body of a target update.
type RelayTargetRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// HandleRelayTarget points the loopback relay at a new upstream URL with
// its spoofed header set, and returns the local address a player should
// open. Only subsequently accepted connections see the new target.
func (s *Server) HandleRelayTarget(relay RelayController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RelayTargetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		parsed, err := url.Parse(req.URL)
		if err != nil || !strings.HasPrefix(parsed.Scheme, "http") || parsed.Host == "" {
			writeJSONError(w, http.StatusBadRequest, "url must be absolute http(s)")
			return
		}

		relay.SetTarget(req.URL, req.Headers)
		logger.Info("{handlers/relay - HandleRelayTarget} Relay target set to %s",
			utils.LogURL(s.cfg, req.URL))

		writeJSON(w, http.StatusOK, map[string]string{
			"listen": relay.Addr(),
		})
	}
}
