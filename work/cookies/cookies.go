package cookies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audiocache/work/logger"
	"audiocache/work/store"
	"audiocache/work/types"
)

// netscapeHeader is the fixed first line of the extractor's native cookie
// file format.
const netscapeHeader = "# Netscape HTTP Cookie File"

// expiringSoonWindow is how far ahead of the earliest cookie expiration the
// credential set starts reporting ExpiringSoon.
const expiringSoonWindow = 72 * time.Hour

// HealthStatus classifies the overall state of the credential set.
type HealthStatus string

const (
	StatusValid        HealthStatus = "Valid"
	StatusExpiringSoon HealthStatus = "Expiring Soon"
	StatusExpired      HealthStatus = "Expired"
	StatusMissing      HealthStatus = "Missing"
)

// Health summarizes the credential set for the status endpoint.
type Health struct {
	Total              int          `json:"total"`
	Valid              int          `json:"valid"`
	EarliestExpiration *time.Time   `json:"earliestExpiration,omitempty"`
	Status             HealthStatus `json:"status"`
}

// BlobStore is the slice of the artifact store the converter needs.
type BlobStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Converter loads a browser-exported cookie set from the object store and
// renders it into the extraction tool's flat-file format. Credentials are
// fetched fresh per use and only ever live in short-lived working files.
type Converter struct {
	blobs BlobStore
}

// New creates a Converter reading from the given store.
func New(blobs BlobStore) *Converter {
	return &Converter{blobs: blobs}
}

// Load fetches the cookie export from its well-known store key. A missing
// key returns (nil, nil): running without credentials is a supported,
// degraded mode, not an error.
func (c *Converter) Load(ctx context.Context) (*types.CredentialSet, error) {
	rc, err := c.blobs.Get(ctx, store.CookieKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("{cookies - Load} No cookie export present, continuing without credentials")
			return nil, nil
		}
		return nil, fmt.Errorf("load cookie export: %w", err)
	}
	defer rc.Close()

	var records []types.CookieRecord
	if err := json.NewDecoder(rc).Decode(&records); err != nil {
		return nil, fmt.Errorf("parse cookie export: %w", err)
	}

	logger.Debug("{cookies - Load} Loaded %d cookie records", len(records))
	return &types.CredentialSet{Cookies: records}, nil
}

// ToNetscape renders the set into the extractor's native flat-file format:
// a fixed header line, then one tab-separated line per cookie with fields
// {domain, include-subdomains flag, path, secure flag, expiration-or-zero,
// name, value}. The conversion is deterministic and lossless; expired
// cookies are transcribed faithfully, never filtered.
func ToNetscape(set *types.CredentialSet) string {
	var b strings.Builder
	b.WriteString(netscapeHeader)
	b.WriteByte('\n')

	for _, c := range set.Cookies {
		includeSubdomains := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			includeSubdomains = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, includeSubdomains, c.Path, secure, int64(c.Expires), c.Name, c.Value)
	}

	return b.String()
}

// WriteNetscapeFile renders the set into a scratch file the extraction tool
// can consume. The caller removes the file when the attempt finishes.
func WriteNetscapeFile(set *types.CredentialSet, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "cookies-*.txt")
	if err != nil {
		return "", fmt.Errorf("create cookie file: %w", err)
	}

	if _, err := f.WriteString(ToNetscape(set)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write cookie file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close cookie file: %w", err)
	}

	return filepath.Clean(f.Name()), nil
}

// Summarize computes credential health at the given instant. Expired cookies
// stay in the set (the converter does not filter) but are excluded from the
// valid count.
func Summarize(set *types.CredentialSet, now time.Time) Health {
	if set == nil || len(set.Cookies) == 0 {
		return Health{Status: StatusMissing}
	}

	h := Health{Total: len(set.Cookies)}
	var earliest *time.Time
	for _, c := range set.Cookies {
		if c.Expired(now) {
			continue
		}
		h.Valid++
		if c.Expires > 0 {
			exp := time.Unix(int64(c.Expires), 0).UTC()
			if earliest == nil || exp.Before(*earliest) {
				e := exp
				earliest = &e
			}
		}
	}

	h.EarliestExpiration = earliest
	switch {
	case h.Valid == 0:
		h.Status = StatusExpired
	case earliest != nil && earliest.Sub(now) <= expiringSoonWindow:
		h.Status = StatusExpiringSoon
	default:
		h.Status = StatusValid
	}

	return h
}
