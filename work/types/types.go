package types

import "time"

// ClientIdentity names an upstream client application that the extraction
// tool can impersonate. Identities differ in how aggressively the provider's
// bot detection treats them, so the order they are tried in matters.
type ClientIdentity string

const (
	ClientTV      ClientIdentity = "tv"
	ClientIOS     ClientIdentity = "ios"
	ClientWeb     ClientIdentity = "web"
	ClientAndroid ClientIdentity = "android"
	ClientMWeb    ClientIdentity = "mweb"
)

// AllClientIdentities is the full impersonation set in default priority order.
var AllClientIdentities = []ClientIdentity{
	ClientTV, ClientIOS, ClientWeb, ClientAndroid, ClientMWeb,
}

// ResistantClientIdentities are the identities believed most resistant to
// bot detection when paired with an authenticated cookie set.
var ResistantClientIdentities = []ClientIdentity{
	ClientTV, ClientIOS, ClientWeb,
}

// Strategy is one ordered pair in an extraction plan: whether to present the
// exported browser cookies, and which client identity to impersonate.
type Strategy struct {
	UseCookies bool
	Client     ClientIdentity
}

// String renders a strategy for logs, e.g. "cookies+ios" or "anon+web".
func (s Strategy) String() string {
	if s.UseCookies {
		return "cookies+" + string(s.Client)
	}
	return "anon+" + string(s.Client)
}

// CookieRecord is a single browser-exported cookie. Expires is epoch seconds;
// zero means a session cookie with no expiration.
type CookieRecord struct {
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Secure  bool    `json:"secure"`
	Expires float64 `json:"expirationDate,omitempty"`
	Name    string  `json:"name"`
	Value   string  `json:"value"`
}

// Expired reports whether the cookie's expiration has passed. Session
// cookies (no expiration) never count as expired.
func (c CookieRecord) Expired(now time.Time) bool {
	if c.Expires == 0 {
		return false
	}
	return time.Unix(int64(c.Expires), 0).Before(now)
}

// CredentialSet is an ordered collection of cookie records as exported from
// a browser session. Order is preserved through format conversion so the
// rendered file is deterministic.
type CredentialSet struct {
	Cookies []CookieRecord
}

// ArtifactStat describes the cache state of a stored object. A present
// object with zero length is a failed prior upload and is treated as absent
// by every caller.
type ArtifactStat struct {
	Present bool
	Size    int64
}

// Usable reports whether the artifact counts as a cache hit.
func (a ArtifactStat) Usable() bool {
	return a.Present && a.Size > 0
}

// ObjectInfo is the metadata returned by prefix listings.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}
