package cookies

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"audiocache/work/store"
	"audiocache/work/types"
)

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func sampleSet() *types.CredentialSet {
	return &types.CredentialSet{Cookies: []types.CookieRecord{
		{Domain: ".example.com", Path: "/", Secure: true, Expires: 1900000000, Name: "SID", Value: "abc123"},
		{Domain: "accounts.example.com", Path: "/auth", Secure: false, Expires: 1900000500, Name: "token", Value: "xyz"},
		{Domain: ".example.com", Path: "/", Secure: true, Expires: 0, Name: "session", Value: "v=1"},
	}}
}

func TestToNetscapeFormat(t *testing.T) {
	out := ToNetscape(sampleSet())

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 cookie lines, got %d lines", len(lines))
	}
	if lines[0] != "# Netscape HTTP Cookie File" {
		t.Errorf("header = %q", lines[0])
	}

	for i, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			t.Fatalf("line %d: expected 7 tab-separated fields, got %d: %q", i+1, len(fields), line)
		}
	}

	first := strings.Split(lines[1], "\t")
	if first[0] != ".example.com" {
		t.Errorf("domain = %q", first[0])
	}
	if first[1] != "TRUE" {
		t.Errorf("leading-dot domain should set include-subdomains TRUE, got %q", first[1])
	}
	if first[3] != "TRUE" {
		t.Errorf("secure flag = %q, want TRUE", first[3])
	}
	if first[4] != "1900000000" {
		t.Errorf("expiration = %q, want 1900000000", first[4])
	}
	if first[5] != "SID" || first[6] != "abc123" {
		t.Errorf("name/value = %q/%q", first[5], first[6])
	}

	second := strings.Split(lines[2], "\t")
	if second[1] != "FALSE" {
		t.Errorf("bare domain should set include-subdomains FALSE, got %q", second[1])
	}
	if second[3] != "FALSE" {
		t.Errorf("insecure cookie flag = %q, want FALSE", second[3])
	}

	third := strings.Split(lines[3], "\t")
	if third[4] != "0" {
		t.Errorf("session cookie expiration = %q, want 0", third[4])
	}
}

func TestToNetscapeKeepsExpiredCookies(t *testing.T) {
	set := &types.CredentialSet{Cookies: []types.CookieRecord{
		{Domain: ".example.com", Path: "/", Expires: 1, Name: "old", Value: "gone"},
	}}

	out := ToNetscape(set)
	if !strings.Contains(out, "old\tgone") {
		t.Error("expired cookie was filtered; conversion must be lossless")
	}
}

func TestWriteNetscapeFile(t *testing.T) {
	set := sampleSet()

	path, err := WriteNetscapeFile(set, t.TempDir())
	if err != nil {
		t.Fatalf("WriteNetscapeFile() error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cookie file: %v", err)
	}
	if string(content) != ToNetscape(set) {
		t.Error("file content does not match rendered set")
	}
}

func TestLoadMissingExport(t *testing.T) {
	c := New(&fakeBlobs{data: map[string][]byte{}})

	set, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("missing export must not be an error, got: %v", err)
	}
	if set != nil {
		t.Errorf("expected nil set for missing export, got %+v", set)
	}
}

func TestLoadParsesExport(t *testing.T) {
	export := `[{"domain":".example.com","path":"/","secure":true,"expirationDate":1900000000,"name":"SID","value":"abc"}]`
	c := New(&fakeBlobs{data: map[string][]byte{store.CookieKey: []byte(export)}})

	set, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(set.Cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(set.Cookies))
	}
	if set.Cookies[0].Name != "SID" || set.Cookies[0].Expires != 1900000000 {
		t.Errorf("cookie = %+v", set.Cookies[0])
	}
}

func TestSummarize(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		set   *types.CredentialSet
		want  HealthStatus
		valid int
	}{
		{"nil set", nil, StatusMissing, 0},
		{"empty set", &types.CredentialSet{}, StatusMissing, 0},
		{
			"all expired",
			&types.CredentialSet{Cookies: []types.CookieRecord{
				{Name: "a", Expires: float64(now.Unix() - 100)},
			}},
			StatusExpired, 0,
		},
		{
			"expiring soon",
			&types.CredentialSet{Cookies: []types.CookieRecord{
				{Name: "a", Expires: float64(now.Add(24 * time.Hour).Unix())},
			}},
			StatusExpiringSoon, 1,
		},
		{
			"valid",
			&types.CredentialSet{Cookies: []types.CookieRecord{
				{Name: "a", Expires: float64(now.Add(30 * 24 * time.Hour).Unix())},
				{Name: "b", Expires: 0}, // session cookie, never expires
			}},
			StatusValid, 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Summarize(tt.set, now)
			if h.Status != tt.want {
				t.Errorf("Status = %q, want %q", h.Status, tt.want)
			}
			if h.Valid != tt.valid {
				t.Errorf("Valid = %d, want %d", h.Valid, tt.valid)
			}
		})
	}
}

func TestSummarizeEarliestExpiration(t *testing.T) {
	now := time.Unix(1700000000, 0)
	later := now.Add(60 * 24 * time.Hour)
	sooner := now.Add(30 * 24 * time.Hour)

	set := &types.CredentialSet{Cookies: []types.CookieRecord{
		{Name: "a", Expires: float64(later.Unix())},
		{Name: "b", Expires: float64(sooner.Unix())},
	}}

	h := Summarize(set, now)
	if h.EarliestExpiration == nil {
		t.Fatal("expected an earliest expiration")
	}
	if !h.EarliestExpiration.Equal(sooner) {
		t.Errorf("EarliestExpiration = %v, want %v", h.EarliestExpiration, sooner)
	}
}
