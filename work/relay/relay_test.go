package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"audiocache/work/client"
)

// freePort grabs an ephemeral port and releases it for the relay to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(freePort(t), client.NewHeaderSettingClient())
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

// request dials the relay and performs one raw HTTP exchange.
func request(t *testing.T, r *Relay, rangeHeader string) *http.Response {
	t.Helper()

	conn, err := net.Dial("tcp", r.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := "GET /stream HTTP/1.1\r\nHost: localhost\r\n"
	if rangeHeader != "" {
		req += "Range: " + rangeHeader + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRangeTranslation(t *testing.T) {
	const total = 5000
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	var gotRange, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 100-199/%d", total))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("Content-Type", "audio/mp4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer upstream.Close()

	r := startRelay(t)
	r.SetTarget(upstream.URL, map[string]string{"User-Agent": "SpoofedPlayer/1.0"})

	resp := request(t, r, "bytes=100-199")

	if gotRange != "bytes=100-199" {
		t.Errorf("upstream Range = %q, want bytes=100-199", gotRange)
	}
	if gotUA != "SpoofedPlayer/1.0" {
		t.Errorf("upstream User-Agent = %q, spoofed header not applied", gotUA)
	}

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100-199/5000" {
		t.Errorf("Content-Range = %q, want bytes 100-199/5000", got)
	}
	if resp.ContentLength != 100 {
		t.Errorf("Content-Length = %d, want 100", resp.ContentLength)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 100 || body[0] != 0 || body[99] != 99 {
		t.Errorf("body mismatch: %d bytes", len(body))
	}
}

func TestFullRequestStreamsBody(t *testing.T) {
	payload := strings.Repeat("a", 64*1024)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		io.WriteString(w, payload)
	}))
	defer upstream.Close()

	r := startRelay(t)
	r.SetTarget(upstream.URL, nil)

	resp := request(t, r, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != len(payload) {
		t.Errorf("body = %d bytes, want %d", len(body), len(payload))
	}
}

func TestUpstreamErrorClosesConnection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	r := startRelay(t)
	r.SetTarget(upstream.URL, nil)

	resp := request(t, r, "")
	if resp.StatusCode < 400 {
		t.Fatalf("status = %d, want a non-2xx error", resp.StatusCode)
	}

	// The relay must close the connection rather than leave the player hanging.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read after error: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("error response carried %d body bytes", len(body))
	}
}

func TestNoTargetReturnsUnavailable(t *testing.T) {
	r := startRelay(t)

	resp := request(t, r, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 before any target is set", resp.StatusCode)
	}
}

func TestBindFailure(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()

	r := New(port, client.NewHeaderSettingClient())
	if err := r.Start(); !errors.Is(err, ErrBindFailed) {
		t.Errorf("Start() = %v, want ErrBindFailed", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	r := New(freePort(t), client.NewHeaderSettingClient())
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	r.Stop()
	r.Stop()

	if r.State() != StateStopped {
		t.Errorf("state = %v, want StateStopped", r.State())
	}
}

func TestTargetBoundAtAcceptTime(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		io.WriteString(w, "first")
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		io.WriteString(w, "second")
	}))
	defer second.Close()

	r := startRelay(t)
	r.SetTarget(first.URL, nil)

	resp := request(t, r, "")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "first" {
		t.Fatalf("body = %q, want first", body)
	}

	r.SetTarget(second.URL, nil)
	resp = request(t, r, "")
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "second" {
		t.Errorf("body = %q, want second", body)
	}
}
