package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"audiocache/work/client"
	"audiocache/work/logger"
	"audiocache/work/metrics"
)

// ErrBindFailed means the loopback port was unavailable, typically because
// the OS has not released it from a prior session yet. Callers should retry
// briefly rather than treat this as fatal.
var ErrBindFailed = errors.New("relay bind failed")

// State of the relay listener.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
)

// Session is the current upstream target: the remote audio URL plus the
// spoofed header set presented to the origin. At most one session is active
// per relay; replacing it affects only subsequently accepted connections.
type Session struct {
	URL     string
	Headers map[string]string
}

// Relay is an HTTP-over-loopback-TCP server that lets a native media player
// issue ordinary local range requests while the relay presents a trusted
// client identity to the origin. Device-level HTTP stacks are fingerprinted
// and rejected upstream; the player never talks to the origin directly.
type Relay struct {
	port   int
	client *client.HeaderSettingClient

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	state    atomic.Int32
	session  atomic.Pointer[Session]
	conns    *xsync.MapOf[string, net.Conn]
	wg       sync.WaitGroup
}

// New creates a relay bound to the given fixed loopback port once started.
func New(port int, httpClient *client.HeaderSettingClient) *Relay {
	return &Relay{
		port:   port,
		client: httpClient,
		conns:  xsync.NewMapOf[string, net.Conn](),
	}
}

// State returns the listener state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

// Addr returns the local address clients should use, valid while listening.
func (r *Relay) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.port)
}

// SetTarget atomically replaces the current session. The target is bound to
// each connection at accept time, so bytes already queued on an open
// connection keep flowing from the old target.
func (r *Relay) SetTarget(url string, headers map[string]string) {
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	r.session.Store(&Session{URL: url, Headers: copied})
	logger.Debug("{relay - SetTarget} New upstream target set")
}

// Start binds the loopback port and begins accepting connections.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if State(r.state.Load()) != StateStopped {
		return nil
	}
	r.state.Store(int32(StateStarting))

	ln, err := net.Listen("tcp", r.Addr())
	if err != nil {
		r.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.listener = ln
	r.cancel = cancel
	r.state.Store(int32(StateListening))

	r.wg.Add(1)
	go r.acceptLoop(ctx, ln)

	logger.Info("{relay - Start} Listening on %s", r.Addr())
	return nil
}

// Stop cancels the listener and all open connections. Idempotent.
func (r *Relay) Stop() {
	r.mu.Lock()
	if State(r.state.Load()) == StateStopped {
		r.mu.Unlock()
		return
	}
	r.state.Store(int32(StateStopped))
	r.cancel()
	r.listener.Close()
	r.mu.Unlock()

	r.conns.Range(func(key string, conn net.Conn) bool {
		conn.Close()
		return true
	})
	r.wg.Wait()

	logger.Info("{relay - Stop} Relay stopped")
}

func (r *Relay) acceptLoop(ctx context.Context, ln net.Listener) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if State(r.state.Load()) == StateStopped {
				return
			}
			logger.Warn("{relay - acceptLoop} Accept failed: %v", err)
			continue
		}

		// Bind the session now, not at forward time, so a target swap can
		// never serve mixed content to an already-accepted connection.
		sess := r.session.Load()

		connID := fmt.Sprintf("%s-%d", conn.RemoteAddr(), time.Now().UnixNano())
		r.conns.Store(connID, conn)
		metrics.RelayConnections.Inc()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				conn.Close()
				r.conns.Delete(connID)
				metrics.RelayConnections.Dec()
			}()
			r.handleConn(ctx, conn, sess)
		}()
	}
}

// handleConn parses one request off the loopback connection and forwards it
// upstream, streaming the response back progressively.
func (r *Relay) handleConn(ctx context.Context, conn net.Conn, sess *Session) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	rangeHeader, err := readRequest(bufio.NewReader(conn))
	if err != nil {
		logger.Debug("{relay - handleConn} Bad request from player: %v", err)
		writeSimpleResponse(conn, http.StatusBadRequest)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if sess == nil {
		logger.Warn("{relay - handleConn} Connection accepted with no session target")
		writeSimpleResponse(conn, http.StatusServiceUnavailable)
		return
	}

	// Downstream disconnect must cancel the upstream request.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sess.URL, nil)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadGateway)
		return
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := r.client.DoWithHeaders(req, sess.Headers)
	if err != nil {
		logger.Warn("{relay - handleConn} Upstream request failed: %v", err)
		writeSimpleResponse(conn, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Forwarding a broken body would wedge the player; synthesize an
		// error and close instead.
		logger.Warn("{relay - handleConn} Upstream returned %d, closing connection", resp.StatusCode)
		writeSimpleResponse(conn, resp.StatusCode)
		return
	}

	if err := writeResponseHeaders(conn, resp, rangeHeader); err != nil {
		return
	}

	r.forward(conn, resp.Body, cancel)
}

// forward streams upstream chunks to the player as they arrive. No
// whole-body buffering: the blocking conn.Write is what lets a slow player
// apply backpressure to the upstream read.
func (r *Relay) forward(conn net.Conn, body io.Reader, cancelUpstream context.CancelFunc) {
	buf := make([]byte, 32*1024)
	var total int64

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				logger.Debug("{relay - forward} Player disconnected after %d bytes", total)
				cancelUpstream()
				return
			}
			total += int64(n)
			metrics.RelayBytesForwarded.WithLabelValues("downstream").Add(float64(n))
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("{relay - forward} Upstream stream ended with error after %d bytes: %v", total, err)
			} else {
				logger.Debug("{relay - forward} Stream complete, %d bytes forwarded", total)
			}
			return
		}
	}
}

// readRequest parses the minimal request the native player sends over this
// private loopback channel: a request line and headers. Only the Range
// header matters; this is deliberately not a general-purpose HTTP parser.
func readRequest(br *bufio.Reader) (rangeHeader string, err error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read request line: %w", err)
	}
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) != 3 || parts[0] != http.MethodGet {
		return "", fmt.Errorf("unsupported request line: %q", strings.TrimSpace(line))
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return rangeHeader, nil
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Range") {
				rangeHeader = strings.TrimSpace(value)
			}
		}
	}
}

// writeResponseHeaders synthesizes the downstream response head from the
// upstream response before any body bytes arrive; playback cannot start
// until the player has seen status and length.
func writeResponseHeaders(conn net.Conn, resp *http.Response, requestedRange string) error {
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		contentType = "audio/mp4"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("Accept-Ranges: bytes\r\n")

	contentRange := resp.Header.Get("Content-Range")
	contentLength := resp.ContentLength

	switch {
	case contentRange != "":
		fmt.Fprintf(&b, "Content-Range: %s\r\n", contentRange)
		if contentLength < 0 {
			contentLength = lengthFromContentRange(contentRange)
		}
	case requestedRange != "" && resp.StatusCode == http.StatusPartialContent:
		if start, end, ok := parseRangeBounds(requestedRange); ok && end >= start {
			fmt.Fprintf(&b, "Content-Range: bytes %d-%d/*\r\n", start, end)
			if contentLength < 0 {
				contentLength = end - start + 1
			}
		}
	}

	if contentLength >= 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", contentLength)
	}
	b.WriteString("Connection: close\r\n\r\n")

	_, err := conn.Write([]byte(b.String()))
	return err
}

// writeSimpleResponse sends a bodyless status response and leaves the
// connection to be closed by the caller.
func writeSimpleResponse(conn net.Conn, status int) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status))
}

// parseRangeBounds extracts start and end from "bytes=start-end"; end is -1
// for open-ended ranges.
func parseRangeBounds(rangeHeader string) (start, end int64, ok bool) {
	bounds, found := strings.CutPrefix(rangeHeader, "bytes=")
	if !found {
		return 0, 0, false
	}
	first, second, _ := strings.Cut(bounds, "-")
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if strings.TrimSpace(second) == "" {
		return start, -1, true
	}
	end, err = strconv.ParseInt(strings.TrimSpace(second), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// lengthFromContentRange computes a body length from a
// "bytes start-end/total" header, or -1 when it cannot.
func lengthFromContentRange(contentRange string) int64 {
	rest, found := strings.CutPrefix(contentRange, "bytes ")
	if !found {
		return -1
	}
	bounds, _, _ := strings.Cut(rest, "/")
	first, second, ok := strings.Cut(bounds, "-")
	if !ok {
		return -1
	}
	start, err1 := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	end, err2 := strconv.ParseInt(strings.TrimSpace(second), 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return -1
	}
	return end - start + 1
}
