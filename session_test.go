package meek

import (
	"bytes"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Test helpers ---

// testConfig builds an unfronted ClientConfig pointed at the stub relay.
// Returns the config and the relay's base64 private key for cookie checks.
func testConfig(t *testing.T, srv *httptest.Server) (ClientConfig, string) {
	t.Helper()
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing relay URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting relay address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing relay port: %v", err)
	}
	return ClientConfig{
		Mode:          ModeUnfronted,
		SessionID:     "test-session",
		TargetAddress: "192.0.2.1:2222",
		PublicKey:     pub,
		RelayHost:     host,
		RelayPort:     port,
	}, priv
}

func startClient(t *testing.T, config ClientConfig) *Client {
	t.Helper()
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(client.Stop)
	return client
}

func dialLocal(t *testing.T, client *Client) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", client.LocalPort()))
	if err != nil {
		t.Fatalf("dialing local listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn)
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	if len(body) > 0 {
		w.Write(body)
	}
}

// captureLogger records warnings for assertions.
type captureLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *captureLogger) Debugf(string, ...any) {}
func (l *captureLogger) Infof(string, ...any)  {}
func (l *captureLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}
func (l *captureLogger) Errorf(format string, args ...any) {
	l.Warnf(format, args...)
}

func (l *captureLogger) hasWarning(substring string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warnings {
		if strings.Contains(w, substring) {
			return true
		}
	}
	return false
}

// scriptedClock returns a fixed sequence of instants, sticking at the last.
type scriptedClock struct {
	mu      sync.Mutex
	base    time.Time
	offsets []time.Duration
	next    int
}

func (c *scriptedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.next
	if i >= len(c.offsets) {
		i = len(c.offsets) - 1
	} else {
		c.next++
	}
	return c.base.Add(c.offsets[i])
}

// --- Poll interval ---

func TestNextPollInterval(t *testing.T) {
	cases := []struct {
		prev  time.Duration
		moved bool
		want  time.Duration
	}{
		{minPollInterval, true, minPollInterval},
		{idlePollInterval, true, minPollInterval},
		{maxPollInterval, true, minPollInterval},
		{minPollInterval, false, idlePollInterval},
		{idlePollInterval, false, 150 * time.Millisecond},
		{150 * time.Millisecond, false, 225 * time.Millisecond},
		{225 * time.Millisecond, false, 337500 * time.Microsecond},
		{4 * time.Second, false, maxPollInterval},
		{maxPollInterval, false, maxPollInterval},
	}
	for _, tc := range cases {
		if got := nextPollInterval(tc.prev, tc.moved); got != tc.want {
			t.Errorf("nextPollInterval(%v, %v) = %v, want %v", tc.prev, tc.moved, got, tc.want)
		}
	}
}

// --- End-to-end scenarios against a stub relay ---

func TestEchoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	config, _ := testConfig(t, srv)
	client := startClient(t, config)
	conn := dialLocal(t, client)

	data := make([]byte, 200<<10)
	for i := range data {
		data[i] = byte(mrand.IntN(256))
	}

	go func() {
		conn.Write(data)
		conn.CloseWrite()
	}()

	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading echoed stream: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("echoed stream mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestSessionCookieStableAcrossRequests(t *testing.T) {
	var mu sync.Mutex
	var cookies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cookies = append(cookies, r.Header.Get("Cookie"))
		mu.Unlock()
	}))
	defer srv.Close()

	config, priv := testConfig(t, srv)
	client := startClient(t, config)
	dialLocal(t, client)

	// An idle session keeps polling; wait for a few requests.
	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(cookies)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw only %d requests before timeout", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	first := cookies[0]
	for i, cookie := range cookies {
		if cookie != first {
			t.Fatalf("request %d cookie %q differs from first %q", i, cookie, first)
		}
	}

	name, value, ok := strings.Cut(first, "=")
	if !ok || len(name) != 1 || name[0] < 'A' || name[0] > 'Z' {
		t.Fatalf("cookie %q does not have the expected K=<value> shape", first)
	}
	descriptor, err := OpenCookie(value, priv, "")
	if err != nil {
		t.Fatalf("OpenCookie: %v", err)
	}
	if descriptor.SessionID != "test-session" {
		t.Errorf("cookie session ID = %q, want %q", descriptor.SessionID, "test-session")
	}
	if descriptor.TargetAddress != "192.0.2.1:2222" {
		t.Errorf("cookie target = %q, want %q", descriptor.TargetAddress, "192.0.2.1:2222")
	}
}

func TestRetryAfterSingleFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		echoHandler(w, r)
	}))
	defer srv.Close()

	config, _ := testConfig(t, srv)
	client := startClient(t, config)
	conn := dialLocal(t, client)

	message := []byte("hello meek")
	if _, err := conn.Write(message); err != nil {
		t.Fatalf("writing: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(message))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading echo after retry: %v", err)
	}
	if !bytes.Equal(got, message) {
		t.Fatalf("echo = %q, want %q", got, message)
	}
}

func TestTerminalFailureClosesSessionOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	config, _ := testConfig(t, srv)
	logger := &captureLogger{}
	config.Logger = logger
	client := startClient(t, config)
	conn := dialLocal(t, client)

	conn.Write([]byte("x"))

	// Both attempts fail, so the session must close the local socket.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the session to close the local connection")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("local connection still open after terminal failure")
	}

	if !logger.hasWarning("status 503") {
		t.Error("expected a warning mentioning the relay status")
	}

	// The acceptor must still be running.
	if client.LocalPort() <= 0 {
		t.Fatalf("LocalPort = %d after session failure, want running", client.LocalPort())
	}
	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", client.LocalPort()))
	if err != nil {
		t.Fatalf("dialing after session failure: %v", err)
	}
	second.Close()
}

func TestSimulatedSleepTerminatesSession(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		echoHandler(w, r)
	}))
	defer srv.Close()

	config, _ := testConfig(t, srv)
	logger := &captureLogger{}
	config.Logger = logger

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	// First iteration exchanges normally at offset 0. The second read
	// appears to have taken 50s (the device slept), which skips that
	// exchange; the third iteration hits the staleness bound and the
	// session terminates without another request.
	jump := 50 * time.Second
	client.nowFunc = (&scriptedClock{
		base: time.Now(),
		offsets: []time.Duration{
			0, 0, 0, 0, // iteration 1: read, post, success
			0, jump, // iteration 2: read overshoots, skip
			jump, jump, jump, // iteration 3: staleness check fires
		},
	}).Now

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	conn := dialLocal(t, client)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the session to terminate")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("session still alive after simulated sleep")
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("relay saw %d requests, want 1", got)
	}
	if !logger.hasWarning("may have slept") {
		t.Error("expected a sleep-skew warning")
	}

	// The acceptor survives the session.
	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", client.LocalPort()))
	if err != nil {
		t.Fatalf("dialing after simulated sleep: %v", err)
	}
	second.Close()
}

func TestProtectSocketInvoked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	var protected atomic.Int32
	config, _ := testConfig(t, srv)
	config.ProtectSocket = func(fd int) bool {
		protected.Add(1)
		return true
	}
	client := startClient(t, config)
	conn := dialLocal(t, client)

	message := []byte("ping")
	conn.Write(message)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got := make([]byte, len(message))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}

	if protected.Load() == 0 {
		t.Error("protect hook was never invoked for the upstream socket")
	}
}

func TestUploadChunking(t *testing.T) {
	var mu sync.Mutex
	var bodySizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodySizes = append(bodySizes, len(body))
		mu.Unlock()
	}))
	defer srv.Close()

	config, _ := testConfig(t, srv)
	client := startClient(t, config)
	conn := dialLocal(t, client)

	total := 3 * maxPayloadLength
	go func() {
		conn.Write(make([]byte, total))
		conn.CloseWrite()
	}()

	deadline := time.Now().Add(15 * time.Second)
	for {
		mu.Lock()
		sum := 0
		for _, n := range bodySizes {
			sum += n
		}
		mu.Unlock()
		if sum == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay received %d of %d bytes before timeout", sum, total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	nonEmpty := 0
	for _, n := range bodySizes {
		if n > maxPayloadLength {
			t.Fatalf("request body of %d bytes exceeds the payload bound", n)
		}
		if n > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < total/maxPayloadLength {
		t.Errorf("upload used %d non-empty requests, want at least %d", nonEmpty, total/maxPayloadLength)
	}
}
