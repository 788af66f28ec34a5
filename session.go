package meek

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// session relays one accepted local connection through HTTP exchanges with
// the relay. All state is confined to the single goroutine driving it, and
// requests are strictly serial: a new request is never issued before the
// previous response body has been fully consumed and written to the local
// connection, which preserves byte order in both directions.
type session struct {
	conn      net.Conn
	transport *sessionTransport
	cookie    string
	logger    Logger

	// now is the monotonic clock; a test seam for simulating device sleep.
	now func() time.Time

	lastSuccess time.Time
}

func (c *Client) runSession(conn net.Conn) {
	logger := c.config.Logger

	cookie, err := makeCookie(
		c.config.SessionID,
		c.config.TargetAddress,
		&c.recipientKey,
		c.config.ObfuscationKeyword)
	if err != nil {
		logger.Warnf("building session cookie: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverTimeout)
	transport, err := c.newTransport(ctx)
	cancel()
	if err != nil {
		logger.Warnf("building relay transport: %v", err)
		return
	}
	defer transport.Close()

	s := &session{
		conn:      conn,
		transport: transport,
		cookie:    cookie,
		logger:    logger,
		now:       c.nowFunc,
	}
	if err := s.relay(); err != nil {
		logger.Warnf("relay session ended: %v", err)
	}
}

// relay runs the polling loop until local EOF, session staleness, or an
// unrecoverable relay failure. A nil return is a normal termination either
// way; the caller closes the local connection.
func (s *session) relay() error {
	// TODO: read locally in a separate goroutine so uploads can continue
	// while a long download streams; needs two coordinated goroutines and
	// a channel, and round trips dominate at 64 KiB chunks anyway.
	payload := make([]byte, maxPayloadLength)
	response := make([]byte, maxPayloadLength)
	pollInterval := minPollInterval

	for {
		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		readStart := s.now()
		n, err := s.conn.Read(payload)
		if err != nil && n == 0 {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				return fmt.Errorf("reading local connection: %w", err)
			}
			// Timed out: poll the relay with an empty body. But a read
			// that overshot its deadline by a lot means the device slept
			// through it; if the session is already past the staleness
			// bound, skip the exchange and let the pre-request check
			// settle the session's fate.
			readEnd := s.now()
			readDuration := readEnd.Sub(readStart)
			if readDuration > pollInterval+time.Second {
				s.logger.Warnf("local read took %v with a %v deadline; device may have slept", readDuration, pollInterval)
				if !s.lastSuccess.IsZero() && readEnd.Sub(s.lastSuccess) > 2*serverTimeout {
					continue
				}
			}
		}

		// After roughly twice the server timeout without a successful
		// exchange the relay has expired its side of the session; it
		// would keep answering 200 with empty bodies while no data
		// flows. Give up quietly.
		if stale := s.now().Sub(s.lastSuccess); !s.lastSuccess.IsZero() && stale > 2*serverTimeout {
			s.logger.Debugf("no successful exchange in %v, closing session", stale)
			return nil
		}

		received, err := s.exchange(payload[:n], response)
		if err != nil {
			return err
		}

		pollInterval = nextPollInterval(pollInterval, n > 0 || received)
	}
}

// exchange performs one POST with a single retry. Only failures known to
// be complete are retried: the tunneled byte stream cannot tolerate
// duplicated bytes, so once a 200 response is being relayed, any error is
// terminal. The relay commits upload payload only on full request receipt,
// which is what makes the retry safe.
func (s *session) exchange(payload, response []byte) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		received, retryable, err := s.roundTrip(payload, response)
		if err == nil {
			return received, nil
		}
		if !retryable {
			return false, err
		}
		s.logger.Warnf("relay round trip: %v", err)
		lastErr = err
	}
	return false, fmt.Errorf("relay round trip failed twice: %w", lastErr)
}

// roundTrip issues one POST and streams the response body to the local
// connection. The request context expires after serverTimeout, aborting
// the exchange wherever it is stuck, independent of the transport's own
// timeouts.
func (s *session) roundTrip(payload, response []byte) (received, retryable bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), serverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.transport.url, bytes.NewReader(payload))
	if err != nil {
		return false, false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", httpContentType)
	req.Header.Set("Cookie", s.cookie)
	if s.transport.hostHeader != "" {
		req.Host = s.transport.hostHeader
	}

	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		return false, true, fmt.Errorf("posting to relay: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return false, true, fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	s.lastSuccess = s.now()

	for {
		n, err := resp.Body.Read(response)
		if n > 0 {
			received = true
			if _, werr := s.conn.Write(response[:n]); werr != nil {
				return received, false, fmt.Errorf("writing to local connection: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return received, false, nil
		}
		if err != nil {
			return received, false, fmt.Errorf("reading response body: %w", err)
		}
	}
}

// nextPollInterval adapts the poll pacing: any moved byte in either
// direction snaps back to the minimum to approximate streaming; the first
// idle exchange steps to the idle interval; continued idleness backs off
// geometrically to the ceiling.
func nextPollInterval(prev time.Duration, movedData bool) time.Duration {
	switch {
	case movedData:
		return minPollInterval
	case prev == minPollInterval:
		return idlePollInterval
	default:
		next := time.Duration(float64(prev) * pollIntervalMultiplier)
		if next > maxPollInterval {
			next = maxPollInterval
		}
		return next
	}
}
