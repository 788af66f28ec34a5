package meek

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// transporter is the slice of http.Transport / http2.Transport a session
// drives. Requests are issued through RoundTrip directly so no cookie jar
// or redirect handling ever applies.
type transporter interface {
	http.RoundTripper
	CloseIdleConnections()
}

// sessionTransport bundles the HTTP transport for one relay session with
// the request URL and Host override it must use.
type sessionTransport struct {
	transporter
	url        string
	hostHeader string // set in fronted mode only
	cached     *cachedConnDialer
}

func (t *sessionTransport) Close() {
	t.CloseIdleConnections()
	if t.cached != nil {
		t.cached.close()
	}
}

// newTransport builds the HTTP transport for one session.
//
// Unfronted mode is a plain http.Transport over the protected dialer. In
// fronted mode one TLS connection is pre-dialed to learn the negotiated
// application protocol, and an HTTP/2 or HTTP/1.1 transport is built
// around it; net/http's own HTTP/2 upgrade only engages for crypto/tls
// connections, which the utls connection is not. The pre-dialed connection
// is handed to the transport's first dial; any later dial goes back to the
// network.
func (c *Client) newTransport(ctx context.Context) (*sessionTransport, error) {
	if c.config.Mode == ModeUnfronted {
		address := net.JoinHostPort(c.config.RelayHost, strconv.Itoa(c.config.RelayPort))
		transport := &http.Transport{
			DialContext:           c.dialContext,
			DisableCompression:    true,
			MaxIdleConns:          1,
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       2 * serverTimeout,
			ResponseHeaderTimeout: serverTimeout,
		}
		return &sessionTransport{
			transporter: transport,
			url:         "http://" + address + "/",
		}, nil
	}

	conn, err := c.dialTLS(ctx)
	if err != nil {
		return nil, err
	}
	cached := &cachedConnDialer{
		conn: conn,
		dial: func(ctx context.Context) (net.Conn, error) { return c.dialTLS(ctx) },
	}

	var transport transporter
	if conn.ConnectionState().NegotiatedProtocol == "h2" {
		transport = &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return cached.dialContext(ctx)
			},
			DisableCompression: true,
		}
	} else {
		transport = &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return cached.dialContext(ctx)
			},
			DisableCompression:    true,
			MaxIdleConns:          1,
			MaxIdleConnsPerHost:   1,
			IdleConnTimeout:       2 * serverTimeout,
			ResponseHeaderTimeout: serverTimeout,
		}
	}

	return &sessionTransport{
		transporter: transport,
		url:         "https://" + c.config.FrontingDomain + "/",
		hostHeader:  c.config.FrontingHost,
		cached:      cached,
	}, nil
}

// dialTLS dials the fronting domain and performs a TLS handshake imitating
// the configured browser fingerprint. The certificate is verified against
// the fronting domain, which is what a browser visiting the front would
// verify.
func (c *Client) dialTLS(ctx context.Context) (*tlsConnWrapper, error) {
	address := net.JoinHostPort(c.config.FrontingDomain, strconv.Itoa(c.config.FrontingPort))
	raw, err := c.dialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if c.config.TCPFragmentation {
		raw = &helloSplitter{Conn: raw}
	}

	tlsConfig := &utls.Config{
		ServerName: c.config.FrontingDomain,
		RootCAs:    c.config.RootCAs,
		NextProtos: []string{"h2", "http/1.1"},
	}

	var helloID utls.ClientHelloID
	switch c.config.Fingerprint {
	case "firefox":
		helloID = utls.HelloFirefox_Auto
	case "safari":
		helloID = utls.HelloSafari_Auto
	case "golang":
		helloID = utls.HelloGolang
	default:
		helloID = utls.HelloChrome_Auto
	}

	uConn := utls.UClient(raw, tlsConfig, helloID)
	if err := uConn.HandshakeContext(ctx); err != nil {
		uConn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", c.config.FrontingDomain, err)
	}
	return &tlsConnWrapper{uConn}, nil
}

// dialContext is the protected upstream dialer: it resolves the hostname
// through the configured Resolver and applies the protect hook to the raw
// socket before connect, so the connection is excluded from the VPN route.
func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if c.config.Dialer != nil {
		return c.config.Dialer(ctx, network, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parsing dial address %s: %w", address, err)
	}

	dialer := &net.Dialer{
		Timeout: serverTimeout,
		Control: protectControl(c.config.ProtectSocket),
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := c.config.Resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, fmt.Errorf("dialing %s: %w", address, lastErr)
}

// protectControl adapts the host protect hook to net.Dialer.Control so it
// runs on the raw fd after socket creation and before connect.
func protectControl(protect ProtectFunc) func(network, address string, rc syscall.RawConn) error {
	if protect == nil {
		return nil
	}
	return func(network, address string, rc syscall.RawConn) error {
		var protectErr error
		if err := rc.Control(func(fd uintptr) {
			if !protect(int(fd)) {
				protectErr = errors.New("protect socket refused")
			}
		}); err != nil {
			return err
		}
		return protectErr
	}
}

// cachedConnDialer hands a pre-dialed connection to its first caller and
// dials fresh connections after that. close releases the cached connection
// if no dial ever claimed it.
type cachedConnDialer struct {
	mu   sync.Mutex
	conn net.Conn
	dial func(ctx context.Context) (net.Conn, error)
}

func (d *cachedConnDialer) dialContext(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	return d.dial(ctx)
}

func (d *cachedConnDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// tlsConnWrapper wraps utls.UConn to satisfy interfaces that expect
// crypto/tls.Conn methods (e.g., http2.Transport's connection state probe).
type tlsConnWrapper struct {
	*utls.UConn
}

func (w *tlsConnWrapper) ConnectionState() tls.ConnectionState {
	state := w.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:            state.Version,
		HandshakeComplete:  state.HandshakeComplete,
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
	}
}
