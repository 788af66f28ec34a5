// Package meek implements the client side of a transport that tunnels an
// arbitrary TCP byte stream through a sequence of short HTTP(S) POST
// exchanges to a relay, making the traffic look like ordinary web requests.
// The relay may be reached through a "fronting" CDN: the TLS SNI and outer
// URL name a permitted domain while an inner HTTP Host header selects the
// true relay hosted behind it.
//
// Each connection accepted on the client's loopback listener becomes one
// relay session: a long-lived polling loop that sends client bytes in
// request bodies and receives relay bytes in response bodies, adapting its
// poll rate to traffic. Session parameters travel to the relay in an
// encrypted, optionally obfuscated cookie.
package meek

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/gofrs/uuid/v5"
)

const (
	// protocolVersion is the meek cookie protocol version.
	protocolVersion = 1

	// maxPayloadLength bounds the body of a single POST request; response
	// bodies are streamed in chunks of this size, with no bound on the total.
	maxPayloadLength = 0x10000

	// Poll pacing: start at minPollInterval so the first request times
	// connection responsiveness, step to idlePollInterval on the first idle
	// exchange, then back off geometrically to maxPollInterval.
	minPollInterval        = 1 * time.Millisecond
	idlePollInterval       = 100 * time.Millisecond
	maxPollInterval        = 5 * time.Second
	pollIntervalMultiplier = 1.5

	// serverTimeout applies to connect, request and response of every
	// exchange with the relay. The relay expires a session after roughly
	// twice this without a request, so the client gives up on a session
	// once that much time passes without a success.
	serverTimeout = 20 * time.Second

	httpContentType = "application/octet-stream"
)

// Mode selects how the relay is reached.
type Mode int

const (
	// ModeFronted tunnels over HTTPS through a fronting CDN.
	ModeFronted Mode = iota
	// ModeUnfronted speaks plain HTTP directly to the relay; session
	// parameters travel only in the obfuscated cookie.
	ModeUnfronted
)

func (m Mode) String() string {
	switch m {
	case ModeFronted:
		return "fronted"
	case ModeUnfronted:
		return "unfronted"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// DialFunc allows injecting a custom TCP dialer for upstream connections.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProtectFunc is the host VPN hook: it is invoked with the raw fd of every
// upstream socket before connect so the connection can be excluded from the
// VPN interface. It reports whether the socket was protected.
type ProtectFunc func(fd int) bool

// ClientConfig configures a meek Client. All knobs are fixed at
// construction; there is no file or environment configuration.
type ClientConfig struct {
	Mode Mode

	// SessionID is the opaque identifier for this client session,
	// delivered to the relay inside the encrypted cookie.
	SessionID string

	// TargetAddress is the host:port the relay dials on our behalf.
	TargetAddress string

	// PublicKey is the relay's NaCl box public key, base64 encoded.
	// The session cookie is sealed to it.
	PublicKey string

	// ObfuscationKeyword, when set, wraps the sealed cookie in a
	// keyword-seeded stream obfuscator before encoding.
	ObfuscationKeyword string

	// Fronted mode: FrontingDomain is the TLS SNI, DNS target and URL
	// host; FrontingHost is the Host header that selects the relay
	// behind the front. FrontingPort is the front's TLS port, default
	// 443.
	FrontingDomain string
	FrontingHost   string
	FrontingPort   int

	// Fingerprint selects the TLS ClientHello imitated in fronted mode:
	// "chrome" (default), "firefox", "safari", or "golang" for the
	// stock crypto/tls hello where an imitated one cannot complete the
	// handshake.
	Fingerprint string

	// RootCAs overrides the certificate pool used to verify the front.
	// When nil, the host's root CAs are used.
	RootCAs *x509.CertPool

	// TCPFragmentation splits the fronted ClientHello across TCP
	// segments at the SNI boundary.
	TCPFragmentation bool

	// Unfronted mode: the relay's direct address.
	RelayHost string
	RelayPort int

	// ProtectSocket is applied to every upstream socket before connect.
	ProtectSocket ProtectFunc

	// Resolver resolves upstream hostnames outside the tunnel. When nil,
	// the system resolver is used with ProtectSocket applied to its
	// sockets.
	Resolver Resolver

	// Logger absorbs diagnostics. When nil, logging is discarded.
	Logger Logger

	// Dialer overrides the upstream TCP dialer. Mostly a test seam; when
	// set, ProtectSocket and Resolver are not consulted.
	Dialer DialFunc
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *ClientConfig) applyDefaults() {
	if c.Fingerprint == "" {
		c.Fingerprint = "chrome"
	}
	if c.FrontingPort == 0 {
		c.FrontingPort = 443
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.Resolver == nil {
		c.Resolver = &SystemResolver{Protect: c.ProtectSocket}
	}
}

// NewSessionID generates a fresh opaque session identifier suitable for
// ClientConfig.SessionID.
func NewSessionID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating session ID: %w", err)
	}
	return id.String(), nil
}
