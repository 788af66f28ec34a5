package meek

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client tunnels connections accepted on a loopback listener through HTTP
// exchanges with a meek relay. One Client serves one relay; the host
// orchestrator makes multiple Clients to try different relays or fronts.
type Client struct {
	config       ClientConfig
	recipientKey [32]byte

	// mu serializes lifecycle transitions: the whole stop-and-rebind of a
	// Start, and Stop, are each atomic under it.
	mu         sync.Mutex
	listener   net.Listener
	localPort  int
	acceptDone chan struct{}

	// clientsMu guards the live connection set separately from mu: a stop
	// holds mu while joining the acceptor, and the acceptor may be
	// registering a just-accepted connection at that moment. Register and
	// unregister must therefore never need mu.
	clientsMu sync.Mutex
	clients   map[net.Conn]struct{}

	// nowFunc is the session monotonic clock; a test seam.
	nowFunc func() time.Time
}

// NewClient creates a meek client. The configuration is fixed for the
// client's lifetime.
func NewClient(config ClientConfig) (*Client, error) {
	config.applyDefaults()

	if config.SessionID == "" {
		return nil, errors.New("SessionID is required")
	}
	if config.TargetAddress == "" {
		return nil, errors.New("TargetAddress is required")
	}
	rawKey, err := base64.StdEncoding.DecodeString(config.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding PublicKey: %w", err)
	}
	if len(rawKey) != 32 {
		return nil, fmt.Errorf("PublicKey must be exactly 32 bytes, got %d", len(rawKey))
	}
	switch config.Mode {
	case ModeFronted:
		if config.FrontingDomain == "" || config.FrontingHost == "" {
			return nil, errors.New("fronted mode requires FrontingDomain and FrontingHost")
		}
	case ModeUnfronted:
		if config.RelayHost == "" || config.RelayPort <= 0 {
			return nil, errors.New("unfronted mode requires RelayHost and RelayPort")
		}
	default:
		return nil, fmt.Errorf("unknown mode %v", config.Mode)
	}

	c := &Client{
		config:    config,
		localPort: -1,
		nowFunc:   time.Now,
	}
	copy(c.recipientKey[:], rawKey)
	return c, nil
}

// Mode reports how this client reaches its relay.
func (c *Client) Mode() Mode {
	return c.config.Mode
}

// Start binds the loopback listener and launches the acceptor. A running
// client is stopped first; the stop and rebind happen atomically, so
// concurrent Start and Stop calls cannot leak a listener.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding local listener: %w", err)
	}
	c.listener = listener
	c.localPort = listener.Addr().(*net.TCPAddr).Port
	c.acceptDone = make(chan struct{})

	c.clientsMu.Lock()
	c.clients = make(map[net.Conn]struct{})
	c.clientsMu.Unlock()

	go c.acceptLoop(listener, c.acceptDone)

	c.config.Logger.Infof("%s meek client listening on 127.0.0.1:%d", c.config.Mode, c.localPort)
	return nil
}

// Stop closes the listener, waits for the acceptor to exit, and closes all
// live local connections. Sessions are not joined: closing their sockets
// unblocks their loops, and the per-request timeout bounds how long one can
// linger mid-exchange. No-op when not running.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// stopLocked tears down the current run. The caller holds mu. Joining the
// acceptor under mu is safe because the accept path only ever takes
// clientsMu.
func (c *Client) stopLocked() {
	if c.listener == nil {
		return
	}
	c.listener.Close()
	<-c.acceptDone
	c.listener = nil
	c.acceptDone = nil
	c.localPort = -1

	c.clientsMu.Lock()
	for conn := range c.clients {
		conn.Close()
	}
	c.clients = nil
	c.clientsMu.Unlock()
}

// LocalPort returns the bound loopback port, or -1 when stopped.
func (c *Client) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPort
}

func (c *Client) acceptLoop(listener net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Stop closes the listener; that is the shutdown signal.
			if errors.Is(err, net.ErrClosed) {
				c.config.Logger.Debugf("accept loop exiting: %v", err)
			} else {
				c.config.Logger.Warnf("accepting local connection: %v", err)
			}
			return
		}
		if !c.registerClient(conn) {
			conn.Close()
			return
		}
		go func() {
			defer func() {
				c.unregisterClient(conn)
				conn.Close()
			}()
			c.runSession(conn)
		}()
	}
}

// registerClient adds an accepted connection to the live set. It reports
// false when the client stopped between accept and registration.
func (c *Client) registerClient(conn net.Conn) bool {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	if c.clients == nil {
		return false
	}
	c.clients[conn] = struct{}{}
	return true
}

func (c *Client) unregisterClient(conn net.Conn) {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	delete(c.clients, conn)
}
