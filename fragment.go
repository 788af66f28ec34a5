package meek

import (
	"net"
	"sync"
)

// helloSplitter wraps a net.Conn and splits the first write (the TLS
// ClientHello) into two TCP segments at the SNI value, so a DPI middlebox
// must reassemble segments before it can read the server name. Later
// writes pass through untouched.
type helloSplitter struct {
	net.Conn

	mu   sync.Mutex
	done bool
}

func (f *helloSplitter) Write(b []byte) (int, error) {
	f.mu.Lock()
	first := !f.done
	f.done = true
	f.mu.Unlock()

	if !first || len(b) < 64 {
		return f.Conn.Write(b)
	}

	split := sniSplitPoint(b)
	if split <= 0 || split >= len(b) {
		split = len(b) / 2
	}

	n, err := f.Conn.Write(b[:split])
	if err != nil {
		return n, err
	}
	m, err := f.Conn.Write(b[split:])
	return n + m, err
}

// sniSplitPoint walks the ClientHello and returns an offset inside the SNI
// host name. When the server_name extension is too short or cut off, it
// returns the start of that extension's body instead; it returns -1 when
// the record cannot be parsed or has no server_name extension.
func sniSplitPoint(data []byte) int {
	// TLS record header (5) then handshake: type(1) + length(3).
	pos := 5
	if pos >= len(data) || data[pos] != 0x01 {
		return -1
	}
	pos += 4

	// client_version(2) + random(32)
	pos += 34
	if pos >= len(data) {
		return -1
	}

	// session_id
	pos += 1 + int(data[pos])
	if pos+2 > len(data) {
		return -1
	}

	// cipher_suites
	cipherSuitesLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2 + cipherSuitesLen
	if pos+1 > len(data) {
		return -1
	}

	// compression_methods
	pos += 1 + int(data[pos])
	if pos+2 > len(data) {
		return -1
	}

	// extensions
	extensionsLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2
	extensionsEnd := pos + extensionsLen
	if extensionsEnd > len(data) {
		extensionsEnd = len(data)
	}

	for pos+4 <= extensionsEnd {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4
		if extType == 0x0000 { // server_name
			// list_length(2) + name_type(1) + name_length(2), then the name
			nameStart := pos + 5
			if extLen >= 5 && nameStart+1 < len(data) {
				return nameStart + 1
			}
			return pos
		}
		pos += extLen
	}
	return -1
}
