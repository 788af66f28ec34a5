package meek

import (
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
)

// The obfuscator implements the obfuscated-SSH style stream transform the
// relay expects on the session cookie. The client prepends a seed message;
// the relay reads it, re-derives the keystreams from the seed and the
// shared keyword, verifies the magic, and strips the padding. The output is
// indistinguishable from random to an observer lacking the keyword.
//
// Wire format of the seed message:
//
//	seed[16] || RC4_c2s( magic[4] || paddingLength[4] || padding )
//
// with keystream keys derived as 6000 iterations of SHA-1 over
// seed || keyword || direction label.

const (
	obfuscateSeedLength     = 16
	obfuscateKeyLength      = 16
	obfuscateHashIterations = 6000
	obfuscateMagicValue     = 0x0bf5ca7e

	obfuscateClientToServerIV = "client_to_server"
	obfuscateServerToClientIV = "server_to_client"
)

type obfuscator struct {
	seedMsg        []byte
	clientToServer *rc4.Cipher
	serverToClient *rc4.Cipher
}

// newClientObfuscator creates an obfuscator with a fresh random seed and a
// seed message carrying up to maxPadding random bytes of padding.
func newClientObfuscator(keyword string, maxPadding int) (*obfuscator, error) {
	seed := make([]byte, obfuscateSeedLength)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generating obfuscation seed: %w", err)
	}

	o, err := newObfuscator(seed, keyword)
	if err != nil {
		return nil, err
	}

	// The padding length comes from a non-cryptographic PRNG, uniform over
	// [0, maxPadding]; the padding bytes themselves come from crypto/rand.
	padding := make([]byte, mrand.IntN(maxPadding+1))
	if _, err := io.ReadFull(rand.Reader, padding); err != nil {
		return nil, fmt.Errorf("generating padding: %w", err)
	}

	preamble := make([]byte, 8+len(padding))
	binary.BigEndian.PutUint32(preamble[0:4], obfuscateMagicValue)
	binary.BigEndian.PutUint32(preamble[4:8], uint32(len(padding)))
	copy(preamble[8:], padding)
	o.clientToServer.XORKeyStream(preamble, preamble)

	o.seedMsg = make([]byte, 0, len(seed)+len(preamble))
	o.seedMsg = append(o.seedMsg, seed...)
	o.seedMsg = append(o.seedMsg, preamble...)
	return o, nil
}

// newServerObfuscator consumes a seed message from r and returns an
// obfuscator whose client-to-server keystream is positioned immediately
// after the padding, ready to deobfuscate the remaining client bytes.
func newServerObfuscator(r io.Reader, keyword string) (*obfuscator, error) {
	seed := make([]byte, obfuscateSeedLength)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("reading seed: %w", err)
	}

	o, err := newObfuscator(seed, keyword)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading seed message header: %w", err)
	}
	o.clientToServer.XORKeyStream(header, header)

	if binary.BigEndian.Uint32(header[0:4]) != obfuscateMagicValue {
		return nil, errors.New("invalid seed message")
	}
	paddingLength := binary.BigEndian.Uint32(header[4:8])
	if paddingLength > obfuscateCookiePadding {
		return nil, fmt.Errorf("invalid padding length %d", paddingLength)
	}

	padding := make([]byte, paddingLength)
	if _, err := io.ReadFull(r, padding); err != nil {
		return nil, fmt.Errorf("reading padding: %w", err)
	}
	o.clientToServer.XORKeyStream(padding, padding)

	return o, nil
}

func newObfuscator(seed []byte, keyword string) (*obfuscator, error) {
	clientToServer, err := rc4.NewCipher(deriveObfuscationKey(seed, keyword, obfuscateClientToServerIV))
	if err != nil {
		return nil, fmt.Errorf("initializing client-to-server stream: %w", err)
	}
	serverToClient, err := rc4.NewCipher(deriveObfuscationKey(seed, keyword, obfuscateServerToClientIV))
	if err != nil {
		return nil, fmt.Errorf("initializing server-to-client stream: %w", err)
	}
	return &obfuscator{
		clientToServer: clientToServer,
		serverToClient: serverToClient,
	}, nil
}

// seedMessage returns the prefix the relay needs to re-derive the
// keystreams. Only set on client-constructed obfuscators.
func (o *obfuscator) seedMessage() []byte {
	return o.seedMsg
}

// obfuscateClientToServer transforms b in place with the client-to-server
// keystream. The transform is symmetric: applying it on the relay side at
// the same stream position recovers the original bytes.
func (o *obfuscator) obfuscateClientToServer(b []byte) {
	o.clientToServer.XORKeyStream(b, b)
}

// obfuscateServerToClient transforms b in place with the server-to-client
// keystream.
func (o *obfuscator) obfuscateServerToClient(b []byte) {
	o.serverToClient.XORKeyStream(b, b)
}

// deriveObfuscationKey derives a keystream key: SHA-1 over
// seed || keyword || iv, iterated obfuscateHashIterations times, truncated
// to obfuscateKeyLength.
func deriveObfuscationKey(seed []byte, keyword, iv string) []byte {
	h := sha1.New()
	h.Write(seed)
	h.Write([]byte(keyword))
	h.Write([]byte(iv))
	digest := h.Sum(nil)
	for i := 0; i < obfuscateHashIterations; i++ {
		h.Reset()
		h.Write(digest)
		digest = h.Sum(nil)
	}
	return digest[:obfuscateKeyLength]
}
