package meek

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand/v2"

	"golang.org/x/crypto/nacl/box"
)

// obfuscateCookiePadding is the maximum random padding in an obfuscated
// cookie's seed message.
const obfuscateCookiePadding = 32

// SessionDescriptor is the record sealed inside the session cookie. The
// relay decrypts it to learn which destination to dial for this session.
type SessionDescriptor struct {
	Version       int    `json:"v"`
	SessionID     string `json:"s"`
	TargetAddress string `json:"p"`
}

// makeCookie builds the session cookie string, "K=<base64>", where K is a
// random uppercase letter and the value is the JSON descriptor sealed to
// the relay's public key with a fresh ephemeral keypair, optionally wrapped
// in the keyword obfuscator.
//
// The nonce is all zeros: the ephemeral sender key is strictly single-use,
// so nonce uniqueness comes from key uniqueness.
func makeCookie(sessionID, targetAddress string, recipientKey *[32]byte, obfuscationKeyword string) (string, error) {
	descriptor, err := json.Marshal(SessionDescriptor{
		Version:       protocolVersion,
		SessionID:     sessionID,
		TargetAddress: targetAddress,
	})
	if err != nil {
		return "", fmt.Errorf("encoding session descriptor: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating ephemeral key: %w", err)
	}

	var nonce [24]byte
	sealed := box.Seal(ephemeralPub[:], descriptor, &nonce, recipientKey, ephemeralPriv)

	value := sealed
	if obfuscationKeyword != "" {
		obfuscator, err := newClientObfuscator(obfuscationKeyword, obfuscateCookiePadding)
		if err != nil {
			return "", fmt.Errorf("initializing obfuscator: %w", err)
		}
		obfuscator.obfuscateClientToServer(sealed)
		value = append(obfuscator.seedMessage(), sealed...)
	}

	// The cookie name is observable on the wire; vary it with a
	// non-cryptographic PRNG purely to avoid a fixed fingerprint.
	name := byte('A' + mrand.IntN(26))

	return string(name) + "=" + base64.StdEncoding.EncodeToString(value), nil
}

// OpenCookie is the relay-side counterpart of the cookie builder: it
// decodes a cookie value (the part after "K="), unwraps the obfuscation
// layer when keyword is non-empty, and opens the box with the relay's
// base64-encoded private key.
func OpenCookie(cookieValue, privateKey, keyword string) (*SessionDescriptor, error) {
	decoded, err := base64.StdEncoding.DecodeString(cookieValue)
	if err != nil {
		return nil, fmt.Errorf("decoding cookie value: %w", err)
	}

	if keyword != "" {
		reader := bytes.NewReader(decoded)
		obfuscator, err := newServerObfuscator(reader, keyword)
		if err != nil {
			return nil, fmt.Errorf("reading obfuscation seed: %w", err)
		}
		// The seed message has been consumed; what remains is the
		// obfuscated sealed payload.
		remaining := decoded[len(decoded)-reader.Len():]
		obfuscator.obfuscateClientToServer(remaining)
		decoded = remaining
	}

	rawKey, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(rawKey) != 32 {
		return nil, fmt.Errorf("private key must be exactly 32 bytes, got %d", len(rawKey))
	}

	if len(decoded) < 32 {
		return nil, errors.New("sealed payload too short")
	}
	var priv, ephemeralPub [32]byte
	copy(priv[:], rawKey)
	copy(ephemeralPub[:], decoded[:32])

	var nonce [24]byte
	payload, ok := box.Open(nil, decoded[32:], &nonce, &ephemeralPub, &priv)
	if !ok {
		return nil, errors.New("opening sealed payload failed")
	}

	var descriptor SessionDescriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		return nil, fmt.Errorf("decoding session descriptor: %w", err)
	}
	return &descriptor, nil
}

// GenerateKeyPair generates a NaCl box keypair for relay provisioning.
// Returns base64-encoded (privateKey, publicKey); the public key is what
// clients embed as ClientConfig.PublicKey.
func GenerateKeyPair() (string, string, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]),
		base64.StdEncoding.EncodeToString(pub[:]), nil
}
