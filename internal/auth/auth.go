// Package auth implements the VoidLux connection handshake (§4.3): a
// 256-bit nonce challenge answered with an HMAC-SHA256 proof of shared
// secret knowledge, checked in constant time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// NonceStaleness is how long a challenge nonce remains acceptable
// before the responder must treat it as expired.
const NonceStaleness = 30 * time.Second

// NonceSize is 256 bits.
const NonceSize = 32

// Challenge is a nonce issued to a dialing peer, tracked locally so
// the issuer can later check staleness and bind the response to the
// connection it was issued on.
type Challenge struct {
	Nonce   []byte
	IssuedAt time.Time
}

// NewChallenge generates a fresh random nonce.
func NewChallenge() (Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return Challenge{Nonce: nonce, IssuedAt: time.Now()}, nil
}

// Expired reports whether the challenge has aged past NonceStaleness.
func (c Challenge) Expired() bool {
	return time.Since(c.IssuedAt) > NonceStaleness
}

// signingString builds the exact string HMAC-SHA256 is computed over:
// "voidlux:auth:v1:{nonce}:{node_id}:{role}", nonce hex-encoded.
func signingString(nonceHex, nodeID string, role types.Role) string {
	return fmt.Sprintf("voidlux:auth:v1:%s:%s:%s", nonceHex, nodeID, role)
}

// Sign computes the HMAC proof a dialing node sends back in response
// to a challenge, given the shared mesh secret.
func Sign(secret []byte, nonce []byte, nodeID string, role types.Role) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingString(hex.EncodeToString(nonce), nodeID, role)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a claimed HMAC proof against the expected value in
// constant time, returning false (never an error) on any mismatch so
// callers cannot distinguish failure reasons from the wire.
func Verify(secret []byte, nonce []byte, nodeID string, role types.Role, claimedHMACHex string) bool {
	expected := Sign(secret, nonce, nodeID, role)
	return hmac.Equal([]byte(expected), []byte(claimedHMACHex))
}
