package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("session: invalid connection token")

// TokenIssuer mints and checks connection tokens on the server side of
// negotiation. A token is "<connection id>:<hex hmac>", so the server can
// recover which connection a token belongs to without a lookup, and a
// client cannot forge one for an id it was never given.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given secret key.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// NewRandomTokenIssuer generates a fresh 32-byte secret. Tokens do not
// survive a restart of the issuing process, which is fine for a
// development server.
func NewRandomTokenIssuer() (*TokenIssuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue returns the token for connectionID.
func (t *TokenIssuer) Issue(connectionID string) string {
	return connectionID + ":" + t.sign(connectionID)
}

// Verify checks token and returns the connection id it was issued for.
func (t *TokenIssuer) Verify(token string) (string, error) {
	id, mac, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return "", ErrInvalidToken
	}

	// constant-time so response timing does not reveal how much matched
	if subtle.ConstantTimeCompare([]byte(t.sign(id)), []byte(mac)) != 1 {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (t *TokenIssuer) sign(connectionID string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(connectionID))
	return hex.EncodeToString(mac.Sum(nil))
}
