// Package token generates opaque session tokens. Tokens are random
// credentials resolved through the session store; they carry no claims.
package token

import (
	"crypto/rand"
	"encoding/hex"
)

// sessionTokenBytes gives 256 bits of entropy per token.
const sessionTokenBytes = 32

// NewSessionToken returns a new random session token as a hex string.
func NewSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
