package session

import (
	"crypto/rand"
	"encoding/base64"
)

// newRecoveryToken returns an opaque, unguessable token. Recovery tokens
// carry no structure for callers to rely on, so a CSPRNG byte string is
// sufficient — uuid would imply structure the spec's glossary explicitly
// disclaims.
func newRecoveryToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
