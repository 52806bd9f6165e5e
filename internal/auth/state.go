package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const stateBytes = 32

// GenerateState returns an unguessable correlation token for one
// authorization attempt.
func GenerateState() (string, error) {
	return generateState(rand.Reader)
}

func generateState(r io.Reader) (string, error) {
	b := make([]byte, stateBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomSourceUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
