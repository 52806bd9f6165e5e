package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	// CodeChallengeMethod is the only challenge method this service issues.
	CodeChallengeMethod = "S256"

	verifierBytes = 32
)

// PKCEPair is a code verifier and the S256 challenge derived from it.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// PKCEGenerator produces PKCE verifiers and challenges.
type PKCEGenerator struct {
	rand io.Reader
}

// NewPKCEGenerator returns a generator backed by crypto/rand.
func NewPKCEGenerator() *PKCEGenerator {
	return &PKCEGenerator{rand: rand.Reader}
}

// GeneratePKCECodes returns a fresh verifier (32 random bytes, 256 bits)
// together with its challenge.
func GeneratePKCECodes() (PKCEPair, error) {
	return NewPKCEGenerator().Generate()
}

// Generate returns a fresh PKCE pair.
func (g *PKCEGenerator) Generate() (PKCEPair, error) {
	b := make([]byte, verifierBytes)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return PKCEPair{}, fmt.Errorf("%w: %v", ErrRandomSourceUnavailable, err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return PKCEPair{
		Verifier:  verifier,
		Challenge: s256(verifier),
	}, nil
}

// s256 is the RFC 7636 S256 transform: base64url(sha256(verifier)).
func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
