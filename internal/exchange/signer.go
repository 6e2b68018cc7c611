package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints the short-lived ES256 JWTs the exchange handshake requires,
// grounded on original_source/coinbase-advanced-api/src/signer.rs's Signer
// (key name as both JWT header kid and subject, issuer "coinbase-cloud", a
// random nonce header, 120s expiry). Uses github.com/golang-jwt/jwt/v5 (the
// pool's own JWT library, via abdulloh5007-tradepl) in place of the
// original's josekit, which has no Go ecosystem counterpart.
type Signer struct {
	keyName string
	key     *ecdsa.PrivateKey
}

// NewSigner parses an EC private key in PEM form and binds it to keyName.
// Per spec.md §7, an unparseable private key is a Fatal startup error —
// callers are expected to os.Exit on a non-nil error here.
func NewSigner(keyName, privateKeyPEM string) (*Signer, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("exchange: parse EC private key: %w", err)
	}
	return &Signer{keyName: keyName, key: key}, nil
}

// CreateJWT mints a JWT authorizing a call to the named service, valid for
// 120 seconds from now, matching the original signer's expiry window.
func (s *Signer) CreateJWT(service string) (string, error) {
	nonce, err := randomNonce(32)
	if err != nil {
		return "", fmt.Errorf("exchange: generate nonce: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": s.keyName,
		"iss": "coinbase-cloud",
		"nbf": now.Unix(),
		"exp": now.Add(120 * time.Second).Unix(),
		"aud": []string{service},
	})
	token.Header["kid"] = s.keyName
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("exchange: sign jwt: %w", err)
	}
	return signed, nil
}

func randomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
