// Package signing issues and checks expiring HMAC signatures for package
// preview links.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrBadSignature is returned for malformed or forged signatures.
	ErrBadSignature = errors.New("invalid signature")
	// ErrExpired is returned once the link's expiry has passed.
	ErrExpired = errors.New("link expired")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// WithClock returns a copy of s using now as its time source.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	return &Signer{secret: s.secret, now: now}
}

// Sign returns the hex signature for a package id and expiry.
func (s *Signer) Sign(packageID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "preview:%s:%d", packageID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// PreviewPath returns the signed path prefix for packageID valid for ttl.
func (s *Signer) PreviewPath(packageID string, ttl time.Duration) (string, time.Time) {
	expires := s.now().Add(ttl).Truncate(time.Second)
	exp := expires.Unix()
	return fmt.Sprintf("/preview/%s/%d/%s/", packageID, exp, s.Sign(packageID, exp)), expires
}

// Verify checks the signature and expiry taken from a preview path.
func (s *Signer) Verify(packageID, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	expected := s.Sign(packageID, exp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}
