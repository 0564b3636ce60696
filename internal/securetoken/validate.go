package securetoken

import (
	"time"

	"github.com/pkg/errors"
)

// Rejection reasons returned by Validate.
var (
	ErrSecureRequired = errors.New("secure_required")
	ErrExpired        = errors.New("expired")
	ErrInvalidToken   = errors.New("invalid_token")
)

// Result is the identity carried by an accepted code.
type Result struct {
	Identifier string
	Secure     bool
}

// Validator checks scanned codes against the issuer's key and lifetime.
type Validator struct {
	Signer *Signer
	TTL    time.Duration
}

// NewValidator accepts tokens signed by signer that live at most ttl.
func NewValidator(signer *Signer, ttl time.Duration) *Validator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Validator{Signer: signer, TTL: ttl}
}

// Validate classifies raw and applies the course policy. In secure mode only
// an authentic unexpired token passes. Otherwise any code passes and a token
// that fails the checks still yields its embedded identifier.
func (v *Validator) Validate(raw string, secureMode bool, now time.Time) (Result, error) {
	switch c := Parse(raw).(type) {
	case Token:
		err := v.check(c, now)
		if secureMode && err != nil {
			return Result{}, err
		}
		return Result{Identifier: c.Identifier, Secure: err == nil}, nil
	case Identifier:
		if secureMode {
			return Result{}, ErrSecureRequired
		}
		return Result{Identifier: string(c)}, nil
	}
	return Result{}, ErrSecureRequired
}

func (v *Validator) check(t Token, now time.Time) error {
	if !v.Signer.Verify(t) {
		return ErrInvalidToken
	}
	if t.IssuedAt.IsZero() || !t.IssuedAt.Before(t.ExpiresAt) || t.ExpiresAt.Sub(t.IssuedAt) > v.TTL {
		return ErrInvalidToken
	}
	if !t.ValidAt(now) {
		return ErrExpired
	}
	// A signed expiry further out than one lifetime was minted ahead of this clock.
	if t.ExpiresAt.After(now.Add(v.TTL)) {
		return ErrInvalidToken
	}
	return nil
}
