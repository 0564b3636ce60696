// Package securetoken issues and checks the short-lived rotating codes a
// student's display shows while a course runs in secure QR mode.
package securetoken

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTL outlives the 30s display refresh by one cycle.
const DefaultTTL = 60 * time.Second

const nonceBytes = 16

// Code is the result of parsing a scanned string. It is either an
// Identifier or a Token.
type Code interface {
	code()
}

// Identifier is a plain student identifier printed on a static QR code.
type Identifier string

func (Identifier) code() {}

// Token is a rotating code bound to one student. Signature is the issuer's
// HMAC over the other fields.
type Token struct {
	Identifier string
	Nonce      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Signature  string
}

func (Token) code() {}

// ValidAt reports whether the token is still usable at now. Expiry is exclusive.
func (t Token) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

type wireToken struct {
	Identifier string `json:"sid"`
	Nonce      string `json:"nonce"`
	IssuedAt   *int64 `json:"iat,omitempty"`
	ExpiresAt  *int64 `json:"exp"`
	Signature  string `json:"sig,omitempty"`
}

// Encode renders the token as the payload handed to the student's display.
// Times travel as unix milliseconds.
func (t Token) Encode() string {
	iat := t.IssuedAt.UnixMilli()
	exp := t.ExpiresAt.UnixMilli()
	b, _ := json.Marshal(wireToken{Identifier: t.Identifier, Nonce: t.Nonce, IssuedAt: &iat, ExpiresAt: &exp, Signature: t.Signature})
	return string(b)
}

// Parse classifies raw. It never fails: anything that is not a structurally
// complete token (object with an identifier and an expiry) is an Identifier.
func Parse(raw string) Code {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Identifier(trimmed)
	}
	var w wireToken
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Identifier(trimmed)
	}
	if strings.TrimSpace(w.Identifier) == "" || w.ExpiresAt == nil {
		return Identifier(trimmed)
	}
	tok := Token{
		Identifier: strings.TrimSpace(w.Identifier),
		Nonce:      w.Nonce,
		ExpiresAt:  time.UnixMilli(*w.ExpiresAt),
		Signature:  w.Signature,
	}
	if w.IssuedAt != nil {
		tok.IssuedAt = time.UnixMilli(*w.IssuedAt)
	}
	return tok
}

// Issuer mints signed tokens. It keeps no record of what it hands out.
type Issuer struct {
	TTL    time.Duration
	Now    func() time.Time
	Rand   io.Reader
	Signer *Signer
}

// NewIssuer returns an issuer using crypto/rand and the wall clock.
func NewIssuer(ttl time.Duration, signer *Signer) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{TTL: ttl, Now: time.Now, Rand: rand.Reader, Signer: signer}
}

// Issue creates a fresh token for the student identifier.
func (i *Issuer) Issue(identifier string) (Token, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Token{}, errors.New("student identifier required")
	}
	if i.Signer == nil {
		return Token{}, errors.New("token signer not configured")
	}
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(i.Rand, buf); err != nil {
		return Token{}, errors.Wrap(err, "read nonce")
	}
	now := i.Now()
	tok := Token{
		Identifier: identifier,
		Nonce:      hex.EncodeToString(buf),
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.TTL),
	}
	tok.Signature = i.Signer.Sign(tok)
	return tok, nil
}
