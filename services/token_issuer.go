// services/token_issuer.go
package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenValidity is how long a verification token stays usable after issuance.
const TokenValidity = 24 * time.Hour

const tokenBytes = 32

// TokenIssuer creates verification tokens and judges their age.
type TokenIssuer interface {
	Issue() (token string, issuedAt time.Time, err error)
	IsExpired(issuedAt, now time.Time) bool
}

// RandomTokenIssuer issues 256-bit tokens from crypto/rand, URL-safe base64 encoded.
type RandomTokenIssuer struct {
	Clock clockwork.Clock
}

func NewRandomTokenIssuer(clock clockwork.Clock) *RandomTokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RandomTokenIssuer{Clock: clock}
}

func (i *RandomTokenIssuer) Issue() (string, time.Time, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), i.Clock.Now().UTC(), nil
}

// IsExpired is true once strictly more than TokenValidity has passed.
func (i *RandomTokenIssuer) IsExpired(issuedAt, now time.Time) bool {
	return now.Sub(issuedAt) > TokenValidity
}
