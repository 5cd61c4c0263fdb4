package docstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agencyops/opsync/pkg/constants"
)

// Authority issues and verifies HS256 session tokens. The token subject is the
// identity the rest of the system sees.
type Authority struct {
	secret []byte
	ttl    time.Duration
	issuer string

	now func() time.Time
}

const DefaultTokenTTL = 24 * time.Hour

// NewAuthority signs with secret. An empty secret gets a random one, which
// invalidates every token when the process restarts.
func NewAuthority(secret string, ttl time.Duration) *Authority {
	if secret == "" {
		secret = uuid.Must(uuid.NewV4()).String()
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authority{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "opsync",
		now:    time.Now,
	}
}

// Anonymous issues a token for a freshly generated identity.
func (a *Authority) Anonymous() (token, subject string, err error) {
	subject = uuid.Must(uuid.NewV4()).String()
	token, err = a.Issue(subject)
	return token, subject, err
}

func (a *Authority) Issue(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("token subject cannot be empty")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks signature and expiry and returns the subject.
func (a *Authority) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", constants.ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", constants.ErrNotAuthenticated)
	}
	return claims.Subject, nil
}
