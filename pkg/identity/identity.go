// Package identity tracks who the current user is.
//
// The store authenticates with session tokens; the identity is the token's
// subject. Anonymous sign-in yields a fresh identity per call.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/rpc"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

// Provider signs in through a store connection and publishes identity changes.
type Provider struct {
	conn   connection.Connection
	logger logger.Logger

	mu      sync.RWMutex
	token   string
	subject string

	changes chan string
}

func NewProvider(conn connection.Connection, log logger.Logger) *Provider {
	if log == nil {
		log = logger.Discard()
	}
	return &Provider{
		conn:    conn,
		logger:  log,
		changes: make(chan string, 1),
	}
}

// Current returns the signed-in identity, or "" when nobody is signed in.
func (p *Provider) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subject
}

// Token returns the session token of the current identity.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Changes delivers the identity after every change. A slow reader only sees
// the latest one.
func (p *Provider) Changes() <-chan string {
	return p.changes
}

// SignInAnonymously asks the store for a new anonymous identity.
func (p *Provider) SignInAnonymously(ctx context.Context) (string, error) {
	return p.signIn(ctx, rpc.Anonymous)
}

// SignIn signs in as a named user.
func (p *Provider) SignIn(ctx context.Context, user string) (string, error) {
	if user == "" {
		return "", fmt.Errorf("%w: empty user", constants.ErrNotAuthenticated)
	}
	return p.signIn(ctx, map[string]any{"user": user})
}

// Restore resumes a previous session from its token.
func (p *Provider) Restore(ctx context.Context, token string) (string, error) {
	subject, err := Subject(token)
	if err != nil {
		return "", err
	}
	if err := rpc.Authenticate(p.conn, ctx, token); err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	p.set(token, subject)
	return subject, nil
}

// SignOut forgets the identity on the store and locally.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := rpc.Invalidate(p.conn, ctx); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	p.set("", "")
	return nil
}

func (p *Provider) signIn(ctx context.Context, creds map[string]any) (string, error) {
	token, err := rpc.SignIn(p.conn, ctx, creds)
	if err != nil {
		return "", fmt.Errorf("signin: %w", err)
	}
	subject, err := Subject(token)
	if err != nil {
		return "", err
	}
	p.set(token, subject)
	return subject, nil
}

func (p *Provider) set(token, subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := subject != p.subject
	p.token, p.subject = token, subject
	if !changed {
		return
	}
	p.logger.Info("identity changed", "identity", subject)

	select {
	case p.changes <- subject:
		return
	default:
	}
	select {
	case <-p.changes:
	default:
	}
	p.changes <- subject
}

// Subject reads the identity from a session token. The signature is not
// checked here; the store checks it on every request.
func Subject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("%w: %w", constants.ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", constants.ErrNotAuthenticated)
	}
	return claims.Subject, nil
}
