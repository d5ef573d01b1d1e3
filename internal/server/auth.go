package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/config"
)

// TokenVerifier turns a bearer token into the caller's email.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// OIDCVerifier verifies ID tokens issued for one client.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
}

// NewOIDCVerifier discovers issuer and returns a verifier for clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	if issuer == "" || clientID == "" {
		return nil, errors.New("oidc issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Verify checks the token signature, audience and expiry and returns the
// email claim.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", err
	}
	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("decode claims: %w", err)
	}
	if claims.Email == "" {
		return "", errors.New("token has no email claim")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", errors.New("email is not verified")
	}
	return claims.Email, nil
}

// authenticator resolves the caller of a request.
type authenticator struct {
	cfg      config.AuthConfig
	verifier TokenVerifier
}

// identify returns the caller's email. A bearer token wins over the
// trusted proxy header.
func (a authenticator) identify(r *http.Request) (string, error) {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && a.verifier != nil {
		email, err := a.verifier.Verify(r.Context(), strings.TrimSpace(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %v", errUnauthorized, err)
		}
		return email, nil
	}
	if a.cfg.EmailHeader != "" {
		if email := strings.TrimSpace(r.Header.Get(a.cfg.EmailHeader)); email != "" {
			return email, nil
		}
	}
	if a.cfg.Disabled {
		return audit.Anonymous, nil
	}
	return "", errUnauthorized
}

func (a authenticator) allowed(email string) bool {
	if a.cfg.Disabled || len(a.cfg.AllowedDomains) == 0 {
		return true
	}
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return false
	}
	for _, d := range a.cfg.AllowedDomains {
		if strings.EqualFold(domain, strings.TrimPrefix(d, "@")) {
			return true
		}
	}
	return false
}

// requireAuth rejects unauthenticated callers and stores the actor for
// the audit trail.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := s.auth.identify(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !s.auth.allowed(email) {
			s.fail(w, r, fmt.Errorf("%w: %s", errForbidden, email))
			return
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), email)))
	})
}

// loopbackOnly admits requests whose peer address is a loopback address.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			s.fail(w, r, fmt.Errorf("%w: cron endpoint is only reachable from localhost", errForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
