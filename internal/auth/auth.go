// Package auth produces the credential a peer presents to the signaling
// relay, and verifies it on the relay side.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
)

// QueryParam is the query parameter carrying the signaling credential.
const QueryParam = "token"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TokenSource yields the credential for the next signaling dial. JWT
// sources mint a fresh token per call so reconnects never present an
// expired one.
type TokenSource interface {
	Token() (string, error)
}

type Verifier interface {
	Verify(credential string) error
}

// NewTokenSource returns nil when the configured mode needs no credential.
func NewTokenSource(cfg config.Config) (TokenSource, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeToken:
		return StaticToken(cfg.AuthToken), nil
	case config.AuthModeJWT:
		return NewJWTMinter(JWTMinterConfig{
			Secret:   cfg.JWTSecret,
			TTL:      cfg.JWTTTL,
			Subject:  cfg.UserName,
			Room:     cfg.RoomID,
			Audience: cfg.SignalingURL,
		})
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// WithCredential returns rawURL with the credential from src attached. A nil
// source leaves the URL unchanged.
func WithCredential(rawURL string, src TokenSource) (string, error) {
	if src == nil {
		return rawURL, nil
	}
	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("signaling credential: %w", err)
	}
	if token == "" {
		return "", ErrMissingCredentials
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(QueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CredentialFromQuery extracts the credential a client attached with
// WithCredential.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := q.Get(QueryParam); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
