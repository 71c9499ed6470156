package auth

import "crypto/subtle"

// StaticToken is a pre-shared signaling token. It is both a TokenSource and
// a Verifier.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

func (t StaticToken) Verify(token string) error {
	if token == "" || t == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(t)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
