package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// Claims are carried by minted signaling tokens. Subject is the display
// name; Room pins the token to a single room.
type Claims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

type JWTMinterConfig struct {
	Secret   string
	TTL      time.Duration
	Subject  string
	Room     string
	Audience string
	Now      func() time.Time
}

// JWTMinter mints HS256 tokens from a shared secret.
type JWTMinter struct {
	cfg JWTMinterConfig
}

func NewJWTMinter(cfg JWTMinterConfig) (*JWTMinter, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("jwt ttl must be > 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTMinter{cfg: cfg}, nil
}

func (m *JWTMinter) Token() (string, error) {
	now := m.cfg.Now()
	claims := Claims{
		Room: m.cfg.Room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.cfg.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// JWTVerifier checks tokens minted by JWTMinter. A non-empty Room rejects
// tokens minted for other rooms.
type JWTVerifier struct {
	Secret string
	Room   string
	Now    func() time.Time
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Parse(token)
	return err
}

func (v JWTVerifier) Parse(token string) (*Claims, error) {
	if token == "" || v.Secret == "" {
		return nil, ErrInvalidCredentials
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsupportedJWT
		}
		return []byte(v.Secret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if v.Room != "" && claims.Room != v.Room {
		return nil, fmt.Errorf("%w: token minted for another room", ErrInvalidCredentials)
	}
	return claims, nil
}
