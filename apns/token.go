package apns

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"
)

// ErrNotConfigured is returned when the provider signing credentials are
// missing or unusable. Callers use it to tell configuration problems apart
// from delivery failures: there is no point attempting per-device sends until
// the credentials are fixed, so a whole tick can be short-circuited.
var ErrNotConfigured = xerrors.New("provider signing credentials not configured")

// The gateway rejects provider tokens older than an hour; refresh well before
// that so an in-flight send never carries a token about to expire.
const tokenRefreshAge = 50 * time.Minute

// TokenConfig identifies the signing authority for an application namespace.
type TokenConfig struct {
	// TeamID is the issuer of the provider token.
	TeamID string
	// KeyID identifies the signing key to the gateway (the "kid" header).
	KeyID string
	// Key is the PEM-encoded PKCS#8 ECDSA P-256 private key.
	Key []byte
}

// TokenSource mints short-lived ES256 provider tokens and caches them until
// they near the gateway's expiry window. It is safe for concurrent use.
type TokenSource struct {
	cfg   TokenConfig
	clock quartz.Clock

	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	keyErr   error
	parsed   bool
	token    string
	issuedAt time.Time
}

func NewTokenSource(cfg TokenConfig, clock quartz.Clock) *TokenSource {
	return &TokenSource{cfg: cfg, clock: clock}
}

// Token returns a signed provider token, reusing the cached one while it is
// fresh. All failure modes wrap ErrNotConfigured.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.signingKey()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	if s.token != "" && now.Sub(s.issuedAt) < tokenRefreshAge {
		return s.token, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = s.cfg.KeyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", xerrors.Errorf("sign provider token: %w: %s", ErrNotConfigured, err.Error())
	}

	s.token = signed
	s.issuedAt = now
	return signed, nil
}

// signingKey parses the configured key material once and caches the result,
// including a parse failure. Callers must hold s.mu.
func (s *TokenSource) signingKey() (*ecdsa.PrivateKey, error) {
	if s.parsed {
		return s.key, s.keyErr
	}
	s.parsed = true
	s.key, s.keyErr = parseSigningKey(s.cfg)
	return s.key, s.keyErr
}

func parseSigningKey(cfg TokenConfig) (*ecdsa.PrivateKey, error) {
	if cfg.TeamID == "" {
		return nil, xerrors.Errorf("team ID is required: %w", ErrNotConfigured)
	}
	if cfg.KeyID == "" {
		return nil, xerrors.Errorf("key ID is required: %w", ErrNotConfigured)
	}
	if len(cfg.Key) == 0 {
		return nil, xerrors.Errorf("signing key is required: %w", ErrNotConfigured)
	}

	block, _ := pem.Decode(cfg.Key)
	if block == nil {
		return nil, xerrors.Errorf("signing key is not valid PEM: %w", ErrNotConfigured)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, xerrors.Errorf("parse signing key: %w: %s", ErrNotConfigured, err.Error())
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, xerrors.Errorf("signing key must be an ECDSA P-256 key: %w", ErrNotConfigured)
	}
	return key, nil
}
