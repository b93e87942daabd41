package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 15 * time.Minute

	// AlgHS256 signs with a shared secret, AlgRS256 with an RSA key pair
	// whose public half is published via JWKS.
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// Claims carries identity and permission data inside a signed token.
type Claims struct {
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token's scopes satisfy the required scope.
func (c *Claims) HasScope(required string) bool {
	return ScopeAllows(c.Scopes, required)
}

// Identity is the input to token minting: a resolved subject with its roles
// and scopes already computed.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Scopes  []string
	Groups  []string
}

// Minter signs and verifies access tokens. It holds no mutable state and is
// safe for concurrent use.
type Minter struct {
	alg        string
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

// MinterOption configures a Minter.
type MinterOption func(*Minter) error

// WithSecret enables HS256 signing with the given shared secret.
func WithSecret(secret string) MinterOption {
	return func(m *Minter) error {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return errors.New("auth: signing secret is empty")
		}
		m.alg = AlgHS256
		m.secret = []byte(secret)
		return nil
	}
}

// WithRS256Keys enables RS256 signing with a PEM-encoded RSA key pair.
func WithRS256Keys(privatePEM, publicPEM string) MinterOption {
	return func(m *Minter) error {
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		m.alg = AlgRS256
		m.privateKey = priv
		m.publicKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded in token headers and JWKS.
func WithKeyID(kid string) MinterOption {
	return func(m *Minter) error {
		m.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithTokenTTL overrides the access token lifetime.
func WithTokenTTL(ttl time.Duration) MinterOption {
	return func(m *Minter) error {
		if ttl > 0 {
			m.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MinterOption {
	return func(m *Minter) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewMinter constructs a Minter for the given issuer and audience. Exactly
// one signing mode must be configured via WithSecret or WithRS256Keys.
func NewMinter(issuer, audience string, opts ...MinterOption) (*Minter, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("auth: issuer and audience are required")
	}
	m := &Minter{
		issuer:   issuer,
		audience: audience,
		ttl:      defaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.alg == "" {
		return nil, errors.New("auth: no signing key material configured")
	}
	return m, nil
}

// Mint signs an access token for the identity. The token id is derived from
// the subject and the issue time so repeated mints are distinguishable.
func (m *Minter) Mint(id Identity) (string, time.Time, error) {
	subject := strings.TrimSpace(id.Subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Email:  id.Email,
		Name:   id.Name,
		Roles:  id.Roles,
		Scopes: id.Scopes,
		Groups: id.Groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s_%d", subject, now.Unix()),
		},
	}

	var (
		token *jwt.Token
		key   any
	)
	switch m.alg {
	case AlgRS256:
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		key = m.privateKey
	default:
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		key = m.secret
	}
	if m.keyID != "" {
		token.Header["kid"] = m.keyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies the signature and the audience, issuer, expiry and
// not-before claims. Expired tokens return ErrTokenExpired; every other
// failure returns ErrInvalidToken.
func (m *Minter) Validate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, m.keyFunc,
		jwt.WithValidMethods([]string{m.alg}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Minter) keyFunc(t *jwt.Token) (any, error) {
	switch m.alg {
	case AlgRS256:
		return m.publicKey, nil
	default:
		return m.secret, nil
	}
}

// JWKS renders the public key set consumed by external verifiers. Only
// meaningful in RS256 mode.
func (m *Minter) JWKS() ([]byte, error) {
	if m.alg != AlgRS256 || m.publicKey == nil {
		return nil, errors.New("auth: jwks requires RS256 key material")
	}
	kid := m.keyID
	if kid == "" {
		kid = "authgate-key-1"
	}
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": AlgRS256,
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(m.publicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(m.publicKey.E)).Bytes()),
	}
	return json.Marshal(map[string]any{"keys": []any{jwk}})
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
