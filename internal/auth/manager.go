// Package auth issues and validates entity tokens for the gateway.
// Token strings are themselves RS256 JWTs (golang-jwt/jwt/v5), but
// validity depends on more than just the signature: a token must also
// be in the issued set and absent from the revocation set. Manager keeps
// both sets in memory alongside the signing keypair.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const rsaKeyBits = 2048

// Claims are the custom JWT claims embedded in every issued token.
type Claims struct {
	jwt.RegisteredClaims

	EntityID    string   `json:"entity_id"`
	EntityType  string   `json:"entity_type"`
	Permissions []string `json:"permissions"`
}

// Record is what Manager keeps about a token it issued, returned by
// Validate on success.
type Record struct {
	Token       string
	EntityID    string
	EntityType  string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Manager issues and validates tokens. The zero value is not usable —
// construct with NewManager.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string

	mu       sync.Mutex
	issued   map[string]*Record // jti -> record
	revoked  map[string]bool    // jti -> revoked
}

// NewManager generates a fresh in-memory RSA keypair and returns a ready
// Manager. Ephemeral keys mean issued tokens do not survive a restart —
// acceptable for a control-plane node whose agents are expected to
// re-authenticate on reconnect.
func NewManager(issuer string) (*Manager, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}

	return &Manager{
		privateKey: key,
		publicKey:  &key.PublicKey,
		issuer:     issuer,
		issued:     make(map[string]*Record),
		revoked:    make(map[string]bool),
	}, nil
}

// GenerateToken issues a new signed token for entityID/entityType with the
// given permission set, valid for expiresIn.
func (m *Manager) GenerateToken(entityID, entityType string, permissions []string, expiresIn time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(expiresIn)
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   entityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		EntityID:    entityID,
		EntityType:  entityType,
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}

	m.mu.Lock()
	m.issued[jti] = &Record{
		Token:       signed,
		EntityID:    entityID,
		EntityType:  entityType,
		Permissions: permissions,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	m.mu.Unlock()

	return signed, expiresAt, nil
}

// Validate returns the issued Record for tokenString iff it is
// cryptographically valid, present in the issued set, not revoked, and
// not expired.
func (m *Manager) Validate(tokenString string) (*Record, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(m.issuer))

	if err != nil {
		if parsed != nil {
			if claims, ok := parsed.Claims.(*Claims); ok {
				if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
					m.forgetIfIssued(claims.ID)
					return nil, ErrTokenExpired
				}
			}
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revoked[claims.ID] {
		return nil, ErrTokenRevoked
	}
	record, exists := m.issued[claims.ID]
	if !exists {
		return nil, ErrTokenUnknown
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	return record, nil
}

func (m *Manager) forgetIfIssued(jti string) {
	if jti == "" {
		return
	}
	m.mu.Lock()
	delete(m.issued, jti)
	m.mu.Unlock()
}

// Revoke adds tokenString's jti to the revocation set. The record stays
// in the issued set until natural expiry.
func (m *Manager) Revoke(tokenString string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return fmt.Errorf("auth: parsing token to revoke: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return ErrTokenInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[claims.ID] = true
	return nil
}

// CleanupExpired removes issued-token records past their expiry. Intended
// to be called on a periodic ticker (default 5 minutes).
// Revoked jtis are NOT purged from the revocation set here — revoked
// tokens remain revoked until their natural expiry, which this sweep
// does not track for the revocation set itself.
func (m *Manager) CleanupExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for jti, rec := range m.issued {
		if now.After(rec.ExpiresAt) {
			delete(m.issued, jti)
			removed++
		}
	}
	return removed
}
