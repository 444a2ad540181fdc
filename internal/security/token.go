package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DomainClaims are the claims carried by a domain token
type DomainClaims struct {
	ClientID string `json:"client_id"`
	AgentID  string `json:"agent_id"`
	Domain   string `json:"domain"`
	jwt.RegisteredClaims
}

// TokenManager mints and verifies domain tokens. The widget core only
// verifies for diagnostics; minting is the token service's job (the stub
// backend uses the same manager).
type TokenManager struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewTokenManager creates a new token manager
func NewTokenManager(secret string, tokenTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// TTL returns the configured token lifetime
func (m *TokenManager) TTL() time.Duration {
	return m.tokenTTL
}

// Generate mints a domain token scoped to (clientID, agentID, domain)
func (m *TokenManager) Generate(clientID, agentID, domain string) (string, error) {
	now := time.Now()
	claims := DomainClaims{
		ClientID: clientID,
		AgentID:  agentID,
		Domain:   domain,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "widgetcore",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate verifies the signature and expiry of a domain token and returns
// its claims.
func (m *TokenManager) Validate(tokenString string) (*DomainClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DomainClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*DomainClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateForDomain verifies the token and checks it is scoped to the
// given origin domain.
func (m *TokenManager) ValidateForDomain(tokenString, domain string) (*DomainClaims, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Domain != domain {
		return nil, fmt.Errorf("token scoped to %q, not %q", claims.Domain, domain)
	}
	return claims, nil
}
