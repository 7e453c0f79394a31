package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "warden/gate"
	tokenAudience = "warden"

	// DefaultTokenTTL bounds an agent session. Re-registration renews it.
	DefaultTokenTTL = 12 * time.Hour
)

// AgentClaims are the JWT claims carried by agent session tokens. The
// policy hash pins the token to the policy version the agent swore over:
// a policy rotation invalidates standing, not just restarts.
type AgentClaims struct {
	jwt.RegisteredClaims
	PolicyHash   string   `json:"policy_hash"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TokenIssuer mints and validates agent session tokens with a symmetric
// key derived from the node keyring.
type TokenIssuer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl, clock: time.Now}
}

// Issue signs a session token for a sworn agent.
func (ti *TokenIssuer) Issue(agentID, policyHash string, capabilities []string) (string, error) {
	now := ti.clock().UTC()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
		PolicyHash:   policyHash,
		Capabilities: capabilities,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.key)
	if err != nil {
		return "", fmt.Errorf("api: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token.
func (ti *TokenIssuer) Validate(tokenStr string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return ti.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(func() time.Time { return ti.clock() }),
	)
	if err != nil {
		return nil, fmt.Errorf("api: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("api: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("api: token subject is required")
	}
	return claims, nil
}
