package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	clientRole = "voice-client"
	tokenTTL   = 24 * time.Hour
)

// Claims carried by a client token.
type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Gate validates client tokens for the websocket endpoint. An empty secret
// disables authentication entirely, which is the development default.
type Gate struct {
	secret []byte
}

func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (g *Gate) Enabled() bool {
	return len(g.secret) > 0
}

// GenerateToken signs a 24h client token. Used by provisioning tooling and
// tests; the server itself only validates.
func (g *Gate) GenerateToken(clientID string) (string, error) {
	if !g.Enabled() {
		return "", errors.New("token signing requires a secret")
	}
	claims := &Claims{
		ClientID: clientID,
		Role:     clientRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

// ValidateToken parses and verifies a client token.
func (g *Gate) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
