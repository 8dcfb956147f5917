// Package jwttoken issues and validates the access tokens staff use to reach
// the administrative endpoints.
package jwttoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"custodia/internal/platform/clock"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
)

// AccessTokenClaims carries the actor identity and role alongside the
// registered claims.
type AccessTokenClaims struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles JWT creation and validation. Validity is judged against the
// injected clock, so tokens minted against a fake clock verify under it too.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
	tokenTTL   time.Duration
	clock      clock.Clock
}

func NewService(signingKey, issuer, audience string, tokenTTL time.Duration, clk clock.Clock) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		tokenTTL:   tokenTTL,
		clock:      clk,
	}
}

// Generate signs an access token for the actor.
func (s *Service) Generate(actorID id.ActorID, role string, now time.Time) (string, error) {
	claims := AccessTokenClaims{
		ActorID: actorID.String(),
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   actorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
	}
	return signed, nil
}

// Validate parses and verifies an access token.
func (s *Service) Validate(tokenString string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid access token")
	}
	if !token.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid access token")
	}
	return claims, nil
}
