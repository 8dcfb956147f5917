package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/platform/clock"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
)

var tokenTTL = 15 * time.Minute

func newTestService(clk clock.Clock) *Service {
	return NewService("test-signing-key", "test-issuer", "test-audience", tokenTTL, clk)
}

func Test_GenerateAndValidate(t *testing.T) {
	// A fake instant well behind wall time: validity must be judged against
	// the service clock, not time.Now.
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	actorID := id.NewActorID()

	token, err := svc.Generate(actorID, "dpo", clk.Now())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, actorID.String(), claims.ActorID)
	assert.Equal(t, "dpo", claims.Role)
	assert.Equal(t, clk.Now().Add(tokenTTL), claims.ExpiresAt.Time.UTC())
}

func Test_Validate_ExpiredToken(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)

	token, err := svc.Generate(id.NewActorID(), "admin", clk.Now())
	require.NoError(t, err)

	clk.Advance(tokenTTL + time.Minute)
	_, err = svc.Validate(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_Validate_InvalidToken(t *testing.T) {
	svc := newTestService(clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)))

	_, err := svc.Validate("not-a-token")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_Validate_WrongAudience(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	other := NewService("test-signing-key", "test-issuer", "other-audience", tokenTTL, clk)

	token, err := other.Generate(id.NewActorID(), "dpo", clk.Now())
	require.NoError(t, err)

	_, err = newTestService(clk).Validate(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
