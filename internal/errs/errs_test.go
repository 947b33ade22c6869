package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKindAndInvariant(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", State("escrow_disputed", "escrow is disputed"))

	assert.True(t, errors.Is(err, ErrState))
	assert.True(t, errors.Is(err, State("escrow_disputed", "")))
	assert.False(t, errors.Is(err, State("escrow_terminal", "")))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Network(errors.New("dial"), "rpc down")))
	assert.True(t, Retryable(Conflict("version_mismatch", "lost race")))
	assert.False(t, Retryable(Validation("amount_positive", "amount must be > 0")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("x", "x"), http.StatusBadRequest},
		{InsufficientFunds("low"), http.StatusBadRequest},
		{New(KindUnauthenticated, "x", "x"), http.StatusUnauthorized},
		{Unauthorized("x", "x"), http.StatusForbidden},
		{NotFound("x", "x"), http.StatusNotFound},
		{State("x", "x"), http.StatusConflict},
		{Conflict("x", "x"), http.StatusConflict},
		{Network(nil, "x"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestInvariantAndMessage(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Validation("description_too_short", "description must be at least 20 characters"))
	assert.Equal(t, "description_too_short", InvariantOf(err))
	assert.Equal(t, "description must be at least 20 characters", MessageOf(err))
	assert.Equal(t, "", InvariantOf(errors.New("plain")))
}
