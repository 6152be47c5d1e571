package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusByKind(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeOfferOutOfBounds, http.StatusBadRequest},
		{CodeNotAuthorized, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeStaleOffer, http.StatusConflict},
		{CodeHoldAlreadySettled, http.StatusConflict},
		{CodeGatewayError, http.StatusBadGateway},
		{CodeLockUnavailable, http.StatusBadGateway},
		{CodeEscrowAuthFailed, http.StatusBadGateway},
		{CodeInvariantViolation, http.StatusInternalServerError},
		{Code("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(New(tt.code, "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("plain")))
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeStaleOffer, "offer changed")
	err := fmt.Errorf("accept: %w", Newf(CodeStaleOffer, "version %d is stale", 3))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, New(CodeConflict, "")))
}

func TestWrapKeepsCauseAndOuterCode(t *testing.T) {
	inner := New(CodeInsufficientFunds, "card declined")
	outer := Wrap(inner, CodeEscrowAuthFailed, "could not hold deposit")

	assert.Equal(t, CodeEscrowAuthFailed, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeInsufficientFunds))
	assert.True(t, HasCode(outer, CodeEscrowAuthFailed))
	assert.Contains(t, outer.Error(), "card declined")
}

func TestPublicHidesInvariantDetail(t *testing.T) {
	code, msg := Public(Invariant("hold h1 ledger sum 2600 exceeds amount 2500"))
	assert.Equal(t, CodeInvariantViolation, code)
	assert.NotContains(t, msg, "h1")

	code, msg = Public(New(CodeGatewayError, "payment provider timed out"))
	assert.Equal(t, CodeGatewayError, code)
	assert.Contains(t, msg, "retry")

	code, _ = Public(errors.New("boom"))
	assert.Equal(t, Code("INTERNAL_ERROR"), code)
}
