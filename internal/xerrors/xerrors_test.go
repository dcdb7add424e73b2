package xerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"FieldError", Invalid("amount", "must be positive"), "validation_error"},
		{"Wrapped", fmt.Errorf("approve: %w", ErrAlreadyProcessed), "already_processed"},
		{"WithMessage", Wrap(ErrInsufficientBalance, "balance %s below %s", "100", "150"), "insufficient_balance"},
		{"Upstream", ErrUpstreamUnavailable, "upstream_unavailable"},
		{"Unknown", errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestInvalid(t *testing.T) {
	err := Invalid("risk_percentage", "must be between 10 and 200")

	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "risk_percentage: must be between 10 and 200", err.Error())

	var fe *FieldError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, "risk_percentage", fe.Field)
}

func TestWrap(t *testing.T) {
	err := Wrap(ErrNotFound, "wallet %s not found", "w1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "wallet w1 not found", err.Error())
}
