package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     Money
		wantErr  error
	}{
		{name: "whole", amount: "100", currency: "GEL", want: Money{Minor: 10000, Currency: "GEL"}},
		{name: "two decimals", amount: "100.00", currency: "gel", want: Money{Minor: 10000, Currency: "GEL"}},
		{name: "one decimal", amount: "12.5", currency: "GEL", want: Money{Minor: 1250, Currency: "GEL"}},
		{name: "leading dot", amount: ".5", currency: "USD", want: Money{Minor: 50, Currency: "USD"}},
		{name: "trailing zeros", amount: "1.500", currency: "GEL", want: Money{Minor: 150, Currency: "GEL"}},
		{name: "zero exponent", amount: "1500", currency: "JPY", want: Money{Minor: 1500, Currency: "JPY"}},
		{name: "three digit exponent", amount: "1.234", currency: "KWD", want: Money{Minor: 1234, Currency: "KWD"}},
		{name: "too precise", amount: "1.005", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "zero", amount: "0.00", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "negative", amount: "-5", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "empty", amount: " ", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "garbage", amount: "12a", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "dangling dot", amount: "12.", currency: "GEL", wantErr: ErrInvalidRequest},
		{name: "bad currency", amount: "1", currency: "LARI", wantErr: ErrUnsupportedCurrency},
		{name: "digit currency", amount: "1", currency: "G3L", wantErr: ErrUnsupportedCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.amount, tt.currency)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoney_Decimal(t *testing.T) {
	assert.Equal(t, "100.00", Money{Minor: 10000, Currency: "GEL"}.Decimal())
	assert.Equal(t, "0.05", Money{Minor: 5, Currency: "GEL"}.Decimal())
	assert.Equal(t, "-1.50", Money{Minor: -150, Currency: "GEL"}.Decimal())
	assert.Equal(t, "1500", Money{Minor: 1500, Currency: "JPY"}.Decimal())
	assert.Equal(t, "0.001", Money{Minor: 1, Currency: "KWD"}.Decimal())
	assert.Equal(t, "12.50 GEL", Money{Minor: 1250, Currency: "GEL"}.String())
	assert.InDelta(t, 12.5, Money{Minor: 1250, Currency: "GEL"}.Float(), 1e-9)
}

func TestMoney_RoundTrip(t *testing.T) {
	for _, minor := range []int64{1, 99, 100, 12345, 1_000_000_00} {
		m := Money{Minor: minor, Currency: "GEL"}
		back, err := ParseMoney(m.Decimal(), m.Currency)
		require.NoError(t, err)
		assert.Equal(t, m, back)
	}
}

func TestServiceError(t *testing.T) {
	err := NewServiceError(ErrGatewayTimeout, "gateway slow", "GATEWAY_TIMEOUT")
	assert.True(t, errors.Is(err, ErrGatewayTimeout))
	assert.True(t, IsRetriable(err))
	assert.False(t, IsOperatorError(err))
	assert.Equal(t, "GATEWAY_TIMEOUT", ErrorCode(err))

	assert.True(t, IsOperatorError(NewServiceError(ErrAmountMismatch, "x", "AMOUNT_MISMATCH")))
	assert.False(t, IsRetriable(ErrInvalidTransition))
	assert.Equal(t, "INTERNAL_ERROR", ErrorCode(errors.New("boom")))
}
