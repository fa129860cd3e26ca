package convert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestConverter_Priority(t *testing.T) {
	c := NewConverter()
	ctx := context.Background()

	testCases := []struct {
		name       string
		raw        float64
		params     Params
		want       float64
		wantMethod Method
		wantErr    bool
	}{
		{
			name:       "expression wins over linear",
			raw:        100,
			params:     Params{Expression: "x / 10", Multiplier: ptr(2), Offset: ptr(1)},
			want:       10,
			wantMethod: MethodExpression,
		},
		{
			name:       "multiplier and offset",
			raw:        3.3,
			params:     Params{Multiplier: ptr(1.0)},
			want:       3.3,
			wantMethod: MethodLinear,
		},
		{
			name:       "offset only",
			raw:        20,
			params:     Params{Offset: ptr(-2.5)},
			want:       17.5,
			wantMethod: MethodLinear,
		},
		{
			name:       "passthrough",
			raw:        42,
			want:       42,
			wantMethod: MethodPassthrough,
		},
		{
			name:       "unsafe expression falls back to raw",
			raw:        7,
			params:     Params{Expression: "process.exit(1)"},
			want:       7,
			wantMethod: MethodFallback,
			wantErr:    true,
		},
		{
			name:       "non-finite expression falls back to raw",
			raw:        0,
			params:     Params{Expression: "1 / x"},
			want:       0,
			wantMethod: MethodFallback,
			wantErr:    true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := c.Convert(ctx, tc.raw, tc.params)
			assert.InDelta(t, tc.want, res.Value, 1e-9)
			assert.Equal(t, tc.wantMethod, res.Method)
			if tc.wantErr {
				assert.Error(t, res.Err)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestConverter_UnsafeNeverEvaluated(t *testing.T) {
	c := NewConverter()
	res := c.Convert(context.Background(), 5, Params{Expression: "require('child_process')"})
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrUnsafeExpression)
	assert.Equal(t, 5.0, res.Value)

	// cached failures keep failing the same way
	res = c.Convert(context.Background(), 6, Params{Expression: "require('child_process')"})
	assert.ErrorIs(t, res.Err, ErrUnsafeExpression)
	assert.Equal(t, 6.0, res.Value)
}

func TestConverter_CancelledContextIsNotAFallback(t *testing.T) {
	c := NewConverter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Convert(ctx, 3.3, Params{Expression: "x * 100"})
	assert.Equal(t, MethodInterrupted, res.Method)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, res.Value)

	// linear conversion does not evaluate anything and is unaffected
	res = c.Convert(ctx, 3.3, Params{Multiplier: ptr(2)})
	assert.Equal(t, MethodLinear, res.Method)
	assert.InDelta(t, 6.6, res.Value, 1e-9)
}
