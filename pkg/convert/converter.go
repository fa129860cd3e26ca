package convert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Method records which conversion path produced an engineered value.
type Method string

const (
	MethodExpression  Method = "expression"
	MethodLinear      Method = "linear"
	MethodPassthrough Method = "passthrough"
	// MethodFallback means the expression failed and the raw value was kept.
	MethodFallback Method = "fallback"
	// MethodInterrupted means ctx ended before the expression ran. There is
	// no engineered value and the reading must not be written.
	MethodInterrupted Method = "interrupted"
)

// Params are the conversion settings in effect for one channel.
type Params struct {
	Expression string
	Multiplier *float64
	Offset     *float64
}

// Result is the outcome of one conversion. Err is set for MethodFallback and
// MethodInterrupted.
type Result struct {
	Value  float64
	Method Method
	Err    error
}

// Converter turns raw readings into engineered values. Compiled expressions
// are cached by source text; a Converter is safe for concurrent use.
type Converter struct {
	mu    sync.RWMutex
	cache map[string]compiled
}

type compiled struct {
	expr *Expression
	err  error
}

func NewConverter() *Converter {
	return &Converter{cache: make(map[string]compiled)}
}

// Convert applies, in order: the expression, then multiplier/offset, then passthrough.
// An unsafe, malformed or non-finite expression falls back to raw.
func (c *Converter) Convert(ctx context.Context, raw float64, p Params) Result {
	if p.Expression != "" {
		expr, err := c.compile(p.Expression)
		if err != nil {
			return Result{Value: raw, Method: MethodFallback, Err: fmt.Errorf("conversion expression %q: %w", p.Expression, err)}
		}
		v, err := expr.Eval(ctx, raw)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Method: MethodInterrupted, Err: err}
		}
		if err != nil {
			return Result{Value: raw, Method: MethodFallback, Err: err}
		}
		return Result{Value: v, Method: MethodExpression}
	}
	if p.Multiplier != nil || p.Offset != nil {
		m, o := 1.0, 0.0
		if p.Multiplier != nil {
			m = *p.Multiplier
		}
		if p.Offset != nil {
			o = *p.Offset
		}
		v := raw*m + o
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{Value: raw, Method: MethodFallback, Err: fmt.Errorf("%w: %v*%v+%v", ErrNonFinite, raw, m, o)}
		}
		return Result{Value: v, Method: MethodLinear}
	}
	return Result{Value: raw, Method: MethodPassthrough}
}

func (c *Converter) compile(src string) (*Expression, error) {
	c.mu.RLock()
	entry, ok := c.cache[src]
	c.mu.RUnlock()
	if ok {
		return entry.expr, entry.err
	}
	expr, err := Compile(src)
	c.mu.Lock()
	c.cache[src] = compiled{expr: expr, err: err}
	c.mu.Unlock()
	return expr, err
}
