package convert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// VariableName is the identifier bound to the raw reading.
const VariableName = "x"

const (
	maxExpressionLength = 512
	maxDepth            = 32
	maxNodes            = 256
)

var (
	ErrUnsafeExpression = errors.New("expression rejected by safety scan")
	ErrNonFinite        = errors.New("expression result is not a finite number")
	ErrTooComplex       = errors.New("expression exceeds complexity limits")
)

type function struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	call             func(args []float64) float64
}

// functions is the complete allow-list; any other identifier followed by "(" is a syntax error.
var functions = map[string]function{
	"abs":   {1, 1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"sqrt":  {1, 1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"cbrt":  {1, 1, func(a []float64) float64 { return math.Cbrt(a[0]) }},
	"exp":   {1, 1, func(a []float64) float64 { return math.Exp(a[0]) }},
	"ln":    {1, 1, func(a []float64) float64 { return math.Log(a[0]) }},
	"log":   {1, 1, func(a []float64) float64 { return math.Log(a[0]) }},
	"log10": {1, 1, func(a []float64) float64 { return math.Log10(a[0]) }},
	"log2":  {1, 1, func(a []float64) float64 { return math.Log2(a[0]) }},
	"sin":   {1, 1, func(a []float64) float64 { return math.Sin(a[0]) }},
	"cos":   {1, 1, func(a []float64) float64 { return math.Cos(a[0]) }},
	"tan":   {1, 1, func(a []float64) float64 { return math.Tan(a[0]) }},
	"asin":  {1, 1, func(a []float64) float64 { return math.Asin(a[0]) }},
	"acos":  {1, 1, func(a []float64) float64 { return math.Acos(a[0]) }},
	"atan":  {1, 1, func(a []float64) float64 { return math.Atan(a[0]) }},
	"floor": {1, 1, func(a []float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {1, 1, func(a []float64) float64 { return math.Ceil(a[0]) }},
	"trunc": {1, 1, func(a []float64) float64 { return math.Trunc(a[0]) }},
	"sign": {1, 1, func(a []float64) float64 {
		switch {
		case a[0] > 0:
			return 1
		case a[0] < 0:
			return -1
		}
		return 0
	}},
	"round": {1, 2, func(a []float64) float64 {
		if len(a) == 1 {
			return math.Round(a[0])
		}
		p := math.Pow(10, math.Trunc(a[1]))
		return math.Round(a[0]*p) / p
	}},
	"pow": {2, 2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"min": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

type node interface {
	eval(x float64) float64
}

type numberNode float64

func (n numberNode) eval(float64) float64 { return float64(n) }

type variableNode struct{}

func (variableNode) eval(x float64) float64 { return x }

type unaryNode struct {
	operand node
}

func (u unaryNode) eval(x float64) float64 { return -u.operand.eval(x) }

type binaryNode struct {
	op          byte
	left, right node
}

func (b binaryNode) eval(x float64) float64 {
	l, r := b.left.eval(x), b.right.eval(x)
	switch b.op {
	case '+':
		return l + r
	case '-':
		return l - r
	case '*':
		return l * r
	case '/':
		return l / r
	case '%':
		return math.Mod(l, r)
	case '^':
		return math.Pow(l, r)
	}
	return math.NaN()
}

type callNode struct {
	fn   function
	args []node
}

func (c callNode) eval(x float64) float64 {
	vals := make([]float64, len(c.args))
	for i, a := range c.args {
		vals[i] = a.eval(x)
	}
	return c.fn.call(vals)
}

// Expression is a compiled conversion formula with one free variable, x.
type Expression struct {
	source string
	root   node
}

func (e *Expression) String() string { return e.source }

// Compile scans src against the denylist and parses it. The grammar is:
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/" | "%") unary }
//	unary  = ("-" | "+") unary | power
//	power  = primary [ "^" unary ]
//	primary = number | "x" | constant | func "(" expr { "," expr } ")" | "(" expr ")"
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &SyntaxError{Expr: src, Msg: "empty expression"}
	}
	if len(src) > maxExpressionLength {
		return nil, fmt.Errorf("%w: %d characters", ErrTooComplex, len(src))
	}
	if err := ScanUnsafe(src); err != nil {
		return nil, err
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return &Expression{source: src, root: root}, nil
}

// Eval binds x and evaluates. A NaN or infinite result is ErrNonFinite.
func (e *Expression) Eval(ctx context.Context, x float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v := e.root.eval(x)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q with x=%v", ErrNonFinite, e.source, x)
	}
	return v, nil
}

type parser struct {
	src    string
	tokens []token
	pos    int
	nodes  int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) count(depth int) error {
	p.nodes++
	if p.nodes > maxNodes || depth > maxDepth {
		return ErrTooComplex
	}
	return nil
}

func (p *parser) parseExpr(depth int) (node, error) {
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		if err := p.count(depth); err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/" && tok.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		if err := p.count(depth); err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	tok := p.peek()
	if tok.kind == tokOp && (tok.text == "-" || tok.text == "+") {
		p.next()
		if err := p.count(depth + 1); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if tok.text == "+" {
			return operand, nil
		}
		return unaryNode{operand: operand}, nil
	}
	return p.parsePower(depth)
}

func (p *parser) parsePower(depth int) (node, error) {
	base, err := p.parsePrimary(depth)
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokOp && tok.text == "^" {
		p.next()
		// right-associative: 2^3^2 == 2^(3^2)
		exp, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if err := p.count(depth); err != nil {
			return nil, err
		}
		return binaryNode{op: '^', left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary(depth int) (node, error) {
	if err := p.count(depth); err != nil {
		return nil, err
	}
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return numberNode(tok.num), nil
	case tokLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case tokIdent:
		// formulas written as Math.sqrt(x) resolve to the same allow-list
		name := strings.ToLower(strings.TrimPrefix(tok.text, "Math."))
		if p.peek().kind == tokLParen {
			return p.parseCall(tok, name, depth)
		}
		if name == VariableName {
			return variableNode{}, nil
		}
		if c, ok := constants[name]; ok {
			return numberNode(c), nil
		}
		return nil, p.errorf(tok, "unknown identifier %q", tok.text)
	case tokEOF:
		return nil, p.errorf(tok, "unexpected end of expression")
	}
	return nil, p.errorf(tok, "unexpected %q", tok.text)
}

func (p *parser) parseCall(tok token, name string, depth int) (node, error) {
	fn, ok := functions[name]
	if !ok {
		return nil, p.errorf(tok, "function %q is not allowed", tok.text)
	}
	p.next() // (
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr(depth + 1)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, p.errorf(closing, "expected ')' after arguments to %s", name)
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, p.errorf(tok, "%s takes %s arguments, got %d", name, arity(fn), len(args))
	}
	return callNode{fn: fn, args: args}, nil
}

func arity(fn function) string {
	switch {
	case fn.maxArgs < 0:
		return fmt.Sprintf("at least %d", fn.minArgs)
	case fn.minArgs == fn.maxArgs:
		return fmt.Sprintf("%d", fn.minArgs)
	}
	return fmt.Sprintf("%d to %d", fn.minArgs, fn.maxArgs)
}
