// Package policy evaluates CEL guardrail expressions against venue quotes.
//
// An expression sees one quote at a time through these variables:
//
//	venue        string
//	amountIn     double
//	amountOut    double
//	gas          uint
//	priceImpact  double
//	hops         int
//	meta         map(string, string)
//
// and must evaluate to a bool. Example: `priceImpact < 0.02 && venue != "paraswap"`.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/model"
)

// ErrNotBoolean is returned for expressions that do not produce a bool
var ErrNotBoolean = errors.New("policy expression must evaluate to bool")

// Evaluator evaluates CEL expressions
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new CEL evaluator
func NewEvaluator() *Evaluator {
	env, err := cel.NewEnv(
		cel.Variable("venue", cel.StringType),
		cel.Variable("amountIn", cel.DoubleType),
		cel.Variable("amountOut", cel.DoubleType),
		cel.Variable("gas", cel.UintType),
		cel.Variable("priceImpact", cel.DoubleType),
		cel.Variable("hops", cel.IntType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL environment: %v", err))
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}
}

// Allows reports whether q satisfies expression
func (e *Evaluator) Allows(expression string, q model.Quote) (bool, error) {
	program, err := e.getProgram(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	out, _, err := program.Eval(activation(q))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBoolean
	}
	return allowed, nil
}

// Filter keeps the quotes that satisfy expression. An empty expression keeps everything;
// evaluation errors reject the quote.
func (e *Evaluator) Filter(expression string, quotes []model.Quote) []model.Quote {
	if expression == "" {
		return quotes
	}

	kept := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		ok, err := e.Allows(expression, q)
		if err != nil {
			logrus.WithField("venue", q.Venue).Warnf("Route policy evaluation failed: %v", err)
			continue
		}
		if !ok {
			logrus.WithField("venue", q.Venue).Debug("Quote rejected by route policy")
			continue
		}
		kept = append(kept, q)
	}
	return kept
}

// getProgram gets a compiled program from cache or compiles it
func (e *Evaluator) getProgram(expression string) (cel.Program, error) {
	e.mu.RLock()
	if program, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Check again in case another goroutine compiled it
	if program, ok := e.cache[expression]; ok {
		return program, nil
	}

	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program generation error: %w", err)
	}

	e.cache[expression] = program
	return program, nil
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse error: %w", issues.Err())
	}
	if t := ast.OutputType().String(); t != "bool" && t != "dyn" {
		return nil, fmt.Errorf("%w, got %s", ErrNotBoolean, t)
	}
	return ast, nil
}

// ValidateExpression type-checks expression without evaluating it
func (e *Evaluator) ValidateExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

// ClearCache clears the compiled program cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

func activation(q model.Quote) map[string]interface{} {
	meta := q.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	hops := len(q.Path) - 1
	if hops < 0 {
		hops = 0
	}
	return map[string]interface{}{
		"venue":       q.Venue,
		"amountIn":    toFloat(q.AmountIn),
		"amountOut":   toFloat(q.AmountOut),
		"gas":         q.GasEstimate,
		"priceImpact": q.PriceImpact,
		"hops":        int64(hops),
		"meta":        meta,
	}
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
