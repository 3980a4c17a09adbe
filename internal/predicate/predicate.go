// Package predicate evaluates fetch-by-query predicates against rows.
//
// A predicate is an expr-lang expression that must yield a bool. Row columns
// are in scope under their column names and the predicate parameters under
// params, so a filter reads like
//
//	quantity >= params.min && sku startsWith "A-"
//
// Compiled programs are cached per expression.
package predicate

import (
	"fmt"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// ErrInvalidPredicate reports an expression that does not compile or does
// not produce a bool. It is types.ErrInvalidPredicate, so callers above the
// store can tell a bad expression from a storage failure.
var ErrInvalidPredicate = types.ErrInvalidPredicate

// paramsKey is the name the predicate parameters are bound to.
const paramsKey = "params"

// Matcher compiles and runs predicates. The zero value is not usable; call
// New. A Matcher is safe for concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	programs map[string]*exprvm.Program
}

// New returns a Matcher with an empty program cache.
func New() *Matcher {
	return &Matcher{programs: make(map[string]*exprvm.Program)}
}

// Compile checks expression and caches its program.
func (m *Matcher) Compile(expression string) error {
	_, err := m.program(expression)
	return err
}

func (m *Matcher) program(expression string) (*exprvm.Program, error) {
	m.mu.RLock()
	p, ok := m.programs[expression]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPredicate, expression, err)
	}
	m.mu.Lock()
	m.programs[expression] = p
	m.mu.Unlock()
	return p, nil
}

// Match reports whether row satisfies pred. An empty expression matches
// every row.
func (m *Matcher) Match(pred types.Predicate, row types.Row) (bool, error) {
	if pred.Expr == "" {
		return true, nil
	}
	p, err := m.program(pred.Expr)
	if err != nil {
		return false, err
	}
	return run(p, pred, row)
}

// Filter returns the rows satisfying pred, in input order.
func (m *Matcher) Filter(pred types.Predicate, rows []types.Row) ([]types.Row, error) {
	if pred.Expr == "" {
		return rows, nil
	}
	p, err := m.program(pred.Expr)
	if err != nil {
		return nil, err
	}
	out := make([]types.Row, 0, len(rows))
	for _, row := range rows {
		ok, err := run(p, pred, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func run(p *exprvm.Program, pred types.Predicate, row types.Row) (bool, error) {
	env := make(map[string]any, len(row.Values)+1)
	for col, v := range row.Values {
		env[col] = v
	}
	params := pred.Params
	if params == nil {
		params = map[string]any{}
	}
	env[paramsKey] = params
	out, err := exprlang.Run(p, env)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidPredicate, pred.Expr, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrInvalidPredicate, pred.Expr, out)
	}
	return b, nil
}
