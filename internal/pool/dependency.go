package pool

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// dependencyEnv is the evaluation environment exposed to a task's
// compiled dependency predicate: a map of upstream output name to
// whether it has been satisfied by at least one completed parent
// (spec.md §3 "dependency predicate over upstream outputs").
type dependencyEnv struct {
	Outputs map[string]bool `expr:"outputs"`
}

// predicateCache compiles each task definition's dependency expression
// once and reuses the compiled program across ticks and instances.
type predicateCache struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func newPredicateCache() *predicateCache {
	return &predicateCache{cache: make(map[string]*vm.Program)}
}

func (c *predicateCache) compile(expression string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.Env(dependencyEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.cache[expression] = p
	return p, nil
}

// Evaluate runs a task's dependency predicate against the given set of
// satisfied upstream outputs. An empty expression means "no
// prerequisites" and is always satisfied.
func (c *predicateCache) Evaluate(expression string, outputs map[string]bool) (bool, error) {
	if expression == "" {
		return true, nil
	}
	program, err := c.compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, dependencyEnv{Outputs: outputs})
	if err != nil {
		return false, err
	}
	satisfied, _ := out.(bool)
	return satisfied, nil
}
