// Package eventmgr implements xtrigger evaluation, external-trigger
// matching, late-task detection, and stall detection/timeout
// (spec.md §4.6).
package eventmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/schedd/internal/taskdef"
)

// Caller invokes a named xtrigger's underlying async predicate. It is
// fire-and-forget from the main loop's perspective: Call is expected to
// run on a separate goroutine/subprocess and the manager polls for a
// result on subsequent ticks via the same signature.
type Caller interface {
	Call(ctx context.Context, funcName string, args []any) (satisfied bool, results map[string]any, err error)
}

// xtResult is a cached xtrigger outcome, keyed by signature hash so
// identical calls across instances share one result (spec.md §4.6).
type xtResult struct {
	satisfied bool
	results   map[string]any
	pending   bool
	err       error
}

// XTriggerManager fires an xtrigger call at most once per cadence per
// signature hash, so identical calls across instances share one call
// and one cached result.
type XTriggerManager struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter // keyed by signature hash
	results   map[string]*xtResult     // keyed by signature hash
	referenced map[string]map[string]bool // signature hash -> set of referencing instance identities
	caller    Caller
}

// NewXTriggerManager creates an xtrigger manager that calls out through caller.
func NewXTriggerManager(caller Caller) *XTriggerManager {
	return &XTriggerManager{
		limiters:   make(map[string]*rate.Limiter),
		results:    make(map[string]*xtResult),
		referenced: make(map[string]map[string]bool),
		caller:     caller,
	}
}

// Signature computes the dedup key for an xtrigger call: its function
// name plus its arguments.
func Signature(funcName string, args []any) string {
	b, _ := json.Marshal(args)
	h := sha256.Sum256(append([]byte(funcName+":"), b...))
	return hex.EncodeToString(h[:])
}

// Evaluate evaluates one instance's xtrigger, issuing a new call only
// if the cadence has elapsed since the last call sharing this
// signature. It returns (satisfied, results, stillPending).
func (m *XTriggerManager) Evaluate(ctx context.Context, instanceIdentity string, xt taskdef.XTrigger) (bool, map[string]any, bool) {
	sig := Signature(xt.Func, xt.Args)

	m.mu.Lock()
	if m.referenced[sig] == nil {
		m.referenced[sig] = make(map[string]bool)
	}
	m.referenced[sig][instanceIdentity] = true

	limiter, ok := m.limiters[sig]
	if !ok {
		cadence := xt.Cadence
		if cadence <= 0 {
			cadence = 60 * time.Second
		}
		limiter = rate.NewLimiter(rate.Every(cadence), 1)
		m.limiters[sig] = limiter
	}

	res, hasResult := m.results[sig]
	if hasResult && !res.pending {
		satisfied, results, err := res.satisfied, res.results, res.err
		m.mu.Unlock()
		if err != nil {
			return false, nil, false
		}
		return satisfied, results, false
	}

	if !limiter.Allow() {
		m.mu.Unlock()
		return false, nil, true
	}

	m.results[sig] = &xtResult{pending: true}
	m.mu.Unlock()

	go m.fire(ctx, sig, xt.Func, xt.Args)
	return false, nil, true
}

func (m *XTriggerManager) fire(ctx context.Context, sig, funcName string, args []any) {
	satisfied, results, err := m.caller.Call(ctx, funcName, args)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[sig] = &xtResult{satisfied: satisfied, results: results, err: err}
}

// Housekeep drops cached results for signatures no instance depends on
// any longer (spec.md §4.1 step 6, §4.6 "House-keeping removes results
// no instance depends on").
func (m *XTriggerManager) Housekeep(stillReferencing map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]bool)
	for sig, instances := range stillReferencing {
		if len(instances) > 0 {
			live[sig] = true
		}
	}
	for sig := range m.results {
		if !live[sig] {
			delete(m.results, sig)
			delete(m.limiters, sig)
			delete(m.referenced, sig)
		}
	}
}

// ClearReference forgets that instanceIdentity depends on any signature.
func (m *XTriggerManager) ClearReference(instanceIdentity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sig, set := range m.referenced {
		delete(set, instanceIdentity)
		if len(set) == 0 {
			delete(m.referenced, sig)
			delete(m.results, sig)
			delete(m.limiters, sig)
		}
	}
}
