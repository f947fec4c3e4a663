// Package scheduler implements the memoizing query primitive from
// §4.4: query(target_identity, query_name, key_json) -> output_json,
// with at-most-once RPC dispatch, batched-input splitting/recomposition,
// and call-graph cycle detection per root.
package scheduler

import (
	"context"
	"sync"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
)

// Dispatcher performs the actual underlying RPC for a single
// (plugin, query, key) — one element, never a batch — and returns its
// raw (uncanonicalized) JSON output. Implementations that themselves
// trigger nested callbacks must call Scheduler.Query again using the
// ctx handed to Dispatch, so the call-chain threaded through it stays
// intact for cycle detection.
type Dispatcher interface {
	Dispatch(ctx context.Context, plugin identity.RoutingKey, queryName string, keyJSON string) (outputJSON string, err error)
}

type cacheKey struct {
	plugin    identity.RoutingKey
	queryName string
	keyJSON   string // canonical
}

type promise struct {
	done   chan struct{}
	output string
	err    error
}

// Scheduler is the concurrent, memoizing query engine shared by every
// top-level analysis in a run.
type Scheduler struct {
	dispatcher Dispatcher

	mu      sync.Mutex
	entries map[cacheKey]*promise
}

func New(dispatcher Dispatcher) *Scheduler {
	return &Scheduler{dispatcher: dispatcher, entries: map[cacheKey]*promise{}}
}

type chainContextKey struct{}

// NewRootContext starts a fresh, empty call chain for one top-level
// analysis; every nested Query call made from within it (directly or
// via Dispatcher-initiated callbacks sharing the derived context)
// extends that same chain.
func NewRootContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, chainContextKey{}, []cacheKey(nil))
}

func chainFrom(ctx context.Context) []cacheKey {
	chain, _ := ctx.Value(chainContextKey{}).([]cacheKey)
	return chain
}

func withChainEntry(ctx context.Context, key cacheKey) context.Context {
	chain := chainFrom(ctx)
	next := make([]cacheKey, len(chain)+1)
	copy(next, chain)
	next[len(chain)] = key
	return context.WithValue(ctx, chainContextKey{}, next)
}

// Query resolves a single (plugin, queryName, keyJSON) request. Cycle
// detection (§4.4) tracks the set of keys on the calling goroutine's
// lineage via the context chain established by NewRootContext;
// re-entering a key already on that lineage is QUERY_CYCLE. Concurrent,
// non-nested requests for the same key from independent lineages are
// not cycles — they coalesce onto the same memoized promise instead.
func (s *Scheduler) Query(ctx context.Context, plugin identity.RoutingKey, queryName, keyJSON string) (string, error) {
	canon, err := Canonicalize(keyJSON)
	if err != nil {
		return "", err
	}
	key := cacheKey{plugin: plugin, queryName: queryName, keyJSON: canon}

	for _, onStack := range chainFrom(ctx) {
		if onStack == key {
			return "", hcerr.New(hcerr.QueryCycle, "query cycle detected for %s/%s", plugin, queryName)
		}
	}

	s.mu.Lock()
	p, exists := s.entries[key]
	if !exists {
		p = &promise{done: make(chan struct{})}
		s.entries[key] = p
	}
	s.mu.Unlock()

	if exists {
		select {
		case <-p.done:
			return p.output, p.err
		case <-ctx.Done():
			return "", hcerr.New(hcerr.Cancelled, "query cancelled waiting on %s/%s", plugin, queryName)
		}
	}

	out, err := s.dispatcher.Dispatch(withChainEntry(ctx, key), plugin, queryName, canon)
	p.output, p.err = out, err
	close(p.done)
	return out, err
}

// QueryBatch splits a batched request into N individual Query calls,
// awaiting all of them and recomposing a single ordered reply, per
// §4.4's batched-input-splitting rule and §8's order-preservation
// invariant. Failure of any constituent fails the whole batch, and an
// empty batch is rejected with PLUGIN_QUERY_ERROR.
func (s *Scheduler) QueryBatch(ctx context.Context, plugin identity.RoutingKey, queryName string, keysJSON []string) ([]string, error) {
	if len(keysJSON) == 0 {
		return nil, hcerr.New(hcerr.PluginQueryError, "batched query %s/%s has no keys", plugin, queryName)
	}
	out := make([]string, len(keysJSON))
	errs := make([]error, len(keysJSON))
	var wg sync.WaitGroup
	for i, k := range keysJSON {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			out[i], errs[i] = s.Query(ctx, plugin, queryName, k)
		}(i, k)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	return out, nil
}
