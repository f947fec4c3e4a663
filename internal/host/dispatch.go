// Package host wires the supervisor, session multiplexer, and
// scheduler together into the running system described by §5: one
// Runtime per plugin, reading its bidi query stream into a
// session.Multiplexer and exposing scheduler.Dispatcher so the shared
// Scheduler can route both Hipcheck-initiated queries and the
// plugin-initiated callbacks described in §4.4.
package host

import (
	"context"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/protocol"
	"github.com/mitre/hipcheck/internal/session"
	"github.com/mitre/hipcheck/internal/supervisor"
)

// Runtime owns one plugin's live stream and session multiplexer.
type Runtime struct {
	Identity   identity.Identity
	Supervisor *supervisor.Supervisor

	stream  supervisor.QueryStream
	mux     *session.Multiplexer
	schemas map[string]supervisor.QuerySchema

	// Dispatch resolves a plugin-initiated callback's target into the
	// Runtime that owns the target plugin, for routing nested queries
	// per §4.4. Set by run.startOne after NewRuntime, before Pump runs.
	Dispatch func(target identity.RoutingKey, queryName, keyJSON string) (string, error)
}

// NewRuntime wraps an already-started supervisor's query stream.
func NewRuntime(id identity.Identity, sup *supervisor.Supervisor, stream supervisor.QueryStream) *Runtime {
	r := &Runtime{Identity: id, Supervisor: sup, stream: stream}
	r.mux = session.New(func(q protocol.Query) error { return stream.Send(q) })
	r.mux.OnPluginInitiated = r.handlePluginInitiated
	return r
}

// Pump reads inbound messages off the stream until it closes or ctx is
// cancelled, delivering each to the multiplexer. Run it in its own
// goroutine for the lifetime of the plugin.
func (r *Runtime) Pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		q, err := r.stream.Recv()
		if err != nil {
			return err
		}
		if err := r.mux.Deliver(q); err != nil {
			return err
		}
	}
}

// LoadSchemas caches the plugin's declared query schemas, merging
// chunked entries that share a query name.
func (r *Runtime) LoadSchemas(ctx context.Context) error {
	raw, err := r.Supervisor.QuerySchemas(ctx)
	if err != nil {
		return err
	}
	merged := map[string]supervisor.QuerySchema{}
	for _, s := range raw {
		existing, ok := merged[s.QueryName]
		if !ok {
			merged[s.QueryName] = s
			continue
		}
		existing.KeySchema += s.KeySchema
		existing.OutputSchema += s.OutputSchema
		merged[s.QueryName] = existing
	}
	r.schemas = merged
	return nil
}

// Query dispatches one (query_name, key_json) request to this
// plugin's default session and blocks for the reply, per §4.3/§4.4.
// keyJSON is validated against the query's declared key schema (§4.2)
// before being sent.
func (r *Runtime) Query(ctx context.Context, queryName, keyJSON string) (string, error) {
	if err := r.validateKey(queryName, keyJSON); err != nil {
		return "", err
	}

	s := r.mux.StartSession()
	q := protocol.Query{
		State:     protocol.StateSubmitComplete,
		QueryName: queryName,
		Key:       []string{keyJSON},
	}
	if err := r.mux.Send(s, q, protocol.DefaultMaxMessageBytes, false); err != nil {
		return "", err
	}

	done := make(chan session.Result, 1)
	go func() { done <- s.Wait() }()

	select {
	case <-ctx.Done():
		r.mux.Abandon(s.ID)
		return "", hcerr.Wrap(hcerr.Cancelled, ctx.Err(), "query %q cancelled", queryName)
	case result := <-done:
		if result.Err != nil {
			return "", result.Err
		}
		if len(result.Reply.Output) == 0 {
			return "null", nil
		}
		return result.Reply.Output[0], nil
	}
}

// OutputSchemaFor returns the declared output JSON Schema for a query
// name, or "" when the plugin declared none (or the name is unknown) —
// callers use it to type a query's output for policy-expression
// substitution (§4.5).
func (r *Runtime) OutputSchemaFor(queryName string) string {
	return r.schemas[queryName].OutputSchema
}

func (r *Runtime) validateKey(queryName, keyJSON string) error {
	schema, ok := r.schemas[queryName]
	if !ok || schema.KeySchema == "" {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema.KeySchema),
		gojsonschema.NewStringLoader(keyJSON),
	)
	if err != nil {
		return hcerr.Wrap(hcerr.TypeError, err, "validating query %q key against its schema", queryName)
	}
	if !result.Valid() {
		return hcerr.New(hcerr.TypeError, "query %q key fails its declared schema: %v", queryName, result.Errors())
	}
	return nil
}

// handlePluginInitiated answers a callback session the plugin opened
// against another plugin, routing through Dispatch (§4.4) and replying
// on the same even session id. Each key of a batched request is
// dispatched on its own and the outputs are returned in key order; a
// request with no keys, or any failing key, fails the whole reply.
func (r *Runtime) handlePluginInitiated(id int32, q protocol.Query) {
	go func() {
		target := identity.RoutingKey{Publisher: q.PublisherName, Name: q.PluginName}
		outputs := make([]string, len(q.Key))
		var err error
		if len(q.Key) == 0 {
			err = hcerr.New(hcerr.PluginQueryError, "callback session %d carries no keys", id)
		}
		for i := 0; i < len(q.Key) && err == nil; i++ {
			outputs[i], err = r.Dispatch(target, q.QueryName, q.Key[i])
		}
		reply := protocol.Query{
			ID:    id,
			State: protocol.StateReplyComplete,
		}
		if err != nil {
			reply.State = protocol.StateUnspecified
			if d, ok := err.(*hcerr.Diagnostic); ok {
				reply.Concern = append(reply.Concern, d.Concerns...)
			}
		} else {
			reply.Output = outputs
		}
		_ = r.stream.Send(reply)
	}()
}

// Pool tracks every live Runtime by routing key so plugin-initiated
// callbacks (§4.4) and the scheduler's own dispatch can find the
// owning stream for any resolved plugin.
type Pool struct {
	mu       sync.RWMutex
	runtimes map[identity.RoutingKey]*Runtime
}

func NewPool() *Pool {
	return &Pool{runtimes: map[identity.RoutingKey]*Runtime{}}
}

func (p *Pool) Add(key identity.RoutingKey, r *Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtimes[key] = r
}

func (p *Pool) Get(key identity.RoutingKey) (*Runtime, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.runtimes[key]
	return r, ok
}

// Dispatch implements scheduler.Dispatcher by routing to the Runtime
// owning the target plugin.
func (p *Pool) Dispatch(ctx context.Context, plugin identity.RoutingKey, queryName, keyJSON string) (string, error) {
	r, ok := p.Get(plugin)
	if !ok {
		return "", hcerr.New(hcerr.PluginInternalError, "no running plugin for %s", plugin)
	}
	return r.Query(ctx, queryName, keyJSON)
}
