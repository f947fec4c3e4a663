package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/protocol"
)

// loopbackStream answers every submit with a StateReplyComplete
// message echoing the key back as the output, simulating a trivial
// plugin for exercising Runtime.Query end-to-end.
type loopbackStream struct {
	sent    chan protocol.Query
	replies chan protocol.Query
}

func newLoopbackStream() *loopbackStream {
	return &loopbackStream{sent: make(chan protocol.Query, 8), replies: make(chan protocol.Query, 8)}
}

func (l *loopbackStream) Send(q protocol.Query) error {
	if q.State.IsSubmit() && q.State.IsTerminal() {
		reply := protocol.Query{ID: q.ID, State: protocol.StateReplyComplete, Output: []string{q.Key[0]}}
		l.replies <- reply
	}
	l.sent <- q
	return nil
}

func (l *loopbackStream) Recv() (protocol.Query, error) {
	return <-l.replies, nil
}

func (l *loopbackStream) CloseSend() error { return nil }

func TestRuntimeQueryRoundTrip(t *testing.T) {
	stream := newLoopbackStream()
	rt := NewRuntime(identity.Identity{Publisher: "mitre", Name: "typo"}, nil, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Pump(ctx)

	out, err := rt.Query(context.Background(), "default", `{"a":1}`)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, out)
}

func TestPoolDispatchRoutesToOwningRuntime(t *testing.T) {
	stream := newLoopbackStream()
	key := identity.RoutingKey{Publisher: "mitre", Name: "typo"}
	rt := NewRuntime(identity.Identity{Publisher: "mitre", Name: "typo"}, nil, stream)

	pool := NewPool()
	pool.Add(key, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Pump(ctx)

	out, err := pool.Dispatch(context.Background(), key, "default", `"x"`)
	require.NoError(t, err)
	require.Equal(t, `"x"`, out)
}

func TestPoolDispatchUnknownPluginFails(t *testing.T) {
	pool := NewPool()
	_, err := pool.Dispatch(context.Background(), identity.RoutingKey{Publisher: "mitre", Name: "missing"}, "default", "{}")
	require.Error(t, err)
}

func TestRuntimeQueryTimesOutWhenNoReplyArrives(t *testing.T) {
	stream := &silentStream{}
	rt := NewRuntime(identity.Identity{Publisher: "mitre", Name: "typo"}, nil, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = rt.Query(ctx, "default", `{}`)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Query did not return after context cancellation")
	}
}

type silentStream struct{}

func (*silentStream) Send(protocol.Query) error       { return nil }
func (*silentStream) Recv() (protocol.Query, error)   { select {} }
func (*silentStream) CloseSend() error                { return nil }
