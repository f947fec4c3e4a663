package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
)

func TestCanonicalizeSortsKeysAndNormalizesNumbers(t *testing.T) {
	a, err := Canonicalize(`{"b": 1, "a": 1.0}`)
	require.NoError(t, err)
	b, err := Canonicalize(`{"a": 1,    "b": 1}`)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, `{"a":1,"b":1}`, a)
}

type countingDispatcher struct {
	calls int32
	delay time.Duration
}

func (d *countingDispatcher) Dispatch(ctx context.Context, plugin identity.RoutingKey, queryName, keyJSON string) (string, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return keyJSON + "-result", nil
}

func TestQueryDedupesConcurrentRequestsForSameKey(t *testing.T) {
	d := &countingDispatcher{delay: 10 * time.Millisecond}
	s := New(d)
	plugin := identity.RoutingKey{Publisher: "p", Name: "linguist"}

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := s.Query(NewRootContext(context.Background()), plugin, "", `"foo.rs"`)
			require.NoError(t, err)
			results <- out
		}()
	}
	r1 := <-results
	r2 := <-results
	require.Equal(t, r1, r2)
	require.Equal(t, int32(1), atomic.LoadInt32(&d.calls))
}

func TestQueryBatchPreservesOrder(t *testing.T) {
	d := &countingDispatcher{}
	s := New(d)
	plugin := identity.RoutingKey{Publisher: "p", Name: "linguist"}

	out, err := s.QueryBatch(NewRootContext(context.Background()), plugin, "", []string{`"a.rs"`, `"b.rs"`, `"c.rs"`})
	require.NoError(t, err)
	require.Equal(t, []string{`"a.rs"-result`, `"b.rs"-result`, `"c.rs"-result`}, out)
}

// cyclicDispatcher simulates a plugin whose handling of key "x"
// recursively calls back into the scheduler for the same key.
type cyclicDispatcher struct {
	s *Scheduler
}

func (d *cyclicDispatcher) Dispatch(ctx context.Context, plugin identity.RoutingKey, queryName, keyJSON string) (string, error) {
	_, err := d.s.Query(ctx, plugin, queryName, keyJSON)
	return "", err
}

func TestQueryDetectsCycle(t *testing.T) {
	s := New(nil)
	d := &cyclicDispatcher{s: s}
	s.dispatcher = d
	plugin := identity.RoutingKey{Publisher: "p", Name: "self"}

	_, err := s.Query(NewRootContext(context.Background()), plugin, "", `"x"`)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.QueryCycle))
}

func TestQueryIndependentRootsDoNotFalseCycle(t *testing.T) {
	d := &countingDispatcher{}
	s := New(d)
	plugin := identity.RoutingKey{Publisher: "p", Name: "linguist"}

	_, err1 := s.Query(NewRootContext(context.Background()), plugin, "", `"shared"`)
	_, err2 := s.Query(NewRootContext(context.Background()), plugin, "", `"shared"`)
	require.NoError(t, err1)
	require.NoError(t, err2)
}
