package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/protocol"
)

func TestStartSessionUsesOddIDs(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	a := mux.StartSession()
	b := mux.StartSession()
	require.Equal(t, int32(1), a.ID)
	require.Equal(t, int32(3), b.ID)
}

func TestDeliverResolvesSingleChunkReply(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	s := mux.StartSession()

	go func() {
		_ = mux.Deliver(protocol.Query{ID: s.ID, State: protocol.StateReplyComplete, Output: []string{"42"}})
	}()

	res := s.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, []string{"42"}, res.Reply.Output)
}

func TestDeliverReassemblesChunkedReply(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	s := mux.StartSession()

	require.NoError(t, mux.Deliver(protocol.Query{ID: s.ID, State: protocol.StateReplyInProgress, Output: []string{"a"}}))
	require.NoError(t, mux.Deliver(protocol.Query{ID: s.ID, State: protocol.StateReplyComplete, Output: []string{"b"}}))

	res := s.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, []string{"a", "b"}, res.Reply.Output)
}

func TestDeliverUnknownOddSessionFails(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	err := mux.Deliver(protocol.Query{ID: 99, State: protocol.StateReplyComplete})
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.UnknownSession))
}

func TestDeliverUnknownEvenSessionIsPluginInitiated(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	var got protocol.Query
	mux.OnPluginInitiated = func(id int32, q protocol.Query) { got = q }

	err := mux.Deliver(protocol.Query{ID: 2, State: protocol.StateSubmitComplete, Key: []string{"foo.rs"}})
	require.NoError(t, err)
	require.Equal(t, []string{"foo.rs"}, got.Key)
}

func TestDeliverUnspecifiedIsPluginQueryError(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	s := mux.StartSession()

	go func() {
		_ = mux.Deliver(protocol.Query{ID: s.ID, State: protocol.StateUnspecified, Concern: []string{"boom"}})
	}()

	res := s.Wait()
	require.Error(t, res.Err)
	require.True(t, hcerr.Is(res.Err, hcerr.PluginQueryError))
}

func TestAbandonRejectsWaiter(t *testing.T) {
	mux := New(func(protocol.Query) error { return nil })
	s := mux.StartSession()
	mux.Abandon(s.ID)

	res := s.Wait()
	require.Error(t, res.Err)
	require.True(t, hcerr.Is(res.Err, hcerr.Cancelled))
}
