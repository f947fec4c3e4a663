package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkRoundTripSmallMessage(t *testing.T) {
	q := Query{ID: 3, PublisherName: "mitre", PluginName: "typo", Key: []string{"a", "b"}, Output: []string{"x"}}
	chunks := Chunk(q, 0, false)
	require.Len(t, chunks, 1)
	require.Equal(t, StateSubmitComplete, chunks[0].State)

	got, err := Reassemble(chunks)
	require.NoError(t, err)
	require.Equal(t, q.Key, got.Key)
	require.Equal(t, q.Output, got.Output)
}

func TestChunkSplitsOnUTF8Boundary(t *testing.T) {
	// "αβ" is 4 bytes (2 bytes per Greek letter); forcing a 3-byte
	// budget should split after the first code point, matching §8
	// scenario 2.
	q := Query{ID: 2, Output: []string{"αβ"}}
	chunks := Chunk(q, 3, true)
	require.GreaterOrEqual(t, len(chunks), 2)
	require.Equal(t, StateReplyInProgress, chunks[0].State)
	require.True(t, chunks[0].Split)
	require.Equal(t, StateReplyComplete, chunks[len(chunks)-1].State)

	got, err := Reassemble(chunks)
	require.NoError(t, err)
	require.Equal(t, []string{"αβ"}, got.Output)
}

func TestChunkPreservesOrderAcrossFields(t *testing.T) {
	q := Query{
		ID:      5,
		Key:     []string{"k1", "k2", "k3"},
		Output:  []string{"o1", "o2"},
		Concern: []string{"c1"},
	}
	// force many small chunks
	chunks := Chunk(q, 4, true)
	require.Greater(t, len(chunks), 1)

	got, err := Reassemble(chunks)
	require.NoError(t, err)
	require.Equal(t, q.Key, got.Key)
	require.Equal(t, q.Output, got.Output)
	require.Equal(t, q.Concern, got.Concern)
}

func TestReassembleRejectsInvalidUTF8Boundary(t *testing.T) {
	// Fabricate a malformed split: the first chunk's trailing byte is
	// not a valid rune prefix and the next chunk's continuation can't
	// repair it.
	bad := []Query{
		{ID: 1, Output: []string{"α"[:1]}, Split: true, State: StateReplyInProgress},
		{ID: 1, Output: []string{"α"[:1]}, State: StateReplyComplete},
	}
	_, err := Reassemble(bad)
	require.Error(t, err)
}

func TestReassembleNoChunksErrors(t *testing.T) {
	_, err := Reassemble(nil)
	require.Error(t, err)
}
