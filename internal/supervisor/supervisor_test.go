package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
	"github.com/mitre/hipcheck/internal/protocol"
)

func TestPhaseString(t *testing.T) {
	require.Equal(t, "Starting", PhaseStarting.String())
	require.Equal(t, "Ready", PhaseReady.String())
	require.Equal(t, "Exited", PhaseExited.String())
}

func TestStartSurfacesNoArchMatch(t *testing.T) {
	s := New(identity.Identity{Publisher: "mitre", Name: "typo"}, hclog.NewNullLogger())
	m := &manifest.PluginManifest{Entrypoints: map[string]string{}}
	err := s.Start(context.Background(), m, "x86_64-unknown-linux-gnu", "info", time.Millisecond, 1)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.NoArchMatch))
}

func TestStartSurfacesTimeoutWhenEntrypointNeverListens(t *testing.T) {
	s := New(identity.Identity{Publisher: "mitre", Name: "typo"}, hclog.NewNullLogger())
	m := &manifest.PluginManifest{Entrypoints: map[string]string{"x86_64-unknown-linux-gnu": "true"}}
	err := s.Start(context.Background(), m, "x86_64-unknown-linux-gnu", "info", time.Millisecond, 2)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.PluginStartupTimeout))
}

func TestRPCClientBeforeStartFails(t *testing.T) {
	s := New(identity.Identity{Publisher: "mitre", Name: "typo"}, hclog.NewNullLogger())
	_, err := s.QuerySchemas(context.Background())
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.PluginInternalError))
}

func TestWireQueryRoundTrip(t *testing.T) {
	q := protocol.Query{
		ID: 3, State: protocol.StateSubmitComplete, PublisherName: "mitre", PluginName: "typo",
		QueryName: "default", Key: []string{"k"}, Output: nil, Concern: nil, Split: false,
	}
	got := fromWire(toWire(q))
	require.Equal(t, q, got)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	b, err := c.Marshal(&SetConfigResponse{Status: "ok", ConfigHash: "abc"})
	require.NoError(t, err)
	var out SetConfigResponse
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, "ok", out.Status)
	require.Equal(t, "abc", out.ConfigHash)
}
