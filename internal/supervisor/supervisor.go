// Package supervisor launches and manages a plugin subprocess for its
// entire lifetime (§4.2): allocating an ephemeral TCP port, starting
// the arch-appropriate entrypoint with `--port <PORT> --log-level
// <LEVEL>`, dialing it over gRPC with exponential backoff, piping its
// stderr through structured logging, and exposing the four plugin
// RPCs (GetQuerySchemas, SetConfig, GetDefaultPolicyExpression,
// InitiateQueryProtocol) over the connection.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/hclogging"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
)

// Phase is the plugin process lifecycle state machine from §4.2.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseConfigured
	PhaseReady
	PhaseDraining
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "Starting"
	case PhaseConfigured:
		return "Configured"
	case PhaseReady:
		return "Ready"
	case PhaseDraining:
		return "Draining"
	case PhaseExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Supervisor owns one plugin subprocess for its entire lifetime:
// allocating its ephemeral loopback port, launching its
// arch-appropriate entrypoint with `--port <PORT> --log-level
// <LEVEL>` (§4.2, §6's Plugin CLI contract), connecting with backoff,
// piping its stderr log lines, and serving the RPC client across the
// Starting -> Configured -> Ready -> Draining -> Exited phases.
type Supervisor struct {
	Identity identity.Identity
	Logger   hclog.Logger

	mu    sync.Mutex
	phase Phase
	cmd   *exec.Cmd
	conn  *grpc.ClientConn
	rpc   *rpcClient
}

// New builds a Supervisor for an already-resolved plugin; it does not
// start the process until Start is called.
func New(id identity.Identity, logger hclog.Logger) *Supervisor {
	return &Supervisor{Identity: id, Logger: logger, phase: PhaseStarting}
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Start allocates an unused ephemeral TCP port on the loopback
// interface, launches the plugin's entrypoint for targetTriple with
// `--port <PORT> --log-level <LEVEL>`, and opens a gRPC client to that
// port, retrying with exponential backoff (seeded by initialBackoff,
// which run.startOne takes from PluginConfig.StartupBackoffInitial;
// hcconfig.DefaultBackoffInitial is not consulted) up to maxAttempts times before
// surfacing PLUGIN_STARTUP_TIMEOUT (§4.2).
func (s *Supervisor) Start(ctx context.Context, m *manifest.PluginManifest, targetTriple, logLevel string, initialBackoff time.Duration, maxAttempts int) error {
	entrypoint, err := m.EntrypointFor(targetTriple)
	if err != nil {
		return err
	}

	port, err := allocatePort()
	if err != nil {
		return hcerr.Wrap(hcerr.PluginStartupTimeout, err, "allocating ephemeral port for plugin %s", s.Identity)
	}

	cmd := exec.Command("sh", "-c", fmt.Sprintf("%s --port %d --log-level %s", entrypoint, port, logLevel))
	stderrR, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		return hcerr.Wrap(hcerr.PluginStartupTimeout, err, "starting plugin %s", s.Identity)
	}
	go hclogging.PipeStderr(stderrR, s.Logger, s.Identity.Publisher, s.Identity.Name, s.Identity.Version.String())

	conn, err := s.dialWithBackoff(ctx, port, initialBackoff, maxAttempts)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.conn = conn
	s.rpc = newRPCClient(conn)
	s.mu.Unlock()
	return nil
}

// dialWithBackoff opens a gRPC client to 127.0.0.1:port, waiting with
// exponential backoff for the plugin to start listening, per §4.2's
// "opens a gRPC client to that port and waits ... for the stream to
// accept a connection".
func (s *Supervisor) dialWithBackoff(ctx context.Context, port int, initialBackoff time.Duration, maxAttempts int) (*grpc.ClientConn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, hcerr.Wrap(hcerr.PluginStartupTimeout, ctx.Err(), "connecting to plugin %s", s.Identity)
			}
			backoff *= 2
		}

		dialCtx, cancel := context.WithTimeout(ctx, backoff+time.Second)
		conn, err := grpc.DialContext(dialCtx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, hcerr.Wrap(hcerr.PluginStartupTimeout, lastErr, "plugin %s failed to start after %d attempts", s.Identity, maxAttempts)
}

// allocatePort picks a currently-unused loopback port by binding to
// port 0 and releasing it immediately; the plugin is expected to bind
// it before anything else on the host grabs it (§4.2).
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Configure calls SetConfig; on success the phase advances to
// Configured and the config hash is returned, per §4.2's
// "SetConfig errors are fatal for the offending plugin" rule.
func (s *Supervisor) Configure(ctx context.Context, configJSON string) (configHash string, err error) {
	rpc, err := s.rpcClient()
	if err != nil {
		return "", err
	}
	resp, err := rpc.SetConfig(ctx, configJSON)
	if err != nil {
		return "", err
	}
	if resp.Status != "ok" {
		return "", hcerr.New(hcerr.ConfigInvalidValue, "plugin %s rejected configuration: %s", s.Identity, resp.Message)
	}
	s.setPhase(PhaseConfigured)
	return resp.ConfigHash, nil
}

// MarkReady advances the phase to Ready once the supervisor's owner
// has registered the plugin's session with the multiplexer.
func (s *Supervisor) MarkReady() { s.setPhase(PhaseReady) }

func (s *Supervisor) QuerySchemas(ctx context.Context) ([]QuerySchema, error) {
	rpc, err := s.rpcClient()
	if err != nil {
		return nil, err
	}
	return rpc.GetQuerySchemas(ctx)
}

func (s *Supervisor) DefaultPolicyExpression(ctx context.Context) (string, error) {
	rpc, err := s.rpcClient()
	if err != nil {
		return "", err
	}
	return rpc.GetDefaultPolicyExpression(ctx)
}

// OpenQueryStream opens the bidi InitiateQueryProtocol stream the
// session multiplexer drives (§4.3).
func (s *Supervisor) OpenQueryStream(ctx context.Context) (QueryStream, error) {
	rpc, err := s.rpcClient()
	if err != nil {
		return nil, err
	}
	return rpc.InitiateQueryProtocol(ctx)
}

// Stop drains and kills the plugin subprocess.
func (s *Supervisor) Stop() {
	s.setPhase(PhaseDraining)
	s.mu.Lock()
	conn := s.conn
	cmd := s.cmd
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	s.setPhase(PhaseExited)
}

func (s *Supervisor) rpcClient() (*rpcClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc == nil {
		return nil, hcerr.New(hcerr.PluginInternalError, "plugin %s has not been started", s.Identity)
	}
	return s.rpc, nil
}
