// Package session implements the per-plugin session state machine and
// multiplexer from §4.3: each plugin has exactly one bidirectional
// stream shared by every outstanding query, and inbound messages are
// routed by session id to the session tracking that exchange.
package session

import (
	"sync"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/protocol"
)

// Phase is the per-session state from §9's "tagged-variant state
// machine" design note.
type Phase int

const (
	PhaseAwaitingSubmit Phase = iota
	PhaseAwaitingReply
	PhaseChunkingSubmit
	PhaseChunkingReply
	PhaseTerminal
	PhaseTerminalError
)

// Session tracks one in-flight query/reply exchange on a plugin's
// shared stream.
type Session struct {
	ID    int32
	phase Phase

	submitChunks []protocol.Query
	replyChunks  []protocol.Query

	reply chan Result
}

// Result is what a session resolves to: either a reassembled reply or
// a terminal error.
type Result struct {
	Reply protocol.Query
	Err   error
}

func newSession(id int32) *Session {
	return &Session{ID: id, phase: PhaseAwaitingSubmit, reply: make(chan Result, 1)}
}

func (s *Session) Phase() Phase { return s.phase }

// Wait blocks until the session reaches a terminal phase and returns
// its result.
func (s *Session) Wait() Result { return <-s.reply }

// Multiplexer owns one plugin's shared stream and every session
// currently open against it. Hipcheck-initiated sessions use odd ids;
// plugin-initiated callback sessions use even ids, per §4.3.
type Multiplexer struct {
	mu       sync.Mutex
	sessions map[int32]*Session
	nextHC   int32 // next odd id
	writeMu  sync.Mutex
	send     func(protocol.Query) error

	// OnPluginInitiated is invoked (outside the mutex) whenever an
	// inbound message opens a new even-numbered session the scheduler
	// didn't start — a nested callback from the plugin to another
	// plugin, routed per §4.4.
	OnPluginInitiated func(id int32, q protocol.Query)
}

// New constructs a Multiplexer that writes outbound messages via send.
// send must serialize its own access to the underlying stream; the
// multiplexer itself serializes calls to send with writeMu so only one
// write is in flight on the shared stream at a time (§5).
func New(send func(protocol.Query) error) *Multiplexer {
	return &Multiplexer{sessions: map[int32]*Session{}, nextHC: 1, send: send}
}

// StartSession allocates the next Hipcheck-initiated (odd) session id
// and registers it.
func (m *Multiplexer) StartSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHC
	m.nextHC += 2
	s := newSession(id)
	m.sessions[id] = s
	return s
}

// Send writes a query chunked to fit maxBytes on the session's id,
// transitioning the session's local phase optimistically; the actual
// phase is reconciled as replies arrive via Deliver.
func (m *Multiplexer) Send(s *Session, q protocol.Query, maxBytes int, reply bool) error {
	q.ID = s.ID
	chunks := protocol.Chunk(q, maxBytes, reply)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, c := range chunks {
		if err := m.send(c); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if len(chunks) > 1 {
		s.phase = PhaseChunkingSubmit
	} else {
		s.phase = PhaseAwaitingReply
	}
	m.mu.Unlock()
	return nil
}

// Deliver routes one inbound wire message to its session, reassembling
// chunked replies and resolving the session's Wait() channel once a
// terminal state arrives. A message for an unknown id fails with
// UNKNOWN_SESSION unless it opens a new even (plugin-initiated)
// session, which is handed to OnPluginInitiated.
func (m *Multiplexer) Deliver(q protocol.Query) error {
	m.mu.Lock()
	s, ok := m.sessions[q.ID]
	if !ok {
		if q.ID%2 == 0 {
			s = newSession(q.ID)
			m.sessions[q.ID] = s
			m.mu.Unlock()
			if m.OnPluginInitiated != nil {
				m.OnPluginInitiated(q.ID, q)
			}
			return nil
		}
		m.mu.Unlock()
		return hcerr.New(hcerr.UnknownSession, "reply for unknown session id %d", q.ID)
	}
	m.mu.Unlock()

	if q.State == protocol.StateUnspecified {
		s.phase = PhaseTerminalError
		err := hcerr.New(hcerr.PluginQueryError, "session %d received UNSPECIFIED", q.ID).WithConcerns(q.Concern)
		s.reply <- Result{Err: err}
		return nil
	}

	s.replyChunks = append(s.replyChunks, q)
	if !q.State.IsTerminal() {
		s.phase = PhaseChunkingReply
		return nil
	}

	full, err := protocol.Reassemble(s.replyChunks)
	if err != nil {
		s.phase = PhaseTerminalError
		s.reply <- Result{Err: err}
		return nil
	}
	s.phase = PhaseTerminal
	s.reply <- Result{Reply: full}
	return nil
}

// Abandon marks a session terminal-error, frees it, and resolves its
// Wait() with a CANCELLED error, for the cancellation path in §5: outstanding promises rooted at a cancelled
// analysis are rejected with CANCELLED.
func (m *Multiplexer) Abandon(id int32) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.phase = PhaseTerminalError
	select {
	case s.reply <- Result{Err: hcerr.New(hcerr.Cancelled, "session %d cancelled", id)}:
	default:
	}
}
