package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ============================================================================
// Client Session
// ============================================================================
// One connection to the command server, driven by a single goroutine:
//
//   Connecting -> Handshaking -> Active -> Draining -> Closed
//
// Handshake: 0x01, length-prefixed identity, then a one-byte ack (0x01 = ok).
// Active:    0x01 requests a command; the response is framed by the codec.
// Draining:  0x02 tells the server we are leaving.
//
// Cancellation is checked before every request. A pending read is never
// interrupted, so a silent server delays shutdown until it answers.
// ============================================================================

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateHandshaking
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status replies.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionConfig holds the connection parameters of one session.
type SessionConfig struct {
	Address      string
	Identity     string
	FrameKind    FrameKind
	DialTimeout  time.Duration
	PollInterval time.Duration
}

// commandSink receives decoded commands.
type commandSink interface {
	Dispatch(cmd Command) error
}

// dialFunc opens the byte stream to the server.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Session runs the protocol over one connection. A Session is single-use.
type Session struct {
	cfg     SessionConfig
	codec   Codec
	cancel  *Canceller
	sink    commandSink
	tracker *StatusTracker
	logger  *slog.Logger
	metrics *Metrics
	dial    dialFunc

	activated bool
}

// NewSession builds a session. tracker and metrics may be nil.
func NewSession(cfg SessionConfig, cancel *Canceller, sink commandSink, tracker *StatusTracker, logger *slog.Logger, m *Metrics) (*Session, error) {
	codec, err := NewCodec(cfg.FrameKind)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		codec:   codec,
		cancel:  cancel,
		sink:    sink,
		tracker: tracker,
		logger:  logger,
		metrics: m,
		dial:    net.DialTimeout,
	}, nil
}

// Activated reports whether the session got past the handshake.
func (s *Session) Activated() bool {
	return s.activated
}

func (s *Session) setState(state SessionState) {
	s.tracker.SetState(state)
	s.metrics.SetSessionState(state)
}

// Run connects, handshakes and serves commands until the server terminates
// the session, cancellation is observed, or the connection fails.
// A nil return means an orderly shutdown.
func (s *Session) Run() error {
	s.setState(StateConnecting)
	s.metrics.ConnectAttempt()

	conn, err := s.dial("tcp", s.cfg.Address, s.cfg.DialTimeout)
	if err != nil {
		s.setState(StateClosed)
		return &ConnectionError{Op: "dial", Err: err}
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug("close connection", "error", closeErr)
		}
		s.setState(StateClosed)
	}()

	s.setState(StateHandshaking)
	if err := s.handshake(conn); err != nil {
		return err
	}

	s.activated = true
	s.tracker.Connected(s.cfg.Address)
	s.setState(StateActive)
	s.logger.Info("session active", "addr", s.cfg.Address, "identity", s.cfg.Identity, "frame_kind", s.codec.Kind())

	return s.serve(conn)
}

func (s *Session) handshake(conn net.Conn) error {
	ident, err := s.codec.EncodeIdentity(s.cfg.Identity)
	if err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}

	msg := append([]byte{byteHost}, ident...)
	if _, err := conn.Write(msg); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}

	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return &ConnectionError{Op: "handshake ack", Err: err}
	}
	if ack[0] != byteAccepted {
		return ErrIdentityConflict
	}
	return nil
}

func (s *Session) serve(conn net.Conn) error {
	request := []byte{byteRequest}

	for {
		if s.cancel.Cancelled() {
			s.logger.Info("cancellation requested; closing session")
			return s.drain(conn)
		}

		if _, err := conn.Write(request); err != nil {
			return &ConnectionError{Op: "request", Err: err}
		}

		resp, err := s.codec.ReadResponse(conn)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("dropping malformed frame", "kind", decodeErr.Kind, "error", decodeErr.Err)
				s.tracker.DecodeFailed()
				s.metrics.DecodeError(err)
				continue
			}
			return &ConnectionError{Op: "read frame", Err: err}
		}

		switch resp.Status {
		case ResponseEmpty:
			if s.cfg.PollInterval > 0 {
				s.cancel.Sleep(s.cfg.PollInterval)
			}
		case ResponseTerminate:
			s.logger.Info("server requested termination")
			return s.drain(conn)
		case ResponseCommand:
			s.dispatch(resp.Command)
		}
	}
}

func (s *Session) dispatch(cmd Command) {
	s.logger.Debug("command received", "command", cmd.String())
	s.tracker.CommandReceived()
	s.metrics.CommandDispatched(cmd, "server")

	if err := s.sink.Dispatch(cmd); err != nil {
		s.logger.Warn("command failed", "command", cmd.String(), "kind", errorKind(err), "error", err)
		s.tracker.DispatchFailed()
		s.metrics.DispatchError(err)
	}
}

func (s *Session) drain(conn net.Conn) error {
	s.setState(StateDraining)
	if _, err := conn.Write([]byte{byteTerminate}); err != nil {
		return &ConnectionError{Op: "terminate", Err: err}
	}
	return nil
}

// StatusTracker aggregates session activity across reconnects for the IPC
// status query and /healthz. A nil *StatusTracker records nothing.
type StatusTracker struct {
	mu    sync.Mutex
	stats SessionStats
	now   func() time.Time
	feed  *StateFeed
}

// SessionStats is a point-in-time snapshot of StatusTracker.
type SessionStats struct {
	State          SessionState `json:"state"`
	Address        string       `json:"address,omitempty"`
	Sessions       uint64       `json:"sessions"`
	Commands       uint64       `json:"commands"`
	DecodeErrors   uint64       `json:"decode_errors"`
	DispatchErrors uint64       `json:"dispatch_errors"`
	ConnectedAt    time.Time    `json:"connected_at,omitzero"`
	LastCommandAt  time.Time    `json:"last_command_at,omitzero"`
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		stats: SessionStats{State: StateClosed},
		now:   time.Now,
	}
}

// SetFeed publishes state transitions to f from now on.
func (t *StatusTracker) SetFeed(f *StateFeed) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feed = f
}

func (t *StatusTracker) SetState(s SessionState) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.stats.State != s
	t.stats.State = s
	if s == StateClosed {
		t.stats.ConnectedAt = time.Time{}
	}
	if changed {
		t.feed.Publish(BroadcastSessionState{State: s, Address: t.stats.Address, At: t.now()})
	}
}

func (t *StatusTracker) Connected(addr string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Address = addr
	t.stats.Sessions++
	t.stats.ConnectedAt = t.now()
}

func (t *StatusTracker) CommandReceived() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Commands++
	t.stats.LastCommandAt = t.now()
}

func (t *StatusTracker) DecodeFailed() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.DecodeErrors++
}

func (t *StatusTracker) DispatchFailed() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.DispatchErrors++
}

// Snapshot returns a copy of the current stats.
func (t *StatusTracker) Snapshot() SessionStats {
	if t == nil {
		return SessionStats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
