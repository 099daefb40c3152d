package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local tools (controls-ctl, scripts) query the daemon and inject input
// through the same dispatcher the server session uses.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type":"status"}
//                   {"type":"get_volume"}
//                   {"type":"event","data":<InputEvent>}
//   - Server responds: {"status":"ok","data":...} or {"status":"error","error":"msg"}
// ============================================================================

// IPC request types.
const (
	ipcTypeStatus    = "status"
	ipcTypeGetVolume = "get_volume"
	ipcTypeEvent     = "event"
)

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
	Data   any    `json:"data,omitempty"`
}

// IPCStatus is the payload of a status reply.
type IPCStatus struct {
	Identity string       `json:"identity"`
	Session  SessionStats `json:"session"`
}

// IPCServer answers local control requests.
type IPCServer struct {
	identity   string
	dispatcher *Dispatcher
	tracker    *StatusTracker
	metrics    *Metrics
	logger     *slog.Logger
}

func NewIPCServer(identity string, d *Dispatcher, tracker *StatusTracker, logger *slog.Logger, m *Metrics) *IPCServer {
	return &IPCServer{
		identity:   identity,
		dispatcher: d,
		tracker:    tracker,
		metrics:    m,
		logger:     logger,
	}
}

// Serve listens on socketPath until ctx is canceled, at which point it closes
// the listener and exits.
func (s *IPCServer) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner and group only; the socket can inject keystrokes.
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Debug("IPC listener closed")
				return nil
			}

			s.logger.Error("IPC accept error", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection serves one client until it disconnects.
func (s *IPCServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	s.logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("IPC received", "line", line)

		if err := encoder.Encode(s.handle([]byte(line))); err != nil {
			s.logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	s.logger.Debug("IPC connection closed")
}

// handle answers a single request line.
func (s *IPCServer) handle(line []byte) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError(fmt.Errorf("parse request: %w", err))
	}

	switch req.Type {
	case ipcTypeStatus:
		return IPCResponse{Status: "ok", Data: IPCStatus{
			Identity: s.identity,
			Session:  s.tracker.Snapshot(),
		}}

	case ipcTypeGetVolume:
		vol, err := s.dispatcher.Volume()
		if err != nil {
			return ipcError(err)
		}
		return IPCResponse{Status: "ok", Data: vol}

	case ipcTypeEvent:
		if len(req.Data) == 0 {
			return ipcError(errors.New("event request without data"))
		}
		ev, err := UnmarshalInputEvent(req.Data)
		if err != nil {
			return ipcError(fmt.Errorf("parse event: %w", err))
		}
		cmd := CmdInput{Event: ev}
		s.metrics.CommandDispatched(cmd, "ipc")
		if err := s.dispatcher.Dispatch(cmd); err != nil {
			s.metrics.DispatchError(err)
			return ipcError(err)
		}
		return IPCResponse{Status: "ok"}

	default:
		return ipcError(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}
