package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State Stream: websocket push of session and volume changes
// ============================================================================
//
//   StatusTracker / Dispatcher --Publish--> StateFeed --> broadcaster --> hub --> clients
//
// Messages are JSON text frames {type, ts, data}:
//   state_init      sent once on connect: identity, session stats, volume
//   session_state   every session state transition
//   volume_changed  latest level, at most once per stateVolumeWindow
//
// Publishing never blocks the session. A client whose send queue is full is
// disconnected.
// ============================================================================

const (
	streamStateInit    = "state_init"
	streamSessionState = "session_state"
	streamVolume       = "volume_changed"

	stateVolumeWindow = 50 * time.Millisecond

	streamWriteWait  = 5 * time.Second
	streamPongWait   = 30 * time.Second
	streamPingPeriod = 20 * time.Second
)

// StateBroadcast is a change worth pushing to stream clients.
type StateBroadcast interface {
	isStateBroadcast()
}

type BroadcastSessionState struct {
	State   SessionState
	Address string
	At      time.Time
}

type BroadcastVolumeChanged struct {
	DB float64
	At time.Time
}

func (BroadcastSessionState) isStateBroadcast()  {}
func (BroadcastVolumeChanged) isStateBroadcast() {}

// StateFeed is a bounded, drop-on-full queue of broadcasts.
// A nil *StateFeed discards everything.
type StateFeed struct {
	ch     chan StateBroadcast
	logger *slog.Logger
}

func NewStateFeed(size int, logger *slog.Logger) *StateFeed {
	if size <= 0 {
		size = 64
	}
	return &StateFeed{ch: make(chan StateBroadcast, size), logger: logger}
}

// Publish enqueues b without blocking.
func (f *StateFeed) Publish(b StateBroadcast) {
	if f == nil {
		return
	}
	select {
	case f.ch <- b:
	default:
		f.logger.Debug("state feed full, dropping broadcast")
	}
}

// C is the receive side, drained by the broadcaster.
func (f *StateFeed) C() <-chan StateBroadcast {
	if f == nil {
		return nil
	}
	return f.ch
}

// streamEnvelope is the wire format of every stream message.
type streamEnvelope struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

type streamSessionData struct {
	State   SessionState `json:"state"`
	Address string       `json:"address,omitempty"`
}

type streamVolumeData struct {
	DB float64 `json:"db"`
}

type streamSnapshot struct {
	Identity string        `json:"identity"`
	Session  SessionStats  `json:"session"`
	Volume   *VolumeStatus `json:"volume,omitempty"`
}

func encodeBroadcast(b StateBroadcast) (streamEnvelope, bool) {
	switch ev := b.(type) {
	case BroadcastSessionState:
		return streamEnvelope{
			Type: streamSessionState,
			Ts:   stampOrNow(ev.At),
			Data: streamSessionData{State: ev.State, Address: ev.Address},
		}, true
	case BroadcastVolumeChanged:
		return streamEnvelope{
			Type: streamVolume,
			Ts:   stampOrNow(ev.At),
			Data: streamVolumeData{DB: ev.DB},
		}, true
	default:
		return streamEnvelope{}, false
	}
}

func stampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// ============================================================================
// Hub
// ============================================================================

type streamHubConfig struct {
	SendBuf      int // per-client queue; default 32
	BroadcastBuf int // hub inbound queue; default 128
}

type streamHub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}

	mu      sync.Mutex
	clients map[*streamClient]struct{}

	sendBuf int
}

func newStreamHub(logger *slog.Logger, cfg streamHubConfig) *streamHub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &streamHub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient, 16),
		done:       make(chan struct{}),
		clients:    make(map[*streamClient]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run owns the client set until ctx is canceled, then disconnects everyone.
func (h *streamHub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("state stream client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "closed")

		case msg := <-h.broadcast:
			var slow []*streamClient
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow_client")
			}
		}
	}
}

func (h *streamHub) remove(c *streamClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("state stream client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// publish enqueues a serialized frame; drops it if the hub is backed up.
func (h *streamHub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("state stream queue full, dropping message", "bytes", len(msg))
	}
}

func (h *streamHub) leave(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *streamHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ============================================================================
// Client
// ============================================================================

type streamClient struct {
	hub        *streamHub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	logger     *slog.Logger

	closeOnce sync.Once
}

func newStreamClient(hub *streamHub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *streamClient {
	return &streamClient{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close shuts the connection and the send queue exactly once.
func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to see pongs and disconnects.
func (c *streamClient) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			c.hub.leave(c)
			return
		}
	}
}

func (c *streamClient) logExit(op string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("state stream client closed", "remote_addr", c.remoteAddr, "op", op, "code", ce.Code)
		return
	}
	c.logger.Debug("state stream client error", "remote_addr", c.remoteAddr, "op", op, "error", err)
}

// ============================================================================
// Broadcaster
// ============================================================================

// runStateBroadcaster drains src into the hub. Volume updates are coalesced
// latest-wins over stateVolumeWindow; anything else flushes a pending volume
// first so ordering is preserved.
func runStateBroadcaster(ctx context.Context, hub *streamHub, src <-chan StateBroadcast, logger *slog.Logger) {
	var (
		pending *streamEnvelope
		timer   *time.Timer
		tick    <-chan time.Time
	)

	emit := func(env streamEnvelope) {
		msg, err := json.Marshal(env)
		if err != nil {
			logger.Warn("state stream marshal failed", "type", env.Type, "error", err)
			return
		}
		hub.publish(msg)
	}
	flush := func() {
		if pending != nil {
			emit(*pending)
			pending = nil
		}
		if timer != nil {
			timer.Stop()
			timer, tick = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-tick:
			timer, tick = nil, nil
			flush()

		case b, ok := <-src:
			if !ok {
				flush()
				return
			}
			env, ok := encodeBroadcast(b)
			if !ok {
				continue
			}
			if env.Type == streamVolume {
				pending = &env
				if timer == nil {
					timer = time.NewTimer(stateVolumeWindow)
					tick = timer.C
				}
				continue
			}
			flush()
			emit(env)
		}
	}
}

// ============================================================================
// HTTP endpoint
// ============================================================================

// StateStream serves the websocket endpoint and runs the hub behind it.
type StateStream struct {
	identity   string
	tracker    *StatusTracker
	dispatcher *Dispatcher
	hub        *streamHub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewStateStream(identity string, tracker *StatusTracker, d *Dispatcher, logger *slog.Logger) *StateStream {
	return &StateStream{
		identity:   identity,
		tracker:    tracker,
		dispatcher: d,
		hub:        newStreamHub(logger, streamHubConfig{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run pumps feed into connected clients until ctx is canceled.
func (s *StateStream) Run(ctx context.Context, feed *StateFeed) {
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	runStateBroadcaster(ctx, s.hub, feed.C(), s.logger)
	<-hubDone
}

func (s *StateStream) snapshot() streamEnvelope {
	snap := streamSnapshot{
		Identity: s.identity,
		Session:  s.tracker.Snapshot(),
	}
	if s.dispatcher != nil {
		if vol, err := s.dispatcher.Volume(); err == nil {
			snap.Volume = &vol
		}
	}
	return streamEnvelope{Type: streamStateInit, Ts: time.Now().UTC(), Data: snap}
}

func (s *StateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("state stream upgrade failed", "error", err)
		return
	}

	client := newStreamClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init goes in first so it precedes every broadcast.
	if msg, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- msg
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		client.close()
		return
	}

	// Pumps outlive the request; the hub and socket errors end them.
	go client.writePump()
	go client.readPump()
}
