package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	camillaConnectAttempts = 10
	camillaRetryDelay      = 500 * time.Millisecond
)

// CamillaDSPEndpoint drives the CamillaDSP main fader over its websocket API.
//
// CamillaDSP does not report a device range, so the range comes from config.
// A broken connection is dropped and re-dialed on the next call.
type CamillaDSPEndpoint struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	rng         VolumeRange
	logger      *slog.Logger
	readTimeout time.Duration
}

// NewCamillaDSPEndpoint creates the endpoint and establishes the initial connection.
func NewCamillaDSPEndpoint(wsURL string, rng VolumeRange, logger *slog.Logger, readTimeoutMS int) (*CamillaDSPEndpoint, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}

	ep := &CamillaDSPEndpoint{
		url:         wsURL,
		rng:         rng,
		logger:      logger,
		readTimeout: time.Duration(readTimeoutMS) * time.Millisecond,
	}

	if err := ep.connectWithRetry(); err != nil {
		return nil, err
	}

	return ep, nil
}

// connect establishes a WebSocket connection to CamillaDSP
func (c *CamillaDSPEndpoint) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}

	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.conn = conn
	return nil
}

func (c *CamillaDSPEndpoint) connectWithRetry() error {
	var lastErr error
	for attempt := 0; attempt < camillaConnectAttempts; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info("connected to CamillaDSP", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("CamillaDSP connection failed; retrying...", "error", err, "attempt", attempt+1)
		time.Sleep(camillaRetryDelay)
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", camillaConnectAttempts, lastErr)
}

// ensureConnected re-dials once if a previous call dropped the connection.
// It does not retry: the session must not stall on a dead mixer.
func (c *CamillaDSPEndpoint) ensureConnected() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("CamillaDSP connection lost; reconnecting")
	return c.connect()
}

// sendAndRead sends a message and waits for a response
func (c *CamillaDSPEndpoint) sendAndRead(v any) ([]byte, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("no websocket connection")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	defer func() {
		if c.conn != nil {
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}

	return message, nil
}

// GetRange returns the configured range.
func (c *CamillaDSPEndpoint) GetRange() (VolumeRange, error) {
	return c.rng, nil
}

// SetLevel sends SetVolume for the main fader.
func (c *CamillaDSPEndpoint) SetLevel(db float64) error {
	response, err := c.sendAndRead(map[string]any{"SetVolume": db})
	if err != nil {
		return fmt.Errorf("set volume: %w", err)
	}

	var setResp struct {
		SetVolume struct {
			Result string `json:"result"`
		} `json:"SetVolume"`
	}
	if err := json.Unmarshal(response, &setResp); err != nil {
		return fmt.Errorf("set volume: parse response: %w", err)
	}
	if setResp.SetVolume.Result != "Ok" {
		return fmt.Errorf("set volume: result %q", setResp.SetVolume.Result)
	}

	c.logger.Debug("SetVolume", "target_db", db, "result", setResp.SetVolume.Result)
	return nil
}

// GetLevel queries the main fader volume.
func (c *CamillaDSPEndpoint) GetLevel() (float64, error) {
	response, err := c.sendAndRead("GetVolume")
	if err != nil {
		return 0, fmt.Errorf("get volume: %w", err)
	}

	var volResp struct {
		GetVolume struct {
			Result string  `json:"result"`
			Value  float64 `json:"value"`
		} `json:"GetVolume"`
	}
	if err := json.Unmarshal(response, &volResp); err != nil {
		return 0, fmt.Errorf("get volume: parse response: %w", err)
	}
	if volResp.GetVolume.Result != "Ok" {
		return 0, fmt.Errorf("get volume: result %q", volResp.GetVolume.Result)
	}

	c.logger.Debug("GetVolume", "volume_db", volResp.GetVolume.Value)
	return volResp.GetVolume.Value, nil
}

// Close closes the WebSocket connection
func (c *CamillaDSPEndpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
