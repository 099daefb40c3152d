package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// VolumeEndpoint is the native volume control of one output device.
// All levels are in dB within the range returned by GetRange.
type VolumeEndpoint interface {
	GetRange() (VolumeRange, error)
	GetLevel() (float64, error)
	SetLevel(db float64) error
	Close() error
}

// ErrLevelUnknown is returned when the device level cannot be read: the
// in-memory endpoint before its first write, or a failed device query.
var ErrLevelUnknown = errors.New("volume level unknown")

var errEndpointClosed = errors.New("volume endpoint closed")

// Volume backends.
const (
	VolumeBackendCamillaDSP = "camilladsp"
	VolumeBackendPulse      = "pulse"
	VolumeBackendMemory     = "memory"
)

// openEndpoint acquires the configured endpoint and validates its range.
// On any failure the endpoint is released before returning; on success the
// caller owns it and must Close it.
func openEndpoint(cfg VolumeConfig, logger *slog.Logger) (VolumeEndpoint, VolumeRange, error) {
	var (
		ep  VolumeEndpoint
		err error
	)

	switch cfg.Backend {
	case VolumeBackendCamillaDSP:
		ep, err = NewCamillaDSPEndpoint(cfg.CamillaDSP.WsURL, cfg.Range(), logger, cfg.CamillaDSP.TimeoutMS)
	case VolumeBackendPulse:
		ep, err = newPulseEndpoint(cfg.Pulse, cfg.Range(), logger)
	case VolumeBackendMemory:
		ep = newMemoryEndpoint(cfg.Range())
	default:
		return nil, VolumeRange{}, fmt.Errorf("unknown volume backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, VolumeRange{}, fmt.Errorf("open %s endpoint: %w", cfg.Backend, err)
	}

	rng, err := ep.GetRange()
	if err == nil {
		err = rng.Validate()
	}
	if err != nil {
		if closeErr := ep.Close(); closeErr != nil {
			logger.Warn("failed to release volume endpoint", "backend", cfg.Backend, "error", closeErr)
		}
		return nil, VolumeRange{}, fmt.Errorf("%s endpoint range: %w", cfg.Backend, err)
	}

	return ep, rng, nil
}

// memoryEndpoint keeps the level in process. Used for dry runs and tests.
type memoryEndpoint struct {
	mu     sync.Mutex
	rng    VolumeRange
	level  float64
	known  bool
	sets   []float64
	setErr error
	closed bool
}

func newMemoryEndpoint(rng VolumeRange) *memoryEndpoint {
	return &memoryEndpoint{rng: rng}
}

func (m *memoryEndpoint) GetRange() (VolumeRange, error) {
	return m.rng, nil
}

func (m *memoryEndpoint) GetLevel() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return 0, ErrLevelUnknown
	}
	return m.level, nil
}

func (m *memoryEndpoint) SetLevel(db float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.level = db
	m.known = true
	m.sets = append(m.sets, db)
	return nil
}

func (m *memoryEndpoint) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
