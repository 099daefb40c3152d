package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the controls-host daemon.
//
// Defaults, file, environment fallbacks and flag overrides are applied in that
// order; Validate runs last so the rest of the code can assume a well-formed
// config.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Volume    VolumeConfig    `yaml:"volume" toml:"volume"`
	Input     InputConfig     `yaml:"input" toml:"input"`
	IPC       IPCConfig       `yaml:"ipc" toml:"ipc"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Address        string    `yaml:"address" toml:"address"`
	Identity       string    `yaml:"identity" toml:"identity"`
	FrameKind      FrameKind `yaml:"frame_kind" toml:"frame_kind"`
	DialTimeoutMS  int       `yaml:"dial_timeout_ms" toml:"dial_timeout_ms"`
	PollIntervalMS int       `yaml:"poll_interval_ms" toml:"poll_interval_ms"` // sleep between empty polls; 0 polls immediately
}

type ReconnectConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms" toml:"initial_delay_ms"` // 0 retries immediately
	MaxDelayMS     int     `yaml:"max_delay_ms" toml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" toml:"multiplier"`
	Jitter         bool    `yaml:"jitter" toml:"jitter"`
}

type VolumeConfig struct {
	Backend    string           `yaml:"backend" toml:"backend"`
	MinDB      float64          `yaml:"min_db" toml:"min_db"`
	MaxDB      float64          `yaml:"max_db" toml:"max_db"`
	StepDB     float64          `yaml:"step_db" toml:"step_db"`
	CamillaDSP CamillaDSPConfig `yaml:"camilladsp" toml:"camilladsp"`
	Pulse      PulseConfig      `yaml:"pulse" toml:"pulse"`
}

type CamillaDSPConfig struct {
	WsURL     string `yaml:"ws_url" toml:"ws_url"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type PulseConfig struct {
	Server string `yaml:"server,omitempty" toml:"server"` // empty uses $PULSE_SERVER / the default socket
	Sink   string `yaml:"sink,omitempty" toml:"sink"`     // empty uses the default sink
}

type InputConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`
	DeviceName string `yaml:"device_name" toml:"device_name"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"` // empty disables the HTTP listener
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Environment fallbacks, used when the config leaves the value empty.
const (
	envServerAddress = "COMMAND_SERVER_ADDRESS"
	envHostName      = "HOST_NAME"
)

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			FrameKind:     FrameJSON,
			DialTimeoutMS: 5000,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMS: 250,
			MaxDelayMS:     10000,
			Multiplier:     2,
			Jitter:         true,
		},
		Volume: VolumeConfig{
			Backend: VolumeBackendCamillaDSP,
			MinDB:   -65.0,
			MaxDB:   0.0,
			StepDB:  0.5,
			CamillaDSP: CamillaDSPConfig{
				WsURL:     "ws://127.0.0.1:1234",
				TimeoutMS: 500,
			},
		},
		Input: InputConfig{
			Backend:    InputBackendUinput,
			DeviceName: "controls-host virtual input",
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/controls-host.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads a YAML or TOML config file on top of the defaults.
// The format is chosen by extension: .toml is TOML, anything else YAML.
// Unknown fields are rejected in both formats.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := decodeTOML(b, &cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments may follow the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return Config{}, fmt.Errorf("decode config yaml: %w", err)
		}
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

func decodeTOML(b []byte, cfg *Config) error {
	meta, err := toml.Decode(string(b), cfg)
	if err != nil {
		return fmt.Errorf("decode config toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("decode config toml: unknown fields: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv fills the server address and identity from the environment when
// the config leaves them empty.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Server.Address == "" {
		c.Server.Address = getenv(envServerAddress)
	}
	if c.Server.Identity == "" {
		c.Server.Identity = getenv(envHostName)
	}
}

// FlagOverrides holds command-line overrides. Each non-nil pointer is applied,
// even when it holds a zero value.
type FlagOverrides struct {
	ServerAddress   *string
	ServerIdentity  *string
	ServerFrameKind *string
	PollIntervalMS  *int

	VolumeBackend *string
	VolumeMinDB   *float64
	VolumeMaxDB   *float64
	CamillaWsURL  *string
	PulseSink     *string

	InputBackend *string

	IPCSocketPath *string
	MetricsListen *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.ServerAddress != nil {
		cfg.Server.Address = *o.ServerAddress
	}
	if o.ServerIdentity != nil {
		cfg.Server.Identity = *o.ServerIdentity
	}
	if o.ServerFrameKind != nil {
		cfg.Server.FrameKind = FrameKind(*o.ServerFrameKind)
	}
	if o.PollIntervalMS != nil {
		cfg.Server.PollIntervalMS = *o.PollIntervalMS
	}

	if o.VolumeBackend != nil {
		cfg.Volume.Backend = *o.VolumeBackend
	}
	if o.VolumeMinDB != nil {
		cfg.Volume.MinDB = *o.VolumeMinDB
	}
	if o.VolumeMaxDB != nil {
		cfg.Volume.MaxDB = *o.VolumeMaxDB
	}
	if o.CamillaWsURL != nil {
		cfg.Volume.CamillaDSP.WsURL = *o.CamillaWsURL
	}
	if o.PulseSink != nil {
		cfg.Volume.Pulse.Sink = *o.PulseSink
	}

	if o.InputBackend != nil {
		cfg.Input.Backend = *o.InputBackend
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.MetricsListen != nil {
		cfg.Metrics.Listen = *o.MetricsListen
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config constraints and returns a user-friendly error.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty (or set %s)", envServerAddress)
	}
	if c.Server.Identity == "" {
		return fmt.Errorf("server.identity must not be empty (or set %s)", envHostName)
	}
	if _, err := NewCodec(c.Server.FrameKind); err != nil {
		return fmt.Errorf("server.frame_kind: %w", err)
	}
	if c.Server.FrameKind == FrameFixed && len(c.Server.Identity) > 255 {
		return errors.New("server.identity must be at most 255 bytes with frame_kind fixed")
	}
	if c.Server.DialTimeoutMS < 0 {
		return errors.New("server.dial_timeout_ms must be >= 0")
	}
	if c.Server.PollIntervalMS < 0 {
		return errors.New("server.poll_interval_ms must be >= 0")
	}

	// Reconnect
	if c.Reconnect.InitialDelayMS < 0 {
		return errors.New("reconnect.initial_delay_ms must be >= 0")
	}
	if c.Reconnect.InitialDelayMS > 0 {
		if c.Reconnect.MaxDelayMS < c.Reconnect.InitialDelayMS {
			return errors.New("reconnect.max_delay_ms must be >= reconnect.initial_delay_ms")
		}
		if c.Reconnect.Multiplier < 1 {
			return errors.New("reconnect.multiplier must be >= 1")
		}
	}

	// Volume
	switch c.Volume.Backend {
	case VolumeBackendCamillaDSP:
		if c.Volume.CamillaDSP.WsURL == "" {
			return errors.New("volume.camilladsp.ws_url must not be empty")
		}
		if c.Volume.CamillaDSP.TimeoutMS <= 0 {
			return errors.New("volume.camilladsp.timeout_ms must be > 0")
		}
	case VolumeBackendPulse, VolumeBackendMemory:
	default:
		return fmt.Errorf("volume.backend must be %q, %q or %q",
			VolumeBackendCamillaDSP, VolumeBackendPulse, VolumeBackendMemory)
	}
	if err := c.Volume.Range().Validate(); err != nil {
		return fmt.Errorf("volume range: %w", err)
	}

	// Input
	switch c.Input.Backend {
	case InputBackendUinput:
		if c.Input.DeviceName == "" {
			return errors.New("input.device_name must not be empty")
		}
	case InputBackendLog:
	default:
		return fmt.Errorf("input.backend must be %q or %q", InputBackendUinput, InputBackendLog)
	}

	// IPC
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := parseLogFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	return nil
}

// Range returns the configured volume range.
func (v VolumeConfig) Range() VolumeRange {
	return VolumeRange{MinDB: v.MinDB, MaxDB: v.MaxDB, StepDB: v.StepDB}
}

// Backoff converts the reconnect section into the backoff policy.
func (r ReconnectConfig) Backoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(r.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMS) * time.Millisecond,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// SessionConfig converts the server section into session parameters.
func (s ServerConfig) SessionConfig() SessionConfig {
	return SessionConfig{
		Address:      s.Address,
		Identity:     s.Identity,
		FrameKind:    s.FrameKind,
		DialTimeout:  time.Duration(s.DialTimeoutMS) * time.Millisecond,
		PollInterval: time.Duration(s.PollIntervalMS) * time.Millisecond,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
