package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// PulseAudio's 100% volume in channel volume units.
const pulseVolumeNorm = 65536

// pulseEndpoint controls a PulseAudio sink.
//
// PulseAudio volumes are cubic: amplitude = ratio^3, so dB = 60*log10(ratio).
// Reads and writes go through raw sink requests; every channel gets the same
// volume.
type pulseEndpoint struct {
	mu     sync.Mutex
	client *pulse.Client
	sink   *pulse.Sink
	rng    VolumeRange
	logger *slog.Logger
}

func newPulseEndpoint(cfg PulseConfig, rng VolumeRange, logger *slog.Logger) (*pulseEndpoint, error) {
	opts := []pulse.ClientOption{pulse.ClientApplicationName("controls-host")}
	if cfg.Server != "" {
		opts = append(opts, pulse.ClientServerString(cfg.Server))
	}

	client, err := pulse.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to pulseaudio: %w", err)
	}

	var sink *pulse.Sink
	if cfg.Sink != "" {
		sink, err = client.SinkByID(cfg.Sink)
	} else {
		sink, err = client.DefaultSink()
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("lookup sink: %w", err)
	}

	logger.Info("using pulseaudio sink", "sink", sink.ID(), "name", sink.Name(), "channels", len(sink.Channels()))
	return &pulseEndpoint{client: client, sink: sink, rng: rng, logger: logger}, nil
}

// pulseRatio converts dB to a PulseAudio volume ratio (1.0 = 100%).
func pulseRatio(db float64) float64 {
	if math.IsInf(db, -1) {
		return 0
	}
	return math.Pow(10, db/60)
}

// pulseChannelVolumes spreads one ratio over n channels.
func pulseChannelVolumes(ratio float64, n int) (proto.ChannelVolumes, error) {
	if n <= 0 {
		return nil, errors.New("sink has no channels")
	}
	v := ratio * pulseVolumeNorm
	if math.IsNaN(v) || v < 0 || v > math.MaxUint32 {
		return nil, fmt.Errorf("volume ratio %g out of range", ratio)
	}
	cvol := make(proto.ChannelVolumes, n)
	for i := range cvol {
		cvol[i] = uint32(v)
	}
	return cvol, nil
}

// pulseLevel averages channel volumes and converts the result to dB.
// Silence maps to the range floor.
func pulseLevel(cvol proto.ChannelVolumes, rng VolumeRange) (float64, error) {
	if len(cvol) == 0 {
		return 0, errors.New("sink reported no channel volumes")
	}
	var sum float64
	for _, v := range cvol {
		sum += float64(v)
	}
	ratio := sum / float64(len(cvol)) / pulseVolumeNorm
	if ratio <= 0 {
		return rng.MinDB, nil
	}
	return 60 * math.Log10(ratio), nil
}

func (p *pulseEndpoint) GetRange() (VolumeRange, error) {
	return p.rng, nil
}

// GetLevel reads the sink's current volume.
func (p *pulseEndpoint) GetLevel() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return 0, errEndpointClosed
	}

	var reply proto.GetSinkInfoReply
	if err := p.client.RawRequest(&proto.GetSinkInfo{SinkIndex: p.sink.SinkIndex()}, &reply); err != nil {
		p.logger.Warn("pulse GetSinkInfo failed", "sink", p.sink.ID(), "error", err)
		return 0, fmt.Errorf("%w: %v", ErrLevelUnknown, err)
	}
	return pulseLevel(reply.ChannelVolumes, p.rng)
}

func (p *pulseEndpoint) SetLevel(db float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return errEndpointClosed
	}

	ratio := pulseRatio(db)
	cvol, err := pulseChannelVolumes(ratio, len(p.sink.Channels()))
	if err != nil {
		return err
	}
	req := &proto.SetSinkVolume{SinkIndex: p.sink.SinkIndex(), ChannelVolumes: cvol}
	if err := p.client.RawRequest(req, nil); err != nil {
		return fmt.Errorf("set sink volume: %w", err)
	}
	p.logger.Debug("pulse SetSinkVolume", "sink", p.sink.ID(), "db", db, "ratio", ratio)
	return nil
}

func (p *pulseEndpoint) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	return nil
}
