// Package miniaudio implements [audio.Device] on top of miniaudio through the
// malgo cgo bindings. It is the default backend: miniaudio runs its own
// real-time thread and converts to the requested sample format, so the
// callbacks always see PCM16 at the configured rate.
package miniaudio

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxline/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// defaultPeriodMs is the hardware period used when the caller does not ask
// for a specific frame count.
const defaultPeriodMs = 20

// Device is a miniaudio-backed [audio.Device].
type Device struct {
	ctx *malgo.AllocatedContext
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New initialises a miniaudio context. Call [Device.Close] to release it.
func New(logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", "miniaudio")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Device{ctx: ctx, log: logger}, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(cfg.Channels)
	d.applyTiming(&dc, cfg)

	var id malgo.DeviceID
	if cfg.DeviceID != "" {
		found, err := d.lookup(malgo.Playback, cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		id = found
		dc.Playback.DeviceID = id.Pointer()
	}

	channels := max(cfg.Channels, 1)
	return d.open(dc, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			cb(out[:audio.FrameBytes(int(frames), channels)], int(frames), 0)
		},
	})
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	d.applyTiming(&dc, cfg)

	var id malgo.DeviceID
	if cfg.DeviceID != "" {
		found, err := d.lookup(malgo.Capture, cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		id = found
		dc.Capture.DeviceID = id.Pointer()
	}

	channels := max(cfg.Channels, 1)
	return d.open(dc, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			cb(in[:audio.FrameBytes(int(frames), channels)], int(frames), 0)
		},
	})
}

// Devices implements [audio.Device].
func (d *Device) Devices(dir audio.Direction) ([]audio.DeviceInfo, error) {
	infos, err := d.ctx.Devices(deviceType(dir))
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", dir, err)
	}
	out := make([]audio.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.DeviceInfo{
			ID:        encodeID(info.ID),
			Name:      info.Name(),
			Direction: dir,
			// miniaudio converts channel layouts, so every enumerated
			// device accepts at least mono.
			MaxChannels: 1,
			Default:     info.IsDefault != 0,
		})
	}
	return out, nil
}

// Close implements [audio.Device]. It is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.ctx.Uninit()
	d.ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

func (d *Device) applyTiming(dc *malgo.DeviceConfig, cfg audio.StreamConfig) {
	dc.SampleRate = uint32(cfg.SampleRate)
	if cfg.FramesPerBuffer > 0 {
		dc.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	} else {
		dc.PeriodSizeInMilliseconds = defaultPeriodMs
	}
}

func (d *Device) open(dc malgo.DeviceConfig, cbs malgo.DeviceCallbacks) (audio.Stream, error) {
	dev, err := malgo.InitDevice(d.ctx.Context, dc, cbs)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init device: %w", err)
	}
	return &stream{dev: dev}, nil
}

func (d *Device) lookup(kind malgo.DeviceType, id string) (malgo.DeviceID, error) {
	infos, err := d.ctx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("miniaudio: enumerate devices: %w", err)
	}
	for _, info := range infos {
		if encodeID(info.ID) == id || info.Name() == id {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("miniaudio: device %q not found", id)
}

func deviceType(dir audio.Direction) malgo.DeviceType {
	if dir == audio.Input {
		return malgo.Capture
	}
	return malgo.Playback
}

func encodeID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

// stream adapts *malgo.Device to [audio.Stream].
type stream struct {
	dev  *malgo.Device
	once sync.Once
}

func (s *stream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start: %w", err)
	}
	return nil
}

func (s *stream) Stop() error {
	if !s.dev.IsStarted() {
		return nil
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.once.Do(s.dev.Uninit)
	return nil
}
