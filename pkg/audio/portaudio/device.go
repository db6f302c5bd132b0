//go:build portaudio

// Package portaudio implements [audio.Device] on top of PortAudio.
//
// Requires the PortAudio C library and the build tag `portaudio`:
//
//	go build -tags portaudio ./cmd/voxline
package portaudio

import (
	"fmt"
	"strconv"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxline/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a PortAudio-backed [audio.Device]. PortAudio is initialised by
// [New] and terminated by [Device.Close].
type Device struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	info, err := d.resolve(audio.Output, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	params := pa.LowLatencyParameters(nil, info)
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	channels := max(cfg.Channels, 1)
	var scratch []byte
	s, err := pa.OpenStream(params, func(out []int16, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
		need := len(out) * audio.BytesPerSample
		if cap(scratch) < need {
			scratch = make([]byte, need)
		}
		buf := scratch[:need]
		cb(buf, len(out)/channels, status(flags))
		audio.BytesToInt16(out, buf)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", info.Name, err)
	}
	return &stream{s: s}, nil
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	info, err := d.resolve(audio.Input, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	params := pa.LowLatencyParameters(info, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	channels := max(cfg.Channels, 1)
	var scratch []byte
	s, err := pa.OpenStream(params, func(in []int16, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
		need := len(in) * audio.BytesPerSample
		if cap(scratch) < need {
			scratch = make([]byte, need)
		}
		buf := scratch[:need]
		audio.Int16ToBytes(buf, in)
		cb(buf, len(in)/channels, status(flags))
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", info.Name, err)
	}
	return &stream{s: s}, nil
}

// Devices implements [audio.Device]. IDs are PortAudio device indices.
func (d *Device) Devices(dir audio.Direction) ([]audio.DeviceInfo, error) {
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: devices: %w", err)
	}
	def, _ := defaultDevice(dir)

	var out []audio.DeviceInfo
	for i, info := range all {
		channels := info.MaxOutputChannels
		if dir == audio.Input {
			channels = info.MaxInputChannels
		}
		if channels <= 0 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			ID:          strconv.Itoa(i),
			Name:        info.Name,
			Direction:   dir,
			MaxChannels: channels,
			Default:     def != nil && def.Name == info.Name,
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
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

func (d *Device) resolve(dir audio.Direction, id string) (*pa.DeviceInfo, error) {
	if id == "" {
		info, err := defaultDevice(dir)
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w", dir, err)
		}
		return info, nil
	}
	idx, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("portaudio: device id %q is not an index", id)
	}
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: devices: %w", err)
	}
	if idx < 0 || idx >= len(all) {
		return nil, fmt.Errorf("portaudio: device %d out of range", idx)
	}
	return all[idx], nil
}

func defaultDevice(dir audio.Direction) (*pa.DeviceInfo, error) {
	if dir == audio.Input {
		return pa.DefaultInputDevice()
	}
	return pa.DefaultOutputDevice()
}

func status(flags pa.StreamCallbackFlags) audio.Status {
	var s audio.Status
	if flags&(pa.OutputUnderflow|pa.InputUnderflow) != 0 {
		s |= audio.StatusUnderflow
	}
	if flags&(pa.OutputOverflow|pa.InputOverflow) != 0 {
		s |= audio.StatusOverflow
	}
	return s
}

// stream adapts *pa.Stream to [audio.Stream].
type stream struct {
	s *pa.Stream

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.s.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w", err)
	}
	s.running = true
	return nil
}

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.s.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.s.Close(); err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}
