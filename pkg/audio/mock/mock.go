// Package mock provides an in-memory implementation of [audio.Device] for use
// in unit tests.
//
// The mock never touches hardware. Tests drive the device clock themselves:
// [Stream.Tick] invokes an output callback for a number of frames and returns
// the rendered bytes, [Stream.Feed] invokes an input callback with captured
// bytes.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	stream, _ := dev.OpenOutput(cfg, driver.Callback)
//	stream.Start()
//	pcm := dev.LastOutput().Tick(480)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

var _ audio.Device = (*Device)(nil)
var _ audio.Stream = (*Stream)(nil)

// ErrStreamStopped is returned by Tick and Feed when the stream is not
// started.
var ErrStreamStopped = errors.New("mock: stream not started")

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.Stream]. Exactly one of its callbacks is set.
type Stream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config audio.StreamConfig

	// Status is passed to every callback invocation.
	Status audio.Status

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	output  audio.OutputCallback
	input   audio.InputCallback
	running bool
	log     func(event string)
	name    string
}

func (s *Stream) record(op string) {
	if s.log != nil {
		s.log(s.name + "." + op)
	}
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	s.record("start")
	if s.StartError != nil {
		return s.StartError
	}
	s.running = true
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.record("stop")
	s.running = false
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.record("close")
	s.running = false
	return nil
}

// Running reports whether the stream is between Start and Stop.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick simulates one output hardware period of frames frames. The buffer
// handed to the callback is pre-filled with 0xAA so tests can detect bytes the
// callback failed to write.
func (s *Stream) Tick(frames int) ([]byte, error) {
	s.mu.Lock()
	cb, running, cfg, status := s.output, s.running, s.Config, s.Status
	s.mu.Unlock()
	if cb == nil {
		return nil, errors.New("mock: not an output stream")
	}
	if !running {
		return nil, ErrStreamStopped
	}
	channels := max(cfg.Channels, 1)
	out := make([]byte, audio.FrameBytes(frames, channels))
	for i := range out {
		out[i] = 0xAA
	}
	cb(out, frames, status)
	return out, nil
}

// Feed simulates one input hardware period delivering pcm.
func (s *Stream) Feed(pcm []byte) error {
	s.mu.Lock()
	cb, running, cfg, status := s.input, s.running, s.Config, s.Status
	s.mu.Unlock()
	if cb == nil {
		return errors.New("mock: not an input stream")
	}
	if !running {
		return ErrStreamStopped
	}
	channels := max(cfg.Channels, 1)
	cb(pcm, len(pcm)/audio.FrameBytes(1, channels), status)
	return nil
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported Result fields before use; inspect the recorded streams after.
type Device struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices, filtered by direction.
	DevicesResult []audio.DeviceInfo

	// OpenError is returned by OpenOutput and OpenInput.
	OpenError error

	// AutoTick, when > 0, makes every output stream render AutoTick frames
	// on a background goroutine immediately after Start until it is stopped.
	// Tests that need a free-running clock (e.g. the test tone) use this.
	AutoTick int

	// Outputs records every stream opened with OpenOutput.
	Outputs []*Stream

	// Inputs records every stream opened with OpenInput.
	Inputs []*Stream

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Log, when set, receives one event per stream Start, Stop and Close,
	// named "output.stop", "input.close" and so on. It is called with the
	// stream's lock held.
	Log func(event string)
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := &Stream{Config: cfg, output: cb, log: d.Log, name: "output"}
	d.Outputs = append(d.Outputs, s)
	if d.AutoTick > 0 {
		return &autoStream{Stream: s, frames: d.AutoTick}, nil
	}
	return s, nil
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := &Stream{Config: cfg, input: cb, log: d.Log, name: "input"}
	d.Inputs = append(d.Inputs, s)
	return s, nil
}

// Devices implements [audio.Device].
func (d *Device) Devices(dir audio.Direction) ([]audio.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []audio.DeviceInfo
	for _, info := range d.DevicesResult {
		if info.Direction == dir {
			out = append(out, info)
		}
	}
	return out, nil
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// LastOutput returns the most recently opened output stream, or nil.
func (d *Device) LastOutput() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Outputs) == 0 {
		return nil
	}
	return d.Outputs[len(d.Outputs)-1]
}

// LastInput returns the most recently opened input stream, or nil.
func (d *Device) LastInput() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Inputs) == 0 {
		return nil
	}
	return d.Inputs[len(d.Inputs)-1]
}

// ─── autoStream ───────────────────────────────────────────────────────────────

// autoStream ticks its output callback continuously while running.
type autoStream struct {
	*Stream
	frames int
	done   chan struct{}
}

func (a *autoStream) Start() error {
	if err := a.Stream.Start(); err != nil {
		return err
	}
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			if _, err := a.Tick(a.frames); err != nil {
				return
			}
		}
	}()
	return nil
}

func (a *autoStream) Stop() error {
	err := a.Stream.Stop()
	if a.done != nil {
		<-a.done
	}
	return err
}
