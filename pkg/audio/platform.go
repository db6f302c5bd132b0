// Package audio defines the hardware boundary of voxline and the buffering
// primitives that sit on either side of it.
//
// The two primary abstractions are:
//
//   - [Device]: a backend capable of opening pull-based output streams and
//     push-based input streams, and of enumerating its hardware.
//   - [Stream]: an opened device stream whose callback is driven by the
//     hardware clock until [Stream.Stop] is called.
//
// [PlaybackBuffer] and [CaptureAccumulator] are the only state shared between
// device callbacks and the rest of the program.
//
// Implementations of [Device] are provided by backend packages (audio/miniaudio,
// audio/portaudio). This package lives under pkg/ because the device contract
// is intended to be implemented by third-party backends.
package audio

import "fmt"

// Direction selects the input or output side of a device.
type Direction int

const (
	// Output is a playback device (speaker).
	Output Direction = iota

	// Input is a capture device (microphone).
	Input
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Output:
		return "output"
	case Input:
		return "input"
	default:
		return "unknown"
	}
}

// Status is a bitmask of conditions reported by the hardware for a single
// callback period.
type Status uint32

const (
	// StatusUnderflow means the device ran dry before the callback returned.
	StatusUnderflow Status = 1 << iota

	// StatusOverflow means captured samples were lost because the callback
	// ran late.
	StatusOverflow
)

// String renders the set flags, e.g. "underflow|overflow".
func (s Status) String() string {
	switch s {
	case 0:
		return "ok"
	case StatusUnderflow:
		return "underflow"
	case StatusOverflow:
		return "overflow"
	case StatusUnderflow | StatusOverflow:
		return "underflow|overflow"
	default:
		return fmt.Sprintf("status(%#x)", uint32(s))
	}
}

// DeviceInfo describes one piece of hardware returned by [Device.Devices].
type DeviceInfo struct {
	// ID is the backend-specific identifier passed back in [StreamConfig].
	ID string

	// Name is the human-readable device name.
	Name string

	// Direction is the side this entry was enumerated for.
	Direction Direction

	// MaxChannels is the maximum channel count for Direction.
	MaxChannels int

	// Default is true for the system default device of Direction.
	Default bool
}

// StreamConfig parameterises [Device.OpenOutput] and [Device.OpenInput].
type StreamConfig struct {
	// DeviceID selects the hardware. Empty means the system default.
	DeviceID string

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// FramesPerBuffer is the requested hardware period in frames. Zero lets
	// the backend choose. Backends may deliver periods of a different size;
	// callbacks always receive the actual frame count.
	FramesPerBuffer int
}

// OutputCallback fills out with exactly frames × channels × 2 bytes of PCM16.
// It runs on the hardware clock and must not block.
type OutputCallback func(out []byte, frames int, status Status)

// InputCallback receives exactly frames × channels × 2 bytes of captured PCM16.
// The slice is only valid for the duration of the call. It runs on the
// hardware clock and must not block.
type InputCallback func(in []byte, frames int, status Status)

// Stream is an opened device stream.
//
// Stop halts the callback; once Stop returns the callback is not invoked
// again. Close releases the hardware handle. Both are idempotent.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Device is the audio hardware capability. These methods are the only points
// where voxline touches hardware.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenOutput opens a pull-based playback stream. The stream is created
	// stopped; call [Stream.Start] to begin invoking cb.
	OpenOutput(cfg StreamConfig, cb OutputCallback) (Stream, error)

	// OpenInput opens a push-based capture stream. The stream is created
	// stopped; call [Stream.Start] to begin invoking cb.
	OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error)

	// Devices enumerates the hardware available for dir.
	Devices(dir Direction) ([]DeviceInfo, error)

	// Close releases the backend context. Streams must be closed first.
	Close() error
}
