// Package voice drives the audio hardware for a realtime session.
//
// [PlaybackDriver] renders the [audio.PlaybackBuffer] into the output device
// callback. [CaptureDriver] slices microphone input into fixed-size chunks,
// ships them to the session as input_audio_buffer.append messages and commits
// the server-side input buffer periodically.
//
// Callbacks run on the hardware clock. They never block, never log and never
// let a panic escape; everything worth reporting is counted in atomics and
// surfaced by [StatsReporter].
package voice

import (
	"sync/atomic"

	"github.com/MrWong99/voxline/pkg/audio"
)

// PlaybackDriver pulls model audio from a PlaybackBuffer into the output
// device.
type PlaybackDriver struct {
	buf      *audio.PlaybackBuffer
	channels int

	// scratch holds mono samples before they are upmixed. Only the callback
	// touches it.
	scratch []byte

	periods   atomic.Int64
	underruns atomic.Int64
	status    atomic.Int64
	panics    atomic.Int64

	// playing is true while a generation is being rendered. Only the
	// callback touches it.
	playing bool
}

// NewPlaybackDriver returns a driver rendering buf to a device opened with
// the given channel count. Zero or negative channels mean mono.
func NewPlaybackDriver(buf *audio.PlaybackBuffer, channels int) *PlaybackDriver {
	return &PlaybackDriver{buf: buf, channels: max(channels, 1)}
}

// Callback is an [audio.OutputCallback]. It writes exactly
// frames × channels × 2 bytes, zero-filling whatever the buffer cannot
// supply. Any part of out beyond that is silenced.
func (d *PlaybackDriver) Callback(out []byte, frames int, status audio.Status) {
	n := min(audio.FrameBytes(frames, d.channels), len(out))
	dst := out[:n]
	clear(out[n:])
	defer func() {
		if r := recover(); r != nil {
			clear(dst)
			d.panics.Add(1)
		}
	}()

	d.periods.Add(1)
	if status != 0 {
		d.status.Add(1)
	}

	var copied, want int
	var ended bool
	if d.channels == 1 {
		want = n
		copied, ended = d.buf.PullPeriod(dst)
	} else {
		want = n / d.channels
		if cap(d.scratch) < want {
			d.scratch = make([]byte, want)
		}
		mono := d.scratch[:want]
		copied, ended = d.buf.PullPeriod(mono)
		audio.UpmixInto(dst, mono, d.channels)
	}

	// A generation that runs dry before its end marker arrived is an
	// underrun. Each starvation is counted once.
	switch {
	case ended:
		d.playing = false
	case copied == want && copied > 0:
		d.playing = true
	case d.playing:
		d.underruns.Add(1)
		d.playing = false
	}
}

// PlaybackStats is a snapshot of the driver counters.
type PlaybackStats struct {
	Periods   int64
	Underruns int64
	Status    int64
	Panics    int64
}

// Stats returns the counters accumulated so far.
func (d *PlaybackDriver) Stats() PlaybackStats {
	return PlaybackStats{
		Periods:   d.periods.Load(),
		Underruns: d.underruns.Load(),
		Status:    d.status.Load(),
		Panics:    d.panics.Load(),
	}
}
