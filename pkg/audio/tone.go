package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Test tone parameters: half a second of A4 at half amplitude.
const (
	toneFrequency = 440.0
	toneDuration  = 500 * time.Millisecond
	toneAmplitude = 0.5
)

// ErrNoOutputChannels is returned by [PlayTestTone] when the selected device
// cannot play audio.
var ErrNoOutputChannels = errors.New("audio: device has no output channels")

// SineWave renders d of a sine wave at freq Hz as mono PCM16 LE.
// amplitude is relative to full scale and clamped to [0, 1].
func SineWave(freq float64, d time.Duration, amplitude float64, sampleRate int) []byte {
	amplitude = min(max(amplitude, 0), 1)
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// PlayTestTone plays a short tone on the output device identified by
// deviceID (empty for the default) and returns once it has finished playing.
func PlayTestTone(ctx context.Context, dev Device, deviceID string) error {
	if deviceID != "" {
		infos, err := dev.Devices(Output)
		if err != nil {
			return fmt.Errorf("audio: test tone: %w", err)
		}
		found := false
		for _, info := range infos {
			if info.ID != deviceID {
				continue
			}
			found = true
			if info.MaxChannels < 1 {
				return fmt.Errorf("audio: test tone: %q: %w", info.Name, ErrNoOutputChannels)
			}
		}
		if !found {
			return fmt.Errorf("audio: test tone: unknown output device %q", deviceID)
		}
	}

	buf := NewPlaybackBuffer()
	buf.Append(SineWave(toneFrequency, toneDuration, toneAmplitude, SampleRate))
	buf.Append(nil)

	stream, err := dev.OpenOutput(StreamConfig{
		DeviceID:   deviceID,
		SampleRate: SampleRate,
		Channels:   Channels,
	}, func(out []byte, _ int, _ Status) {
		buf.PullInto(out)
	})
	if err != nil {
		return fmt.Errorf("audio: test tone: open output: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("audio: test tone: start: %w", err)
	}
	defer stream.Stop()

	timer := time.NewTimer(toneDuration + 2*time.Second)
	defer timer.Stop()
	select {
	case <-buf.Drained():
		return nil
	case <-timer.C:
		return errors.New("audio: test tone: device did not consume audio")
	case <-ctx.Done():
		return ctx.Err()
	}
}
