package audio

import "time"

// Wire and device sample format. Audio is PCM signed 16-bit little-endian,
// mono, 24 kHz on both the device boundary and the realtime wire. The format
// is fixed and never negotiated.
const (
	// SampleRate is the sample rate in Hz.
	SampleRate = 24000

	// Channels is the number of interleaved channels.
	Channels = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// FrameBytes returns the number of bytes that frames device frames occupy
// with the given channel count.
func FrameBytes(frames, channels int) int {
	return frames * channels * BytesPerSample
}

// ChunkBytes returns the byte length of a chunk holding d worth of audio at
// the given sample rate. Partial samples are truncated.
func ChunkBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// Duration returns the playback duration of n bytes of mono PCM16 at
// sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
