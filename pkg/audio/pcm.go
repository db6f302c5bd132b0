package audio

// Conversions between PCM16 LE byte slices and int16 sample slices. All
// helpers write into caller-provided slices and never allocate so they can be
// used inside device callbacks.

// BytesToInt16 decodes little-endian samples from src into dst and returns the
// number of samples written, min(len(dst), len(src)/2).
func BytesToInt16(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/BytesPerSample)
	for i := range n {
		dst[i] = int16(src[2*i]) | int16(src[2*i+1])<<8
	}
	return n
}

// Int16ToBytes encodes samples from src into dst as little endian and returns
// the number of bytes written, 2 × min(len(dst)/2, len(src)).
func Int16ToBytes(dst []byte, src []int16) int {
	n := min(len(dst)/BytesPerSample, len(src))
	for i := range n {
		s := src[i]
		dst[2*i] = byte(s)
		dst[2*i+1] = byte(s >> 8)
	}
	return n * BytesPerSample
}

// Peak returns the largest absolute sample value in pcm. It is used by the
// capture statistics to tell silence from live input.
func Peak(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		v := int(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
