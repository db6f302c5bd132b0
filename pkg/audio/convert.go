package audio

// Device streams may be opened with more than one channel when the hardware
// refuses mono. The helpers below adapt between the mono wire format and an
// interleaved device buffer without allocating, so they are safe to call from
// device callbacks.

// UpmixInto duplicates every mono sample of src into channels interleaved
// samples of dst. It writes min(len(src)/2, len(dst)/(2*channels)) frames and
// returns the number of bytes written to dst.
func UpmixInto(dst, src []byte, channels int) int {
	if channels <= 1 {
		return copy(dst, src)
	}
	frames := min(len(src)/BytesPerSample, len(dst)/FrameBytes(1, channels))
	for i := range frames {
		lo, hi := src[i*2], src[i*2+1]
		j := i * channels * 2
		for c := range channels {
			dst[j+c*2] = lo
			dst[j+c*2+1] = hi
		}
	}
	return frames * FrameBytes(1, channels)
}

// DownmixInto averages each interleaved frame of src into one mono sample of
// dst. It uses int32 arithmetic so the average never overflows and returns the
// number of bytes written to dst.
func DownmixInto(dst, src []byte, channels int) int {
	if channels <= 1 {
		return copy(dst, src)
	}
	frameSize := FrameBytes(1, channels)
	frames := min(len(src)/frameSize, len(dst)/BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * frameSize
		for c := range channels {
			sum += int32(int16(src[base+c*2]) | int16(src[base+c*2+1])<<8)
		}
		avg := sum / int32(channels)
		dst[i*2] = byte(avg)
		dst[i*2+1] = byte(avg >> 8)
	}
	return frames * BytesPerSample
}
