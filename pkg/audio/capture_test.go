package audio_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

func TestChunkBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate int
		d    time.Duration
		want int
	}{
		{24000, time.Second, 48000},
		{24000, 100 * time.Millisecond, 4800},
		{16000, 20 * time.Millisecond, 640},
	}
	for _, tt := range tests {
		if got := audio.ChunkBytes(tt.rate, tt.d); got != tt.want {
			t.Errorf("ChunkBytes(%d, %v) = %d, want %d", tt.rate, tt.d, got, tt.want)
		}
	}
}

func TestCaptureAccumulator_EmitsOnlyFullChunks(t *testing.T) {
	t.Parallel()
	acc := audio.NewCaptureAccumulator(10)

	acc.Write(seq(0, 9))
	if _, ok := acc.Next(); ok {
		t.Fatal("Next emitted a chunk with 9 of 10 bytes buffered")
	}

	acc.Write(seq(9, 4))
	chunk, ok := acc.Next()
	if !ok {
		t.Fatal("Next did not emit with 13 bytes buffered")
	}
	if !bytes.Equal(chunk, seq(0, 10)) {
		t.Errorf("chunk = %v, want %v", chunk, seq(0, 10))
	}
	if got := acc.Buffered(); got != 3 {
		t.Errorf("Buffered = %d, want 3", got)
	}
	if _, ok := acc.Next(); ok {
		t.Error("Next emitted from the 3 byte remainder")
	}

	acc.Write(seq(13, 7))
	chunk, ok = acc.Next()
	if !ok || !bytes.Equal(chunk, seq(10, 10)) {
		t.Errorf("second chunk = %v ok=%v, want %v", chunk, ok, seq(10, 10))
	}
}

func TestCaptureAccumulator_MultipleChunksInOneWrite(t *testing.T) {
	t.Parallel()
	acc := audio.NewCaptureAccumulator(4)
	acc.Write(seq(0, 11))

	var chunks [][]byte
	for {
		c, ok := acc.Next()
		if !ok {
			break
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 4 {
			t.Errorf("chunk %d has %d bytes", i, len(c))
		}
	}
	if acc.Buffered() != 3 {
		t.Errorf("remainder = %d, want 3", acc.Buffered())
	}
}

func TestCaptureAccumulator_ChunkIsDetached(t *testing.T) {
	t.Parallel()
	acc := audio.NewCaptureAccumulator(4)
	acc.Write([]byte{1, 2, 3, 4, 5, 6})
	chunk, _ := acc.Next()
	acc.Write([]byte{7, 8})
	if !bytes.Equal(chunk, []byte{1, 2, 3, 4}) {
		t.Errorf("chunk mutated by later write: %v", chunk)
	}
}

func TestCaptureAccumulator_RoundsToWholeSamples(t *testing.T) {
	t.Parallel()
	if got := audio.NewCaptureAccumulator(7).ChunkSize(); got != 6 {
		t.Errorf("ChunkSize = %d, want 6", got)
	}
	if got := audio.NewCaptureAccumulator(0).ChunkSize(); got != 2 {
		t.Errorf("ChunkSize(0) = %d, want 2", got)
	}
}

func TestCaptureAccumulator_Reset(t *testing.T) {
	t.Parallel()
	acc := audio.NewCaptureAccumulator(4)
	acc.Write(seq(0, 3))
	acc.Reset()
	if acc.Buffered() != 0 {
		t.Errorf("Buffered after Reset = %d", acc.Buffered())
	}
}

func TestPCMConversionRoundTrip(t *testing.T) {
	t.Parallel()
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	b := make([]byte, len(samples)*2)
	if n := audio.Int16ToBytes(b, samples); n != len(b) {
		t.Fatalf("Int16ToBytes wrote %d bytes", n)
	}
	back := make([]int16, len(samples))
	if n := audio.BytesToInt16(back, b); n != len(samples) {
		t.Fatalf("BytesToInt16 wrote %d samples", n)
	}
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, back[i], samples[i])
		}
	}
	if got := audio.Peak(b); got != 32768 {
		t.Errorf("Peak = %d, want 32768", got)
	}
}
