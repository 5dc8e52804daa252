package resample

import (
	"math"
	"testing"
)

func TestPassthroughRatioPreservesApproxLength(t *testing.T) {
	r := New(44100, 44100, 1)
	input := make([]float32, 2048)
	for i := range input {
		input[i] = float32(math.Sin(float64(i) * 0.05))
	}

	var out []float32
	for i := 0; i < len(input); i += r.ChunkInFrames() {
		end := i + r.ChunkInFrames()
		if end > len(input) {
			end = len(input)
		}
		out = r.ProcessChunk(input[i:end], out)
	}
	out = r.Flush(out)

	// 1:1 ratio should produce roughly as many samples as went in, within
	// the kernel's edge margins.
	if len(out) < len(input)-2*sincLength || len(out) > len(input)+2*sincLength {
		t.Fatalf("expected ~%d output samples, got %d", len(input), len(out))
	}
}

func TestUpsampleProducesMoreSamples(t *testing.T) {
	r := New(22050, 44100, 1)
	input := make([]float32, 4096)
	for i := range input {
		input[i] = float32(math.Sin(float64(i) * 0.1))
	}

	var out []float32
	out = r.ProcessChunk(input, out)
	out = r.Flush(out)

	if len(out) < len(input)*19/10 {
		t.Fatalf("expected roughly double the samples for 2x upsample, got in=%d out=%d", len(input), len(out))
	}
}

func TestOutputStaysWithinUnitRange(t *testing.T) {
	r := New(48000, 44100, 2)
	input := make([]float32, 2*2048)
	for i := range input {
		input[i] = 1.0
	}

	var out []float32
	out = r.ProcessChunk(input, out)
	out = r.Flush(out)

	for _, v := range out {
		if v > 1.0001 || v < -1.0001 {
			t.Fatalf("sample out of range: %v", v)
		}
	}
}

func TestOutputBufferSizeMatchesChannelsChunkTimesThree(t *testing.T) {
	r := New(44100, 48000, 2)
	if got, want := r.OutputBufferSize(), 2*chunkInFrames*3; got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}
