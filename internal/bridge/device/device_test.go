package device

import "testing"

func decodeInt16(b []byte) int16 {
	return int16(uint16(b[0]) | uint16(b[1])<<8)
}

func TestMixPassthroughStereo(t *testing.T) {
	src := []float32{1.0, -1.0, 0.5, -0.5}
	out := make([]byte, 8)
	n := mixAndEncode(src, 2, 2, out)
	if n != 8 {
		t.Fatalf("expected 8 bytes written, got %d", n)
	}
	if decodeInt16(out[0:2]) != 32767 {
		t.Fatalf("expected max positive sample")
	}
	if decodeInt16(out[2:4]) != -32767 {
		t.Fatalf("expected max negative sample, got %d", decodeInt16(out[2:4]))
	}
}

func TestMixStereoToMonoAverages(t *testing.T) {
	src := []float32{1.0, -1.0}
	out := make([]byte, 2)
	mixAndEncode(src, 2, 1, out)
	if got := decodeInt16(out); got != 0 {
		t.Fatalf("expected average of +1/-1 to be ~0, got %d", got)
	}
}

func TestMixMonoToStereoDuplicates(t *testing.T) {
	src := []float32{0.5}
	out := make([]byte, 4)
	mixAndEncode(src, 1, 2, out)
	left := decodeInt16(out[0:2])
	right := decodeInt16(out[2:4])
	if left != right {
		t.Fatalf("expected duplicated channels, got %d vs %d", left, right)
	}
}

func TestMixUnsupportedCombinationClamps(t *testing.T) {
	src := []float32{0.1, 0.2, 0.3}
	out := make([]byte, 2*2) // 2 dst channels
	n := mixAndEncode(src, 3, 2, out)
	if n != 4 {
		t.Fatalf("expected to write 4 bytes (2 channels), got %d", n)
	}
}

func TestWriteInt16ClampsOutOfRange(t *testing.T) {
	out := make([]byte, 2)
	writeInt16(out, 0, 2.0)
	if decodeInt16(out) != 32767 {
		t.Fatalf("expected clamp to max, got %d", decodeInt16(out))
	}
	writeInt16(out, 0, -2.0)
	if decodeInt16(out) != -32767 {
		t.Fatalf("expected clamp to min, got %d", decodeInt16(out))
	}
}
