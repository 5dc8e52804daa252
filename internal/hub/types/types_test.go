package types

import "testing"

func TestNormalizeSupportedRates(t *testing.T) {
	cases := []struct {
		name          string
		min, max      uint32
		wantOK        bool
		wantMin       uint32
		wantMax       uint32
	}{
		{"valid range", 44100, 192000, true, 44100, 192000},
		{"zero min", 0, 192000, false, 0, 0},
		{"zero max", 44100, 0, false, 0, 0},
		{"inverted", 192000, 44100, false, 0, 0},
		{"unbounded max", 44100, ^uint32(0), false, 0, 0},
		{"equal bounds", 48000, 48000, true, 48000, 48000},
	}
	for _, c := range cases {
		got, ok := NormalizeSupportedRates(c.min, c.max)
		if ok != c.wantOK {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}
		if ok && (got.MinHz != c.wantMin || got.MaxHz != c.wantMax) {
			t.Errorf("%s: got %+v, want {%d %d}", c.name, got, c.wantMin, c.wantMax)
		}
	}
}

func TestEstimateBitrateKbps(t *testing.T) {
	// A 3.6 MB file over 180s (3 minutes) is roughly a 160kbps MP3.
	kbps, ok := EstimateBitrateKbps(3_600_000, 180_000)
	if !ok {
		t.Fatal("expected an estimate for valid inputs")
	}
	if kbps < 150 || kbps > 170 {
		t.Fatalf("expected roughly 160kbps, got %d", kbps)
	}

	if _, ok := EstimateBitrateKbps(0, 180_000); ok {
		t.Fatal("expected no estimate for a zero file size")
	}
	if _, ok := EstimateBitrateKbps(3_600_000, 0); ok {
		t.Fatal("expected no estimate for a zero duration")
	}
}

func TestShortDeviceID(t *testing.T) {
	short := "bridge:kitchen:1"
	if got := ShortDeviceID(short); got != short {
		t.Fatalf("expected short id unchanged, got %q", got)
	}

	long := "bridge:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:device-id-0001"
	got := ShortDeviceID(long)
	if len(got) >= len(long) {
		t.Fatalf("expected truncation, got %q", got)
	}
	if got[:32] != long[:32] {
		t.Fatalf("expected head to be preserved, got %q", got)
	}
	if got[len(got)-12:] != long[len(long)-12:] {
		t.Fatalf("expected tail to be preserved, got %q", got)
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := &Session{ID: "s1", Queue: []string{"a.flac"}, History: []string{"b.flac"}}
	clone := s.Clone()

	clone.Queue[0] = "mutated.flac"
	if s.Queue[0] != "a.flac" {
		t.Fatal("expected cloning to deep-copy the queue slice")
	}

	clone.History = append(clone.History, "c.flac")
	if len(s.History) != 1 {
		t.Fatal("expected cloning to deep-copy the history slice")
	}
}
