package decode

import (
	"os"
	"testing"
	"time"

	"github.com/drgolem/audio-bridge/pkg/queue"
	"github.com/drgolem/audio-bridge/pkg/source"
	"github.com/youpy/go-wav"
)

// buildWavBytes renders a tiny mono 16-bit PCM WAV file in memory.
func buildWavBytes(t *testing.T, numFrames int, sampleRate uint32) []byte {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "src-*.wav")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp.Close()

	audio := make([]byte, numFrames*2)
	for i := 0; i < numFrames; i++ {
		v := int16(i % 1000)
		audio[i*2] = byte(v & 0xFF)
		audio[i*2+1] = byte((v >> 8) & 0xFF)
	}

	w := wav.NewWriter(tmp, uint32(numFrames), 1, sampleRate, 16)
	if _, err := w.Write(audio); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRunStreamsIntoQueueWhileSpoolIsIncomplete(t *testing.T) {
	wavBytes := buildWavBytes(t, 2000, 44100)

	spoolPath := t.TempDir() + "/spool.bin"
	spool, err := os.Create(spoolPath)
	if err != nil {
		t.Fatal(err)
	}

	progress := source.NewProgress()
	var q *queue.SampleQueue

	var gotFormat Format
	done := make(chan error, 1)
	go func() {
		done <- Run("wav", spoolPath, progress, func() bool { return false }, func(f Format) *queue.SampleQueue {
			gotFormat = f
			q = queue.New("test-decode", f.Channels, 4096)
			return q
		})
	}()

	// Write the file incrementally, like a receiver spooling network bytes.
	mid := len(wavBytes) / 2
	spool.Write(wavBytes[:mid])
	progress.Advance(int64(mid))
	time.Sleep(50 * time.Millisecond)

	spool.Write(wavBytes[mid:])
	progress.Advance(int64(len(wavBytes) - mid))
	progress.MarkDone()
	spool.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decode did not finish in time")
	}

	if gotFormat.SampleRate != 44100 || gotFormat.Channels != 1 {
		t.Fatalf("unexpected format: %+v", gotFormat)
	}
	if q.Buffered() == 0 {
		t.Fatal("expected decoded samples buffered in the queue")
	}
}
