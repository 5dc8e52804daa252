package source

import (
	"io"
	"os"
	"testing"
	"time"
)

func writeTemp(t *testing.T) (*os.File, func()) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "abrd-source-test-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	return f, func() { f.Close() }
}

func TestReadBlocksUntilAvailable(t *testing.T) {
	wf, cleanup := writeTemp(t)
	defer cleanup()

	progress := NewProgress()
	src, err := NewBlockingFileSource(wf.Name(), progress)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	readDone := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 5)
		n, err := src.Read(buf)
		readDone <- buf[:n]
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-readDone:
		t.Fatal("read returned before any bytes were written")
	default:
	}

	if _, err := wf.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	progress.Advance(5)

	select {
	case got := <-readDone:
		if string(got) != "hello" {
			t.Fatalf("expected hello, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after bytes became available")
	}
	if err := <-readErr; err != nil {
		t.Fatal(err)
	}
}

func TestReadReturnsEOFOnlyWhenDoneAndDrained(t *testing.T) {
	wf, cleanup := writeTemp(t)
	defer cleanup()

	progress := NewProgress()
	src, err := NewBlockingFileSource(wf.Name(), progress)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	wf.Write([]byte("ab"))
	progress.Advance(2)
	progress.MarkDone()

	buf := make([]byte, 10)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("expected no error on partial read, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 bytes, got %d", n)
	}

	n, err = src.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected EOF after drain, got n=%d err=%v", n, err)
	}
}

func TestSeekEndBlocksUntilDone(t *testing.T) {
	wf, cleanup := writeTemp(t)
	defer cleanup()

	progress := NewProgress()
	src, err := NewBlockingFileSource(wf.Name(), progress)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	wf.Write([]byte("abcdef"))
	progress.Advance(6)

	seekDone := make(chan int64, 1)
	go func() {
		pos, _ := src.Seek(0, io.SeekEnd)
		seekDone <- pos
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-seekDone:
		t.Fatal("seek-to-end returned before writer signalled done")
	default:
	}

	progress.MarkDone()
	select {
	case pos := <-seekDone:
		if pos != 6 {
			t.Fatalf("expected final position 6, got %d", pos)
		}
	case <-time.After(time.Second):
		t.Fatal("seek-to-end did not unblock after done")
	}
}

func TestByteLenUnknownUntilDone(t *testing.T) {
	wf, cleanup := writeTemp(t)
	defer cleanup()
	progress := NewProgress()
	src, _ := NewBlockingFileSource(wf.Name(), progress)
	defer src.Close()

	if _, ok := src.ByteLen(); ok {
		t.Fatal("expected ByteLen unknown before done")
	}
	progress.MarkDone()
	if n, ok := src.ByteLen(); !ok || n != 0 {
		t.Fatalf("expected ByteLen known 0 after done, got n=%d ok=%v", n, ok)
	}
}
