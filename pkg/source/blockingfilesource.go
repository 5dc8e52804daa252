// Package source implements a media source adapter over a file that is
// still being appended to by a concurrent writer: readers block until
// either enough bytes have been written or the writer signals done.
package source

import (
	"io"
	"os"
	"sync"
)

// Progress is the shared state a writer mutates and a BlockingFileSource
// reader waits on: bytes written so far, and whether the writer is done.
type Progress struct {
	mu          sync.Mutex
	cond        *sync.Cond
	bytesWritten int64
	done         bool
}

// NewProgress creates a zeroed Progress tracker.
func NewProgress() *Progress {
	p := &Progress{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Advance records that n more bytes have been written and wakes waiters.
func (p *Progress) Advance(n int64) {
	p.mu.Lock()
	p.bytesWritten += n
	p.cond.Broadcast()
	p.mu.Unlock()
}

// MarkDone marks the writer finished and wakes waiters.
func (p *Progress) MarkDone() {
	p.mu.Lock()
	p.done = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// IsDone reports whether the writer has finished.
func (p *Progress) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// BytesWritten returns the current total bytes written.
func (p *Progress) BytesWritten() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesWritten
}

// waitUntilAvailable blocks until either wantPos bytes have been written or
// the writer is done.
func (p *Progress) waitUntilAvailable(wantPos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done && p.bytesWritten < wantPos {
		p.cond.Wait()
	}
}

// waitUntilDone blocks until the writer is done, then returns the final
// byte count.
func (p *Progress) waitUntilDone() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.done {
		p.cond.Wait()
	}
	return p.bytesWritten
}

// BlockingFileSource exposes a spool file being appended to concurrently as
// a blocking, seekable io.ReadSeeker. It is seekable (IsSeekable always
// true) but its total length is unknown until the writer finishes
// (ByteLen returns false until done).
type BlockingFileSource struct {
	file     *os.File
	progress *Progress
	pos      int64
}

// NewBlockingFileSource opens path for reading and binds it to progress,
// which a concurrent writer (the spooling receiver) is advancing.
func NewBlockingFileSource(path string, progress *Progress) (*BlockingFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &BlockingFileSource{file: f, progress: progress}, nil
}

// Close closes the underlying file handle.
func (s *BlockingFileSource) Close() error {
	return s.file.Close()
}

// IsSeekable always reports true: the source supports random access into
// the portion of the file already written.
func (s *BlockingFileSource) IsSeekable() bool { return true }

// ByteLen reports the total byte length once known (i.e. once the writer is
// done). ok is false while streaming is still in progress.
func (s *BlockingFileSource) ByteLen() (n int64, ok bool) {
	if !s.progress.IsDone() {
		return 0, false
	}
	return s.progress.BytesWritten(), true
}

// Read blocks until at least one new byte beyond the current position is
// available or the writer is done. It returns io.EOF (n=0) only once the
// writer is done and the current position has caught up with the final
// byte count.
func (s *BlockingFileSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.progress.waitUntilAvailable(s.pos + 1)

	written := s.progress.BytesWritten()
	if s.progress.IsDone() && s.pos >= written {
		return 0, io.EOF
	}

	avail := written - s.pos
	want := int64(len(p))
	if want > avail {
		want = avail
	}
	if want <= 0 {
		return 0, io.EOF
	}

	if _, err := s.file.Seek(s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.file.Read(p[:want])
	s.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

// Seek implements io.Seeker. SeekEnd blocks until the writer is done, then
// seeks to the final byte count (the only well-defined "end" of a stream
// whose length isn't known in advance).
func (s *BlockingFileSource) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		total := s.progress.waitUntilDone()
		target = total + offset
	default:
		return 0, os.ErrInvalid
	}
	if target < 0 {
		return 0, os.ErrInvalid
	}
	s.progress.waitUntilAvailable(target)
	s.pos = target
	return s.pos, nil
}
