// Package receiver implements the spooling receiver (C4): it accepts one
// client connection, demultiplexes control frames from file-chunk frames,
// spools each track's bytes to a temp file, and surfaces a stream of
// per-track Sessions as soon as each begins so playback can start before
// the upload finishes.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/drgolem/audio-bridge/pkg/protocol"
	"github.com/drgolem/audio-bridge/pkg/source"
)

const tempFilePrefix = "audio-bridge-stream-"

// Session represents reception and playback of a single track on a
// connection.
type Session struct {
	Ext      string
	Path     string
	Progress *source.Progress

	file   *os.File
	paused atomic.Bool
	cancel atomic.Bool
	seekCh chan uint64
}

// SetPaused flips the control-plane pause state for this session.
func (s *Session) SetPaused(p bool) { s.paused.Store(p) }

// Paused reports the current control-plane pause state.
func (s *Session) Paused() bool { return s.paused.Load() }

// Cancelled reports whether the session was hard-cut (next, or an implicit
// begin-file, or connection error).
func (s *Session) Cancelled() bool { return s.cancel.Load() }

// SeekRequests returns the channel the playback controller reads mid-session
// seek targets from (see requestSeek). Receiving from it surfaces a `seek`
// frame so the controller can flush and relaunch the pipeline at the
// requested position (4.4/4.8).
func (s *Session) SeekRequests() <-chan uint64 { return s.seekCh }

// requestSeek records a seek frame's target, coalescing with any
// not-yet-consumed prior request so a burst of seeks only carries the latest
// target forward, the same "replace the pending frame" idiom readerLoop uses
// for an implicit hard cut.
func (s *Session) requestSeek(ms uint64) {
	select {
	case s.seekCh <- ms:
		return
	default:
	}
	select {
	case <-s.seekCh:
	default:
	}
	select {
	case s.seekCh <- ms:
	default:
	}
}

func (s *Session) cancelAndMarkDone() {
	s.cancel.Store(true)
	s.Progress.MarkDone()
}

// CleanupTempFiles removes any leftover spool files from a previous run.
// Called on receiver startup, matching the original's cleanup-on-start
// behavior.
func CleanupTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if len(e.Name()) >= len(tempFilePrefix) && e.Name()[:len(tempFilePrefix)] == tempFilePrefix {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func makeTempPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.bin", tempFilePrefix, time.Now().UnixNano()))
}

// RunOneClient handles one accepted connection: performs the prelude
// handshake, then spawns a background goroutine running the demux loop. It
// returns a channel of per-track Sessions, closed when the connection ends.
func RunOneClient(conn net.Conn, spoolDir string) (<-chan *Session, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if err := protocol.ReadPrelude(conn); err != nil {
		return nil, fmt.Errorf("receiver: prelude: %w", err)
	}
	if err := protocol.WritePrelude(conn); err != nil {
		return nil, fmt.Errorf("receiver: prelude reply: %w", err)
	}

	sessions := make(chan *Session, 1)
	go readerLoop(conn, spoolDir, sessions)
	return sessions, nil
}

// readerLoop is the cooperative single-threaded demultiplexer: it
// alternates between an idle state (waiting for begin-file) and a
// per-session state (file-chunk/control frames for the in-flight track).
func readerLoop(conn net.Conn, spoolDir string, sessions chan<- *Session) {
	defer close(sessions)
	defer conn.Close()

	log := slog.Default().With("component", "receiver", "peer", conn.RemoteAddr())

	pending := (*protocol.Frame)(nil)
	for {
		var frame protocol.Frame
		var err error
		if pending != nil {
			frame, pending = *pending, nil
		} else {
			frame, err = protocol.ReadFrameHeader(conn)
			if err != nil {
				if err != io.EOF {
					log.Warn("connection read error while idle", "error", err)
				}
				return
			}
		}

		switch frame.Kind {
		case protocol.KindBeginFile:
			sess, err := beginSession(frame, spoolDir, log)
			if err != nil {
				log.Warn("failed to begin session", "error", err)
				return
			}
			sessions <- sess
			next := handleSession(conn, sess, log)
			if next != nil {
				pending = next
			}
		case protocol.KindPause, protocol.KindResume, protocol.KindNext, protocol.KindSeek:
			log.Debug("ignoring control frame while idle", "kind", frame.Kind)
		default:
			log.Debug("ignoring unexpected frame while idle", "kind", frame.Kind)
		}
	}
}

func beginSession(frame protocol.Frame, spoolDir string, log *slog.Logger) (*Session, error) {
	ext, err := protocol.DecodeBeginFile(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode begin-file: %w", err)
	}
	path := makeTempPath(spoolDir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}

	sess := &Session{Ext: ext, Path: path, Progress: source.NewProgress(), file: f, seekCh: make(chan uint64, 1)}
	log.Info("session begin", "ext", ext, "path", path)
	return sess, nil
}

// handleSession runs the inner per-track loop: file-chunk frames append to
// the spool file and advance progress; control frames mutate pause/cancel
// state; end-file marks done but keeps handling control frames while
// playback drains; next hard-cuts back to idle; an unexpected begin-file is
// an implicit hard cut whose already-read frame is re-dispatched to the
// idle handler instead of being discarded (see SPEC_FULL.md for why this
// diverges from the original).
func handleSession(conn net.Conn, sess *Session, log *slog.Logger) *protocol.Frame {
	f := sess.file
	defer f.Close()

	for {
		frame, err := protocol.ReadFrameHeader(conn)
		if err != nil {
			sess.cancelAndMarkDone()
			return nil
		}

		switch frame.Kind {
		case protocol.KindFileChunk:
			if sess.Cancelled() || sess.Progress.IsDone() {
				// Already cut or finished: stay in sync with the socket
				// but discard the bytes.
				continue
			}
			n, err := f.Write(frame.Payload)
			if err != nil {
				log.Error("spool write failed", "error", err)
				sess.cancelAndMarkDone()
				continue
			}
			_ = f.Sync()
			sess.Progress.Advance(int64(n))

		case protocol.KindEndFile:
			sess.Progress.MarkDone()
			// Stay in the inner loop: the server may still send pause/
			// resume/seek control frames (or next) while local playback
			// drains the spooled file.

		case protocol.KindPause:
			sess.SetPaused(true)
		case protocol.KindResume:
			sess.SetPaused(false)

		case protocol.KindSeek:
			ms, err := protocol.DecodeSeek(frame.Payload)
			if err != nil {
				log.Warn("malformed seek frame", "error", err)
				continue
			}
			sess.requestSeek(ms)

		case protocol.KindNext:
			sess.cancelAndMarkDone()
			return nil // back to idle loop

		case protocol.KindBeginFile:
			// Implicit hard cut: a new track started without an explicit
			// Next. Cancel the current session and hand the already-read
			// begin-file frame back to the idle loop so the new track is
			// not silently dropped.
			sess.cancelAndMarkDone()
			fcopy := frame
			return &fcopy

		default:
			log.Debug("ignoring unexpected frame mid-session", "kind", frame.Kind)
		}
	}
}
