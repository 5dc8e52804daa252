package outputs

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/types"
	"github.com/drgolem/audio-bridge/pkg/protocol"
)

// bridgeConnectMinDelay/bridgeConnectMaxDelay bound the reconnect backoff a
// bridgeWorker uses when its streaming connection drops or fails to dial.
// Grounded on src/bridge.rs::connect_loop (see DESIGN.md's Open Question
// decision on reconnect backoff).
const (
	bridgeConnectMinDelay = 250 * time.Millisecond
	bridgeConnectMaxDelay = 5 * time.Second
)

// bridgeWorker owns the outbound framed-protocol connection (pkg/protocol)
// a hub uses to push audio bytes into one bridge host's spooling receiver
// (C4), the counterpart of the original's spawn_bridge_worker /
// connect_loop / write_all_interruptible. One worker is kept per bridge the
// hub has ever selected, so switching back to a previously used bridge
// doesn't pay a fresh dial.
//
// Unlike the original's single-threaded channel actor, writes are
// serialized with a plain mutex held only for the duration of one frame
// write, and an in-flight file transfer is interruptible via a generation
// counter: a new Play or Stop bumps the generation, and the streaming
// goroutine notices and abandons its loop after its next chunk write. This
// keeps pause/resume frames from queuing up behind a multi-megabyte file
// transfer, which a single long-held lock around the whole transfer would
// not.
type bridgeWorker struct {
	streamAddr string

	writeMu sync.Mutex // serializes individual WriteFrame calls
	connMu  sync.Mutex // guards conn itself (dial/redial)
	conn    net.Conn

	gen atomic.Uint64

	statusMu sync.Mutex
	status   types.StatusResponse
}

func newBridgeWorker(streamAddr string) *bridgeWorker {
	return &bridgeWorker{streamAddr: streamAddr}
}

// connect dials the bridge's streaming listener if not already connected,
// retrying with the 250ms-to-5s backoff until ctx is done.
func (w *bridgeWorker) connect(ctx context.Context) (net.Conn, error) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}

	delay := bridgeConnectMinDelay
	for {
		conn, err := w.dialAndHandshake(ctx)
		if err == nil {
			w.conn = conn
			go w.readLoop(conn)
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, newErr(KindUnavailable, "connect to bridge %q: %v", w.streamAddr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > bridgeConnectMaxDelay {
			delay = bridgeConnectMaxDelay
		}
	}
}

func (w *bridgeWorker) dialAndHandshake(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", w.streamAddr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if err := protocol.WritePrelude(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := protocol.ReadPrelude(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// dropConn discards a connection that failed mid-write so the next command
// redials.
func (w *bridgeWorker) dropConn(bad net.Conn) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == bad {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *bridgeWorker) writeFrame(conn net.Conn, kind protocol.FrameKind, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return protocol.WriteFrame(conn, kind, payload)
}

// readLoop decodes track-info/playback-pos frames the bridge sends back
// over the same connection and folds them into this worker's status, so
// StatusForOutput can report the bridge's true now-playing state without a
// second HTTP round trip.
func (w *bridgeWorker) readLoop(conn net.Conn) {
	for {
		frame, err := protocol.ReadFrameHeader(conn)
		if err != nil {
			w.dropConn(conn)
			return
		}
		switch frame.Kind {
		case protocol.KindTrackInfo:
			info, err := protocol.DecodeTrackInfo(frame.Payload)
			if err != nil {
				continue
			}
			w.updateStatus(func(s *types.StatusResponse) {
				if info.DurationMs > 0 {
					d := info.DurationMs
					s.DurationMs = &d
				}
			})
		case protocol.KindPlaybackPos:
			pos, err := protocol.DecodePlaybackPos(frame.Payload)
			if err != nil {
				continue
			}
			w.updateStatus(func(s *types.StatusResponse) {
				s.Paused = pos.Paused
			})
		}
	}
}

func (w *bridgeWorker) updateStatus(fn func(*types.StatusResponse)) {
	w.statusMu.Lock()
	fn(&w.status)
	w.statusMu.Unlock()
}

func (w *bridgeWorker) snapshot() types.StatusResponse {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

// play streams path to the bridge as begin-file/file-chunk*/end-file,
// superseding (and implicitly hard-cutting) whatever this worker was
// streaming before. Returns once the begin-file frame and any immediate
// pause frame are written; the file body streams on a background
// goroutine so a slow/large file doesn't block the caller.
func (w *bridgeWorker) play(ctx context.Context, path string, seekMs uint64, startPaused bool) error {
	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	myGen := w.gen.Add(1)

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if err := w.writeFrame(conn, protocol.KindBeginFile, protocol.EncodeBeginFile(ext)); err != nil {
		w.dropConn(conn)
		return newErr(KindUnavailable, "begin-file to bridge: %v", err)
	}
	if startPaused {
		if err := w.writeFrame(conn, protocol.KindPause, nil); err != nil {
			w.dropConn(conn)
			return newErr(KindUnavailable, "pause to bridge: %v", err)
		}
	}

	w.updateStatus(func(s *types.StatusResponse) {
		s.NowPlaying = path
		s.Paused = startPaused
		s.ElapsedMs = seekMs
		s.DurationMs = nil
	})

	go w.streamFile(conn, path, myGen)
	return nil
}

// streamFile pushes one file's bytes as file-chunk frames, checking after
// every chunk whether a newer play/stop has superseded this transfer
// (myGen no longer current) and abandoning the loop early if so — the
// Go-idiomatic equivalent of write_all_interruptible's per-write command
// poll.
func (w *bridgeWorker) streamFile(conn net.Conn, path string, myGen uint64) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		if w.gen.Load() != myGen {
			return
		}
		n, err := f.Read(buf)
		if n > 0 {
			if werr := w.writeFrame(conn, protocol.KindFileChunk, buf[:n]); werr != nil {
				w.dropConn(conn)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
	}
	if w.gen.Load() != myGen {
		return
	}
	_ = w.writeFrame(conn, protocol.KindEndFile, nil)
}

func (w *bridgeWorker) pauseToggle(ctx context.Context) error {
	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	var paused bool
	w.updateStatus(func(s *types.StatusResponse) {
		s.Paused = !s.Paused
		paused = s.Paused
	})
	kind := protocol.KindResume
	if paused {
		kind = protocol.KindPause
	}
	if err := w.writeFrame(conn, kind, nil); err != nil {
		w.dropConn(conn)
		return newErr(KindUnavailable, "pause/resume to bridge: %v", err)
	}
	return nil
}

// seek sends a seek frame for the in-flight track. ElapsedMs is updated
// optimistically to ms, the same pattern play uses for its own status
// update: the wire protocol's track-info carries the source sample rate,
// not the bridge's device output rate that played_frames are counted at,
// so there is no way to derive an exact elapsed time back out of
// subsequent playback-pos frames.
func (w *bridgeWorker) seek(ctx context.Context, ms uint64) error {
	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	w.updateStatus(func(s *types.StatusResponse) { s.ElapsedMs = ms })
	if err := w.writeFrame(conn, protocol.KindSeek, protocol.EncodeSeek(ms)); err != nil {
		w.dropConn(conn)
		return newErr(KindUnavailable, "seek to bridge: %v", err)
	}
	return nil
}

// stop hard-cuts whatever is streaming: it supersedes the current transfer
// generation (so a streamFile goroutine in flight abandons it) and sends an
// explicit next frame, matching the receiver's idle/hard-cut handling.
func (w *bridgeWorker) stop(ctx context.Context) error {
	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}
	w.gen.Add(1)
	w.updateStatus(func(s *types.StatusResponse) {
		s.NowPlaying = ""
		s.Paused = false
		s.ElapsedMs = 0
		s.DurationMs = nil
	})
	if err := w.writeFrame(conn, protocol.KindNext, nil); err != nil {
		w.dropConn(conn)
		return newErr(KindUnavailable, "stop (next) to bridge: %v", err)
	}
	return nil
}

// quit tears the worker's connection down entirely, used when the hub
// switches its active bridge away from the bridge this worker serves.
func (w *bridgeWorker) quit() {
	w.gen.Add(1)
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		_ = protocol.WriteFrame(w.conn, protocol.KindNext, nil)
		w.conn.Close()
		w.conn = nil
	}
}
