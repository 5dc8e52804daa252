// Package controller implements the bridge playback controller (C8): for
// each track session handed to it by the spooling receiver, it wires up
// decode -> resample -> device-callback, relays pause/resume/next/seek
// control signals into the running pipeline, and reports track-info and
// periodic playback-pos frames back over the same connection the session
// arrived on.
package controller

import (
	"log/slog"
	"net"
	"time"

	"github.com/drgolem/audio-bridge/internal/bridge/decode"
	"github.com/drgolem/audio-bridge/internal/bridge/device"
	"github.com/drgolem/audio-bridge/internal/bridge/receiver"
	"github.com/drgolem/audio-bridge/pkg/protocol"
	"github.com/drgolem/audio-bridge/pkg/queue"
	"github.com/drgolem/audio-bridge/pkg/resample"
)

// sourceQueueSeconds sizes the decode->resample queue as roughly 2 seconds
// of audio at the source rate, matching the original's
// `rate * channels * 2` sizing.
const sourceQueueSeconds = 2

const destQueueFrames = 1 << 15 // resample->device queue capacity in frames

const playbackPosInterval = 250 * time.Millisecond

// Controller drives one bridge connection's track sessions against a single
// always-open device Output.
type Controller struct {
	out *device.Output
	log *slog.Logger
}

// New builds a Controller driving out.
func New(out *device.Output) *Controller {
	return &Controller{out: out, log: slog.Default().With("component", "bridge-controller")}
}

// Run accepts one connection, runs the receiver, and processes each emitted
// session until the connection ends.
func (c *Controller) Run(conn net.Conn, spoolDir string) error {
	sessions, err := receiver.RunOneClient(conn, spoolDir)
	if err != nil {
		return err
	}
	for sess := range sessions {
		c.playSession(conn, sess)
	}
	c.out.ClearSource()
	return nil
}

type pipelineResult struct {
	format   decode.Format
	srcQueue *queue.SampleQueue
	dstQueue *queue.SampleQueue
}

// startPipeline launches decode(C5)->resample(C6) for sess starting seekMs
// into the track and blocks until the source format is known (or the
// 10-second startup deadline expires). The returned srcQueue is the
// decode->resample handoff queue; closing it is how a subsequent seek
// cancels this pipeline mid-flight (queue.Close is the canonical
// cancellation primitive, matched by decode.Run's dst.Push check and
// resample.RunPipeline's own queue draining).
func (c *Controller) startPipeline(sess *receiver.Session, seekMs uint64) (pipelineResult, bool) {
	readyCh := make(chan pipelineResult, 1)

	go func() {
		err := decode.RunSeek(sess.Ext, sess.Path, sess.Progress, sess.Cancelled, seekMs, func(f decode.Format) *queue.SampleQueue {
			srcQueue := queue.New("decode-out", f.Channels, f.SampleRate*sourceQueueSeconds)
			dstQueue := queue.New("resample-out", f.Channels, destQueueFrames)

			r := resample.New(f.SampleRate, int(c.out.SampleRate()), f.Channels)
			go resample.RunPipeline(r, srcQueue, dstQueue)

			readyCh <- pipelineResult{format: f, srcQueue: srcQueue, dstQueue: dstQueue}
			return srcQueue
		})
		if err != nil {
			c.log.Warn("decode stage ended with error", "error", err)
		}
	}()

	select {
	case rd := <-readyCh:
		return rd, true
	case <-time.After(10 * time.Second):
		c.log.Error("timed out waiting for source format")
		return pipelineResult{}, false
	}
}

func (c *Controller) playSession(conn net.Conn, sess *receiver.Session) {
	seekMs := uint64(0)
	suppressFirstPos := false

	for {
		rd, ok := c.startPipeline(sess, seekMs)
		if !ok {
			return
		}

		c.sendTrackInfo(conn, rd.format)
		c.out.SetSource(rd.dstQueue, rd.format.Channels)

		baseFrames := seekMs * uint64(c.out.SampleRate()) / 1000
		frameBaseline := c.out.PlayedFrames()

		nextSeekMs, seeking := c.reportPlaybackPosUntilDrained(conn, sess, rd.dstQueue, rd.format, baseFrames, frameBaseline, suppressFirstPos)
		if !seeking {
			c.out.ClearSource()
			return
		}

		// Flush the superseded pipeline and restart decode from the new
		// offset (4.8 step 9): closing srcQueue unblocks decode.Run's
		// dst.Push and lets it return without finishing the track.
		rd.srcQueue.Close()
		seekMs = nextSeekMs
		suppressFirstPos = true
	}
}

func (c *Controller) sendTrackInfo(conn net.Conn, format decode.Format) {
	info := protocol.TrackInfo{
		SampleRate: uint32(format.SampleRate),
		Channels:   uint16(format.Channels),
		DurationMs: 0, // unknown: spooled streams don't carry duration metadata
	}
	if err := protocol.WriteFrame(conn, protocol.KindTrackInfo, protocol.EncodeTrackInfo(info)); err != nil {
		c.log.Warn("failed to send track-info", "error", err)
	}
}

// reportPlaybackPosUntilDrained periodically reports playback position
// while the track plays, keeps reflecting sess.Paused() into the device's
// active source so pause/resume toggles take effect immediately at the
// callback, and watches sess.SeekRequests() for a mid-track seek.
//
// Reported PlayedFrames is baseFrames (the device-rate frame offset the
// current pipeline started at) plus how far the device's cumulative
// counter has advanced since frameBaseline was captured, since
// device.Output.PlayedFrames never resets across pipeline restarts. When
// suppressFirst is set, the first frame that would otherwise be sent is
// skipped instead, avoiding a stale position report left over from the
// just-superseded pipeline.
//
// Returns (seekMs, true) if a seek interrupted playback, or (0, false) once
// the track drains or the session is cancelled.
func (c *Controller) reportPlaybackPosUntilDrained(conn net.Conn, sess *receiver.Session, dstQueue *queue.SampleQueue, format decode.Format, baseFrames, frameBaseline uint64, suppressFirst bool) (uint64, bool) {
	ticker := time.NewTicker(playbackPosInterval)
	defer ticker.Stop()

	wasPaused := false
	skipNext := suppressFirst
	for {
		if ms, ok := drainSeek(sess.SeekRequests()); ok {
			c.out.ClearSource()
			return ms, true
		}
		if dstQueue.IsDoneAndEmpty() {
			return 0, false
		}
		if sess.Cancelled() {
			return 0, false
		}

		paused := sess.Paused()
		if paused != wasPaused {
			if paused {
				c.out.ClearSource()
			} else {
				c.out.SetSource(dstQueue, format.Channels)
			}
			wasPaused = paused
		}

		if skipNext {
			skipNext = false
		} else {
			pos := protocol.PlaybackPos{
				PlayedFrames: baseFrames + (c.out.PlayedFrames() - frameBaseline),
				Paused:       paused,
			}
			if err := protocol.WriteFrame(conn, protocol.KindPlaybackPos, protocol.EncodePlaybackPos(pos)); err != nil {
				c.log.Warn("failed to send playback-pos", "error", err)
				return 0, false
			}
		}

		select {
		case ms := <-sess.SeekRequests():
			c.out.ClearSource()
			return ms, true
		case <-ticker.C:
		}
	}
}

// drainSeek does a non-blocking check for a pending seek request.
func drainSeek(ch <-chan uint64) (uint64, bool) {
	select {
	case ms := <-ch:
		return ms, true
	default:
		return 0, false
	}
}
