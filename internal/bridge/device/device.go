// Package device implements the real-time device callback (C7): it drains
// the resampled destination queue on PortAudio's audio thread, converts
// interleaved float32 frames to the device's PCM sample format, performs
// channel up/down-mixing, and tracks underrun/played-frame counters.
//
// The callback itself must never block, allocate, log, or perform I/O —
// grounded directly on the teacher's internal/fileplayer.FilePlayer.audioCallback,
// adapted to pull from the blocking/non-blocking queue.SampleQueue instead
// of the lock-free AudioFrameRingBuffer, and to keep the PortAudio stream
// open across track boundaries instead of completing per file.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/drgolem/audio-bridge/pkg/queue"
	"github.com/drgolem/go-portaudio/portaudio"
)

// Output owns a single open PortAudio callback stream spanning the whole
// bridge session; tracks are switched underneath it by swapping the active
// source queue and channel count, never by closing the stream.
type Output struct {
	stream          *portaudio.PaStream
	deviceIndex     int
	framesPerBuffer int

	deviceChannels int
	sampleRate     float64

	src      atomic.Pointer[queue.SampleQueue]
	srcChans atomic.Int32

	underrunFrames atomic.Uint64
	underrunEvents atomic.Uint64
	playedFrames   atomic.Uint64

	// scratch is reused across callback invocations to avoid allocating on
	// the real-time path; sized for the largest frameCount PortAudio ever
	// requests (bounded by framesPerBuffer).
	scratch []float32
}

// New opens (but does not yet start producing audio for) a PortAudio output
// stream at deviceChannels/sampleRate. The stream stays open for the life of
// the Output; call SetSource to switch which queue it drains.
func New(deviceIndex, framesPerBuffer, deviceChannels int, sampleRate float64) (*Output, error) {
	o := &Output{
		deviceIndex:     deviceIndex,
		framesPerBuffer: framesPerBuffer,
		deviceChannels:  deviceChannels,
		sampleRate:      sampleRate,
		scratch:         make([]float32, framesPerBuffer*deviceChannels),
	}

	o.stream = &portaudio.PaStream{
		OutputParameters: &portaudio.PaStreamParameters{
			DeviceIndex:  deviceIndex,
			ChannelCount: deviceChannels,
			SampleFormat: portaudio.SampleFmtInt16,
		},
		SampleRate: sampleRate,
	}

	if err := o.stream.OpenCallback(framesPerBuffer, o.audioCallback); err != nil {
		return nil, fmt.Errorf("device: open stream: %w", err)
	}
	if err := o.stream.StartStream(); err != nil {
		return nil, fmt.Errorf("device: start stream: %w", err)
	}
	return o, nil
}

// SetSource switches the queue the callback drains, for the start of a new
// track. srcChannels is the resampled pipeline's channel count (which may
// differ from the device's own channel count; the callback mixes between
// them).
func (o *Output) SetSource(q *queue.SampleQueue, srcChannels int) {
	o.src.Store(q)
	o.srcChans.Store(int32(srcChannels))
}

// ClearSource stops draining any queue; the callback fills silence until a
// new source is set, keeping the device open across the gap between
// tracks.
func (o *Output) ClearSource() {
	o.src.Store(nil)
}

// Close stops and closes the underlying stream. The Output cannot be reused
// afterward.
func (o *Output) Close() error {
	if err := o.stream.StopStream(); err != nil {
		return err
	}
	return o.stream.CloseCallback()
}

// SampleRate returns the device's fixed output sample rate.
func (o *Output) SampleRate() float64 { return o.sampleRate }

// PlayedFrames returns the cumulative count of frames actually sent to the
// device (not merely buffered).
func (o *Output) PlayedFrames() uint64 { return o.playedFrames.Load() }

// UnderrunFrames returns the cumulative count of silence-filled frames.
func (o *Output) UnderrunFrames() uint64 { return o.underrunFrames.Load() }

// UnderrunEvents returns the count of distinct callback invocations that
// experienced at least one underrun frame.
func (o *Output) UnderrunEvents() uint64 { return o.underrunEvents.Load() }

// audioCallback runs on PortAudio's real-time thread. It must not block,
// allocate, or log.
func (o *Output) audioCallback(
	input, output []byte,
	frameCount uint,
	timeInfo *portaudio.StreamCallbackTimeInfo,
	statusFlags portaudio.StreamCallbackFlags,
) portaudio.StreamCallbackResult {
	n := int(frameCount)
	bytesPerDeviceSample := 2 // SampleFmtInt16
	bytesNeeded := n * o.deviceChannels * bytesPerDeviceSample

	q := o.src.Load()
	if q == nil {
		clear(output[:bytesNeeded])
		o.underrunFrames.Add(uint64(n))
		o.underrunEvents.Add(1)
		return portaudio.Continue
	}

	srcChans := int(o.srcChans.Load())
	if srcChans <= 0 {
		srcChans = o.deviceChannels
	}

	maxSrcFrames := cap(o.scratch) / srcChans
	if n > maxSrcFrames {
		n = maxSrcFrames
	}
	buf := o.scratch[:n*srcChans]

	samples, ok := q.TryPopUpTo(n)
	framesGot := len(samples) / srcChans
	if framesGot > 0 {
		copy(buf[:len(samples)], samples)
	}
	if framesGot < n {
		clear(buf[framesGot*srcChans : n*srcChans])
		shortfall := n - framesGot
		o.underrunFrames.Add(uint64(shortfall))
		o.underrunEvents.Add(1)
	}
	_ = ok

	bytesWritten := mixAndEncode(buf[:n*srcChans], srcChans, o.deviceChannels, output[:bytesNeeded])
	if bytesWritten < bytesNeeded {
		clear(output[bytesWritten:bytesNeeded])
	}
	o.playedFrames.Add(uint64(framesGot))

	if q.IsDoneAndEmpty() && framesGot == 0 {
		o.src.Store(nil)
	}

	return portaudio.Continue
}

// mixAndEncode converts n interleaved float32 source frames (srcChans
// channels) into little-endian int16 PCM at dstChans channels, applying the
// mandated up/down-mix rules: 1->1 and 2->2 pass through; 2->1 averages;
// 1->2 duplicates; any other combination clamps to the smaller channel
// count and leaves the rest silent.
func mixAndEncode(src []float32, srcChans, dstChans int, out []byte) int {
	frames := 0
	if srcChans > 0 {
		frames = len(src) / srcChans
	}
	written := 0
	for f := 0; f < frames; f++ {
		srcOff := f * srcChans
		dstOff := written

		switch {
		case srcChans == dstChans:
			for c := 0; c < dstChans; c++ {
				writeInt16(out, dstOff+c*2, src[srcOff+c])
			}
		case srcChans == 2 && dstChans == 1:
			avg := (src[srcOff] + src[srcOff+1]) / 2
			writeInt16(out, dstOff, avg)
		case srcChans == 1 && dstChans == 2:
			writeInt16(out, dstOff, src[srcOff])
			writeInt16(out, dstOff+2, src[srcOff])
		default:
			clampN := srcChans
			if dstChans < clampN {
				clampN = dstChans
			}
			for c := 0; c < clampN; c++ {
				writeInt16(out, dstOff+c*2, src[srcOff+c])
			}
			for c := clampN; c < dstChans; c++ {
				writeInt16(out, dstOff+c*2, 0)
			}
		}
		written += dstChans * 2
		if written > len(out) {
			written = len(out)
			break
		}
	}
	return written
}

func writeInt16(out []byte, offset int, v float32) {
	if offset+2 > len(out) {
		return
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	s := int16(v * 32767)
	out[offset] = byte(s & 0xFF)
	out[offset+1] = byte((s >> 8) & 0xFF)
}
