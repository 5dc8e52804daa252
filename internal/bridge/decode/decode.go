// Package decode implements the decode stage (C5): it streams the spooled
// file into the source sample queue as fast as it can be decoded, treating
// demuxer/decode errors encountered before the spool is marked done as
// "not enough data yet" rather than a terminal failure, and errors
// encountered after done as end of stream.
package decode

import (
	"errors"
	"log/slog"
	"time"

	"github.com/drgolem/audio-bridge/pkg/decoders"
	"github.com/drgolem/audio-bridge/pkg/queue"
	"github.com/drgolem/audio-bridge/pkg/source"
	"github.com/drgolem/audio-bridge/pkg/types"
)

const (
	decodeChunkFrames = 4096
	openRetryDelay    = 20 * time.Millisecond
	openRetryTimeout  = 10 * time.Second
)

// Format is the probed source format, reported upstream as a track-info
// frame.
type Format struct {
	SampleRate int
	Channels   int
	BitsPerSample int
}

// Run opens a decoder for ext against path once enough header bytes exist
// (retrying while progress is still advancing and not yet done), then
// streams decoded frames until EOF, cancellation, or the destination queue
// is closed externally.
//
// newDst is invoked exactly once, as soon as the format is known, and must
// return the destination queue to push decoded samples into (its channel
// count must match Format.Channels) — the caller typically sizes this
// queue from the now-known sample rate/channel count and also uses this
// callback's moment to emit a track-info frame. Run closes the returned
// queue when it returns, in all cases.
func Run(ext, path string, progress *source.Progress, cancelled func() bool, newDst func(Format) *queue.SampleQueue) error {
	return run(ext, path, progress, cancelled, 0, newDst)
}

// RunSeek behaves like Run but first discards seekMs worth of decoded
// frames (computed against the probed sample rate) before the first Push,
// implementing seek as decode-and-discard: none of the wired decoders
// expose a native seek primitive, so resuming mid-track means decoding
// from the start and throwing away samples before the target.
func RunSeek(ext, path string, progress *source.Progress, cancelled func() bool, seekMs uint64, newDst func(Format) *queue.SampleQueue) error {
	return run(ext, path, progress, cancelled, seekMs, newDst)
}

func run(ext, path string, progress *source.Progress, cancelled func() bool, seekMs uint64, newDst func(Format) *queue.SampleQueue) error {
	dec, err := openWithRetry(ext, path, progress, cancelled)
	if err != nil {
		return err
	}
	defer dec.Close()

	rate, channels, bps := dec.GetFormat()
	dst := newDst(Format{SampleRate: rate, Channels: channels, BitsPerSample: bps})
	defer dst.Close()

	bytesPerSample := bps / 8
	if bytesPerSample <= 0 {
		bytesPerSample = 2
	}
	buf := make([]byte, decodeChunkFrames*channels*bytesPerSample)
	floatBuf := make([]float32, decodeChunkFrames*channels)

	skipFrames := seekMs * uint64(rate) / 1000

	for {
		if cancelled != nil && cancelled() {
			return nil
		}
		n, err := dec.DecodeSamples(decodeChunkFrames, buf)
		if n > 0 {
			samplesToFloat32(buf, floatBuf[:n*channels], bytesPerSample)
			frames := floatBuf[:n*channels]
			if skipFrames > 0 {
				skip := skipFrames
				if skip > uint64(n) {
					skip = uint64(n)
				}
				skipFrames -= skip
				frames = frames[skip*uint64(channels):]
			}
			if len(frames) > 0 && !dst.Push(frames) {
				return nil // destination closed externally
			}
		}
		if err != nil {
			if progress.IsDone() {
				return nil // real end of stream
			}
			if n == 0 {
				// Demuxer/decoder ran out of currently-written bytes before
				// the spool is done: treat as "not enough data yet" and
				// retry shortly, mirroring the original's treatment of
				// packet-read errors as soft EOF only once truly done.
				time.Sleep(openRetryDelay)
			}
		}
	}
}

func openWithRetry(ext, path string, progress *source.Progress, cancelled func() bool) (types.AudioDecoder, error) {
	deadline := time.Now().Add(openRetryTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if cancelled != nil && cancelled() {
			return nil, errors.New("decode: cancelled before open")
		}
		dec, err := decoders.NewDecoderForExt(ext, path)
		if err == nil {
			return dec, nil
		}
		lastErr = err
		if progress.IsDone() {
			break
		}
		slog.Default().Debug("decode: waiting for more header bytes", "error", err)
		time.Sleep(openRetryDelay)
	}
	return nil, lastErr
}

// samplesToFloat32 converts n interleaved PCM samples (little-endian,
// bytesPerSample wide) from buf into normalized [-1,1] float32 in out.
func samplesToFloat32(buf []byte, out []float32, bytesPerSample int) {
	switch bytesPerSample {
	case 2:
		for i := range out {
			off := i * 2
			v := int16(uint16(buf[off]) | uint16(buf[off+1])<<8)
			out[i] = float32(v) / 32768.0
		}
	case 1:
		for i := range out {
			out[i] = (float32(buf[i]) - 128) / 128.0
		}
	case 3:
		for i := range out {
			off := i * 3
			v := int32(buf[off]) | int32(buf[off+1])<<8 | int32(buf[off+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			out[i] = float32(v) / 8388608.0
		}
	case 4:
		for i := range out {
			off := i * 4
			v := int32(uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24)
			out[i] = float32(v) / 2147483648.0
		}
	default:
		for i := range out {
			out[i] = 0
		}
	}
}
