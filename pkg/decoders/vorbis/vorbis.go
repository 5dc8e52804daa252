// Package vorbis wraps jfreymuth/oggvorbis (and the jfreymuth/vorbis codec
// it depends on) to provide Ogg Vorbis decoding, in the same shape as the
// sibling flac/mp3/wav decoder packages. Implements types.AudioDecoder.
package vorbis

import (
	"fmt"
	"math"
	"os"

	"github.com/jfreymuth/oggvorbis"
)

// Decoder wraps an oggvorbis.Reader, converting its float32 output to
// 16-bit PCM to match the sibling decoders' byte-buffer convention.
type Decoder struct {
	file     *os.File
	reader   *oggvorbis.Reader
	rate     int
	channels int
	bps      int

	floatBuf []float32
}

func NewDecoder() *Decoder {
	return &Decoder{bps: 16}
}

func (d *Decoder) Open(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("failed to open ogg file: %w", err)
	}
	r, err := oggvorbis.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to init vorbis decoder: %w", err)
	}

	d.file = f
	d.reader = r
	d.rate = r.SampleRate()
	d.channels = r.Channels()
	return nil
}

func (d *Decoder) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

func (d *Decoder) GetFormat() (rate, channels, bitsPerSample int) {
	return d.rate, d.channels, d.bps
}

// DecodeSamples decodes up to `samples` frames into audio as interleaved
// little-endian 16-bit PCM.
func (d *Decoder) DecodeSamples(samples int, audio []byte) (int, error) {
	if d.reader == nil {
		return 0, fmt.Errorf("decoder not initialized")
	}

	need := samples * d.channels
	if cap(d.floatBuf) < need {
		d.floatBuf = make([]float32, need)
	}
	buf := d.floatBuf[:need]

	n, err := d.reader.Read(buf)
	if n <= 0 {
		return 0, err
	}

	frames := n / d.channels
	for i := 0; i < frames*d.channels; i++ {
		v := buf[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(math.Round(float64(v) * 32767))
		off := i * 2
		if off+2 > len(audio) {
			break
		}
		audio[off] = byte(s & 0xFF)
		audio[off+1] = byte((s >> 8) & 0xFF)
	}
	return frames, err
}
