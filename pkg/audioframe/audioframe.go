package audioframe

import (
	"encoding/binary"
	"fmt"
)

type FrameFormat struct {
	SampleRate    uint32 // Sample rate in Hz (max 384,000)
	Channels      uint8  // Number of channels (max 10)
	BitsPerSample uint8  // Bits per sample (max 64)
}

type AudioFrame struct {
	Format       FrameFormat
	SamplesCount uint16 // Number of samples (max 65,535)
	Audio        []byte // Raw audio data (last field for better memory layout)
}

const frameHeaderSize = 12 // sample_rate(4) + channels(1) + bits(1) + samples_count(2) + audio_len(4)

// Marshal serializes AudioFrame as a 12-byte little-endian header followed
// by the raw audio bytes.
func (af *AudioFrame) Marshal() []byte {
	buf := make([]byte, frameHeaderSize+len(af.Audio))

	binary.LittleEndian.PutUint32(buf[0:4], af.Format.SampleRate)
	buf[4] = af.Format.Channels
	buf[5] = af.Format.BitsPerSample
	binary.LittleEndian.PutUint16(buf[6:8], af.SamplesCount)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(af.Audio)))
	copy(buf[12:], af.Audio)

	return buf
}

// Unmarshal decodes a Marshal-produced byte slice back into af.
func (af *AudioFrame) Unmarshal(data []byte) error {
	if len(data) < frameHeaderSize {
		return fmt.Errorf("buffer too small: got %d bytes, need at least %d bytes", len(data), frameHeaderSize)
	}

	af.Format.SampleRate = binary.LittleEndian.Uint32(data[0:4])
	af.Format.Channels = data[4]
	af.Format.BitsPerSample = data[5]
	af.SamplesCount = binary.LittleEndian.Uint16(data[6:8])
	audioLen := int(binary.LittleEndian.Uint32(data[8:12]))

	if len(data) < frameHeaderSize+audioLen {
		return fmt.Errorf("buffer too small for audio data: got %d bytes, need %d bytes", len(data), frameHeaderSize+audioLen)
	}

	af.Audio = make([]byte, audioLen)
	copy(af.Audio, data[12:12+audioLen])

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler interface
func (af *AudioFrame) MarshalBinary() ([]byte, error) {
	return af.Marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler interface
func (af *AudioFrame) UnmarshalBinary(data []byte) error {
	return af.Unmarshal(data)
}
