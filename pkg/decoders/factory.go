package decoders

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/drgolem/audio-bridge/pkg/decoders/flac"
	"github.com/drgolem/audio-bridge/pkg/decoders/mp3"
	"github.com/drgolem/audio-bridge/pkg/decoders/vorbis"
	"github.com/drgolem/audio-bridge/pkg/decoders/wav"
	"github.com/drgolem/audio-bridge/pkg/types"
)

// NewDecoder creates and opens the appropriate decoder based on file extension.
// Supports .mp3, .flac, .fla, .wav, and .ogg formats.
// Returns an opened decoder ready for use, or an error if the format is unsupported
// or the file cannot be opened.
func NewDecoder(fileName string) (types.AudioDecoder, error) {
	ext := strings.ToLower(filepath.Ext(fileName))

	var decoder types.AudioDecoder

	switch ext {
	case ".mp3":
		decoder = mp3.NewDecoder()
	case ".flac", ".fla":
		decoder = flac.NewDecoder()
	case ".wav":
		decoder = wav.NewDecoder()
	case ".ogg":
		decoder = vorbis.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .mp3, .flac, .fla, .wav, .ogg)", ext)
	}

	if err := decoder.Open(fileName); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fileName, err)
	}

	return decoder, nil
}

// NewDecoderForExt is like NewDecoder but dispatches on an explicit format
// hint rather than the file's own name — used by the bridge receiver, whose
// spool files are named by upload time, not by format.
func NewDecoderForExt(ext, fileName string) (types.AudioDecoder, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	var decoder types.AudioDecoder
	switch ext {
	case "mp3":
		decoder = mp3.NewDecoder()
	case "flac", "fla":
		decoder = flac.NewDecoder()
	case "wav":
		decoder = wav.NewDecoder()
	case "ogg":
		decoder = vorbis.NewDecoder()
	default:
		return nil, fmt.Errorf("unsupported format hint: %q", ext)
	}

	if err := decoder.Open(fileName); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fileName, err)
	}
	return decoder, nil
}
