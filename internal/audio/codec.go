package audio

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

type Format string

const (
	FormatUnknown  Format = ""
	FormatWAV      Format = "wav"
	FormatMP3      Format = "mp3"
	FormatPCM      Format = "pcm"
	FormatG711Ulaw Format = "g711_ulaw"
	FormatG711Alaw Format = "g711_alaw"
)

// DefaultPCMRate is assumed for headerless 16-bit PCM uploads.
const DefaultPCMRate = 16000

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Track is a decoded mono recording normalized to [-1, 1].
type Track struct {
	Samples    []float32
	SampleRate int
	Format     Format
}

// Seconds returns the track length in seconds.
func (t *Track) Seconds() float64 {
	if t == nil || t.SampleRate == 0 {
		return 0
	}
	return float64(len(t.Samples)) / float64(t.SampleRate)
}

// Duration returns the track length.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.Seconds() * float64(time.Second))
}

// decoder turns encoded bytes into mono samples plus their sample rate.
type decoder func([]byte) ([]float32, int, error)

var decoders = map[Format]decoder{
	FormatWAV:      decodeWAV,
	FormatMP3:      decodeMP3,
	FormatPCM:      decodePCMTrack,
	FormatG711Ulaw: decodeUlawTrack,
	FormatG711Alaw: decodeAlawTrack,
}

func decodePCMTrack(b []byte) ([]float32, int, error) { return decodePCM(b), DefaultPCMRate, nil }
func decodeUlawTrack(b []byte) ([]float32, int, error) { return decodeG711Ulaw(b), 8000, nil }
func decodeAlawTrack(b []byte) ([]float32, int, error) { return decodeG711Alaw(b), 8000, nil }

var mimeFormats = map[string]Format{
	"audio/wav":      FormatWAV,
	"audio/x-wav":    FormatWAV,
	"audio/wave":     FormatWAV,
	"audio/vnd.wave": FormatWAV,
	"audio/mpeg":     FormatMP3,
	"audio/mp3":      FormatMP3,
	"audio/mpeg3":    FormatMP3,
	"audio/x-mpeg-3": FormatMP3,
	"audio/l16":      FormatPCM,
	"audio/pcm":      FormatPCM,
	"audio/basic":    FormatG711Ulaw,
	"audio/pcmu":     FormatG711Ulaw,
	"audio/pcma":     FormatG711Alaw,
}

var extFormats = map[string]Format{
	".wav":  FormatWAV,
	".wave": FormatWAV,
	".mp3":  FormatMP3,
	".pcm":  FormatPCM,
	".raw":  FormatPCM,
	".ul":   FormatG711Ulaw,
	".ulaw": FormatG711Ulaw,
	".al":   FormatG711Alaw,
	".alaw": FormatG711Alaw,
}

// DetectFormat picks a decoder from self-identifying container magic,
// then the declared MIME type, then the file extension. A bare MPEG frame
// header is only trusted when nothing was declared, since headerless
// G.711 and PCM routinely start with the same bit pattern.
func DetectFormat(data []byte, mimeType, filename string) Format {
	if f := sniffMagic(data); f != FormatUnknown {
		return f
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		if f, ok := mimeFormats[strings.ToLower(mt)]; ok {
			return f
		}
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}
	if isMPEGFrame(data) {
		return FormatMP3
	}
	return FormatUnknown
}

// IsAudioMIME reports whether mimeType names an audio media type.
func IsAudioMIME(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	return err == nil && strings.HasPrefix(strings.ToLower(mt), "audio/")
}

func sniffMagic(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3
	}
	return FormatUnknown
}

// isMPEGFrame checks the first four bytes for a plausible MPEG audio frame
// header: 11-bit sync, a defined version and layer, a usable bitrate index
// and a defined sample rate.
func isMPEGFrame(data []byte) bool {
	if len(data) < 4 || data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return false
	}
	version := data[1] >> 3 & 0x03
	layer := data[1] >> 1 & 0x03
	bitrate := data[2] >> 4
	rate := data[2] >> 2 & 0x03
	return version != 0x01 && layer != 0 && bitrate != 0 && bitrate != 0x0F && rate != 0x03
}

// Decode converts an uploaded recording to a mono Track.
func Decode(data []byte, mimeType, filename string) (*Track, error) {
	if len(data) == 0 {
		return nil, errors.New("decode: empty audio")
	}
	format := DetectFormat(data, mimeType, filename)
	dec, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: mime %q file %q", ErrUnsupportedFormat, mimeType, filename)
	}
	samples, rate, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	if len(samples) == 0 || rate <= 0 {
		return nil, fmt.Errorf("decode %s: no samples", format)
	}
	return &Track{Samples: samples, SampleRate: rate, Format: format}, nil
}
