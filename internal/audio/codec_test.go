package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	wavBytes := SamplesToWAV(make([]float32, 8), 8000)
	tests := []struct {
		name     string
		data     []byte
		mime     string
		filename string
		want     Format
	}{
		{"riff header wins", wavBytes, "audio/mpeg", "x.mp3", FormatWAV},
		{"id3 header", []byte("ID3\x04\x00"), "", "", FormatMP3},
		{"mime with params", []byte{1, 2, 3, 4}, "audio/L16; rate=16000", "", FormatPCM},
		{"mulaw mime", []byte{0x7f}, "audio/basic", "", FormatG711Ulaw},
		{"extension fallback", []byte{0x00}, "application/octet-stream", "call.AL", FormatG711Alaw},
		{"unknown", []byte{0x00}, "audio/ogg", "voice.ogg", FormatUnknown},
		{"declared mulaw beats frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "audio/basic", "call.ul", FormatG711Ulaw},
		{"declared pcm beats frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "", "rec.raw", FormatPCM},
		{"bare mpeg frame", []byte{0xFF, 0xFB, 0x90, 0x64}, "", "", FormatMP3},
		{"sync with reserved fields", []byte{0xFF, 0xFF, 0xFF, 0xFF}, "", "", FormatUnknown},
		{"sync with free bitrate", []byte{0xFF, 0xFB, 0x00, 0x00}, "", "", FormatUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectFormat(tc.data, tc.mime, tc.filename); got != tc.want {
				t.Fatalf("format = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	t.Parallel()

	in := sine(440, 0.5, 22050, 2205)
	tr, err := Decode(SamplesToWAV(in, 22050), "audio/wav", "tone.wav")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tr.SampleRate != 22050 || len(tr.Samples) != len(in) {
		t.Fatalf("decoded %d samples at %d Hz, want %d at 22050", len(tr.Samples), tr.SampleRate, len(in))
	}
	for i := range in {
		if math.Abs(float64(tr.Samples[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, tr.Samples[i], in[i])
		}
	}
	if math.Abs(tr.Seconds()-0.1) > 1e-9 {
		t.Fatalf("seconds = %v, want 0.1", tr.Seconds())
	}
}

func TestDecodeG711(t *testing.T) {
	t.Parallel()

	tr, err := Decode([]byte{0xFF, 0xFF, 0x00, 0x80}, "audio/basic", "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tr.SampleRate != 8000 || len(tr.Samples) != 4 {
		t.Fatalf("got %d samples at %d Hz", len(tr.Samples), tr.SampleRate)
	}
	if tr.Samples[0] != 0 {
		t.Errorf("0xFF should decode to silence, got %v", tr.Samples[0])
	}
	if tr.Samples[2] >= 0 || tr.Samples[3] <= 0 {
		t.Errorf("sign bits decoded wrong: %v", tr.Samples)
	}
}

func TestDecodeSilentHeaderless(t *testing.T) {
	t.Parallel()

	silence := bytes.Repeat([]byte{0xFF}, 1600)
	tests := []struct {
		mime     string
		filename string
		format   Format
		rate     int
		samples  int
	}{
		{"audio/basic", "call.ul", FormatG711Ulaw, 8000, 1600},
		{"audio/pcm", "rec.raw", FormatPCM, DefaultPCMRate, 800},
		{"application/octet-stream", "rec.pcm", FormatPCM, DefaultPCMRate, 800},
	}
	for _, tc := range tests {
		tr, err := Decode(silence, tc.mime, tc.filename)
		if err != nil {
			t.Fatalf("Decode(%s, %s): %v", tc.mime, tc.filename, err)
		}
		if tr.Format != tc.format || tr.SampleRate != tc.rate || len(tr.Samples) != tc.samples {
			t.Errorf("%s: got %s, %d samples at %d Hz", tc.filename, tr.Format, len(tr.Samples), tr.SampleRate)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	if _, err := Decode(nil, "audio/wav", "x.wav"); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := Decode([]byte("OggS...."), "audio/ogg", "x.ogg"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := Decode([]byte("RIFF\x00\x00\x00\x00WAVEjunk"), "audio/wav", "x.wav"); err == nil {
		t.Error("expected error for truncated wav")
	}
}

func TestIsAudioMIME(t *testing.T) {
	t.Parallel()

	for mt, want := range map[string]bool{
		"audio/wav":                true,
		"Audio/MPEG":               true,
		"audio/webm;codecs=opus":   true,
		"video/mp4":                false,
		"":                         false,
		"application/octet-stream": false,
	} {
		if got := IsAudioMIME(mt); got != want {
			t.Errorf("IsAudioMIME(%q) = %v, want %v", mt, got, want)
		}
	}
}
