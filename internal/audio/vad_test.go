package audio

import (
	"testing"
	"time"
)

func TestDetectSpeech(t *testing.T) {
	t.Parallel()

	rate := AnalysisRate
	var samples []float32
	samples = append(samples, make([]float32, rate/2)...)       // 0.5 s silence
	samples = append(samples, sine(180, 0.4, rate, rate)...)    // 1 s tone
	samples = append(samples, make([]float32, rate)...)         // 1 s silence
	samples = append(samples, sine(180, 0.4, rate, rate/20)...) // 50 ms blip
	samples = append(samples, make([]float32, rate/2)...)

	act := DetectSpeech(&Track{Samples: samples, SampleRate: rate}, DefaultVADConfig())
	if len(act.Segments) != 1 {
		t.Fatalf("segments = %+v, want exactly one (blip below minimum)", act.Segments)
	}
	seg := act.Segments[0]
	if seg.Start < 480*time.Millisecond || seg.Start > 520*time.Millisecond {
		t.Errorf("segment start = %v, want ~500ms", seg.Start)
	}
	if seg.End < 1480*time.Millisecond || seg.End > 1520*time.Millisecond {
		t.Errorf("segment end = %v, want ~1.5s", seg.End)
	}
	if act.Ratio < 0.3 || act.Ratio > 0.34 {
		t.Errorf("speech ratio = %v, want ~1/3.05", act.Ratio)
	}
}

func TestDetectSpeechFlushesTrailingSpeech(t *testing.T) {
	t.Parallel()

	rate := AnalysisRate
	samples := append(make([]float32, rate/4), sine(300, 0.4, rate, rate/2)...)
	act := DetectSpeech(&Track{Samples: samples, SampleRate: rate}, DefaultVADConfig())
	if len(act.Segments) != 1 {
		t.Fatalf("segments = %+v, want trailing speech flushed", act.Segments)
	}
}
