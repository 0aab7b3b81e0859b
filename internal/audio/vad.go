package audio

import (
	"math"
	"time"
)

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB float64
	Hangover          time.Duration
	MinSpeechDuration time.Duration
	FrameDuration     time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for close-talk voice recordings.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		Hangover:          300 * time.Millisecond,
		MinSpeechDuration: 250 * time.Millisecond,
		FrameDuration:     20 * time.Millisecond,
		SampleRate:        AnalysisRate,
	}
}

// Segment is a detected stretch of speech, in track time.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// VAD is an energy-gated speech detector driven by sample counts rather
// than wall time, so it can run over a recording faster than real time.
type VAD struct {
	cfg           VADConfig
	pos           int // samples consumed
	isSpeech      bool
	speechStart   int
	lastSpeechEnd int
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

// VADResult holds the output of processing an audio chunk.
type VADResult struct {
	SpeechEnded bool
	Segment     Segment
}

// Process feeds a chunk into the VAD and reports a completed speech segment.
func (v *VAD) Process(samples []float32) VADResult {
	start := v.pos
	v.pos += len(samples)

	if computeEnergyDB(samples) >= v.cfg.SpeechThresholdDB {
		if !v.isSpeech {
			v.isSpeech = true
			v.speechStart = start
		}
		v.lastSpeechEnd = v.pos
		return VADResult{}
	}

	if !v.isSpeech || v.pos-v.lastSpeechEnd < v.samples(v.cfg.Hangover) {
		return VADResult{}
	}
	return v.close()
}

// Flush closes any open segment at the current position.
func (v *VAD) Flush() VADResult {
	if !v.isSpeech {
		return VADResult{}
	}
	return v.close()
}

func (v *VAD) close() VADResult {
	v.isSpeech = false
	if v.lastSpeechEnd-v.speechStart < v.samples(v.cfg.MinSpeechDuration) {
		return VADResult{}
	}
	return VADResult{SpeechEnded: true, Segment: Segment{
		Start: v.duration(v.speechStart),
		End:   v.duration(v.lastSpeechEnd),
	}}
}

func (v *VAD) samples(d time.Duration) int {
	return int(d.Seconds() * float64(v.cfg.SampleRate))
}

func (v *VAD) duration(n int) time.Duration {
	return time.Duration(float64(n) / float64(v.cfg.SampleRate) * float64(time.Second))
}

// SpeechActivity summarises where speech occurs in a track.
type SpeechActivity struct {
	Segments []Segment `json:"segments"`
	Ratio    float64   `json:"speechRatio"`
}

// DetectSpeech runs the VAD across the whole track.
func DetectSpeech(t *Track, cfg VADConfig) SpeechActivity {
	src := t.AtRate(cfg.SampleRate)
	frame := max(1, int(cfg.FrameDuration.Seconds()*float64(cfg.SampleRate)))
	v := NewVAD(cfg)

	var act SpeechActivity
	var speech time.Duration
	collect := func(r VADResult) {
		if !r.SpeechEnded {
			return
		}
		act.Segments = append(act.Segments, r.Segment)
		speech += r.Segment.End - r.Segment.Start
	}
	for off := 0; off < len(src.Samples); off += frame {
		collect(v.Process(src.Samples[off:min(off+frame, len(src.Samples))]))
	}
	collect(v.Flush())

	if total := src.Duration(); total > 0 {
		act.Ratio = float64(speech) / float64(total)
	}
	return act
}

func computeEnergyDB(samples []float32) float64 {
	rms := computeRMS(samples)
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
