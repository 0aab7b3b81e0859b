package audio

import "math"

// FrameSize is the analysis window in samples at AnalysisRate (64 ms).
const FrameSize = 1024

// silenceRMS is the level below which a frame is treated as silent.
const silenceRMS = 1e-4

// Metrics are the acoustic features of one analysis frame. Nil fields are
// unavailable for that frame.
type Metrics struct {
	VolumeDB *float64 `json:"volumeDb" yaml:"volumeDb"`
	PitchHz  *float64 `json:"pitchHz" yaml:"pitchHz"`
	Jitter   *float64 `json:"jitter" yaml:"jitter"`
	Energy   *float64 `json:"energy" yaml:"energy"`
}

// FrameAnalyzer extracts Metrics from successive frames. It remembers the
// last voiced pitch so jitter can be computed across unvoiced gaps.
type FrameAnalyzer struct {
	sampleRate int
	lastPitch  *float64
}

// NewFrameAnalyzer creates an analyzer for frames at sampleRate.
func NewFrameAnalyzer(sampleRate int) *FrameAnalyzer {
	return &FrameAnalyzer{sampleRate: sampleRate}
}

// Reset forgets pitch history.
func (a *FrameAnalyzer) Reset() { a.lastPitch = nil }

// Analyze computes RMS energy, volume in dBFS, YIN pitch and jitter.
func (a *FrameAnalyzer) Analyze(frame []float32) Metrics {
	if len(frame) == 0 {
		return Metrics{}
	}
	rms := computeRMS(frame)
	m := Metrics{Energy: &rms}
	if rms < silenceRMS {
		return m
	}
	db := 20 * math.Log10(rms)
	m.VolumeDB = &db

	if hz, ok := yinPitch(frame, a.sampleRate); ok {
		m.PitchHz = &hz
	}
	if m.PitchHz != nil && a.lastPitch != nil && *a.lastPitch > 0 {
		j := math.Abs(*m.PitchHz-*a.lastPitch) / *a.lastPitch
		m.Jitter = &j
	}
	if m.PitchHz != nil {
		a.lastPitch = m.PitchHz
	}
	return m
}

// Profile summarises a whole track frame by frame.
type Profile struct {
	Frames     int      `json:"frames" yaml:"frames"`
	MeanEnergy *float64 `json:"meanEnergy" yaml:"meanEnergy"`
	MeanPitch  *float64 `json:"meanPitchHz" yaml:"meanPitchHz"`
	MeanJitter *float64 `json:"meanJitter" yaml:"meanJitter"`
	PeakDB     *float64 `json:"peakDb" yaml:"peakDb"`
}

// Analyze runs the frame analyzer across the track at AnalysisRate.
func (t *Track) Analyze() Profile {
	src := t.AtRate(AnalysisRate)
	a := NewFrameAnalyzer(AnalysisRate)

	var (
		p                  Profile
		energy, pitch, jit mean
	)
	peak := math.Inf(-1)
	for off := 0; off+FrameSize <= len(src.Samples); off += FrameSize {
		m := a.Analyze(src.Samples[off : off+FrameSize])
		p.Frames++
		energy.add(m.Energy)
		pitch.add(m.PitchHz)
		jit.add(m.Jitter)
		if m.VolumeDB != nil && *m.VolumeDB > peak {
			peak = *m.VolumeDB
		}
	}
	p.MeanEnergy, p.MeanPitch, p.MeanJitter = energy.value(), pitch.value(), jit.value()
	if !math.IsInf(peak, -1) {
		p.PeakDB = &peak
	}
	return p
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m *mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

func computeRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
