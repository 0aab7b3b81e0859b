package audio

// YIN fundamental frequency estimation (de Cheveigné & Kawahara, 2002).

const (
	yinThreshold = 0.15
	minPitchHz   = 50.0
	maxPitchHz   = 1000.0
)

// yinPitch estimates the fundamental of frame in Hz. It reports false for
// unvoiced or silent frames.
func yinPitch(frame []float32, sampleRate int) (float64, bool) {
	half := len(frame) / 2
	maxTau := min(half, int(float64(sampleRate)/minPitchHz))
	minTau := max(2, int(float64(sampleRate)/maxPitchHz))
	if maxTau <= minTau+1 {
		return 0, false
	}

	cmnd := make([]float64, maxTau+1)
	cmnd[0] = 1
	var running float64
	for tau := 1; tau <= maxTau; tau++ {
		var d float64
		for i := range half {
			delta := float64(frame[i]) - float64(frame[i+tau])
			d += delta * delta
		}
		running += d
		if running == 0 {
			cmnd[tau] = 1
			continue
		}
		cmnd[tau] = d * float64(tau) / running
	}

	tau := -1
	for t := minTau; t <= maxTau; t++ {
		if cmnd[t] >= yinThreshold {
			continue
		}
		for t+1 <= maxTau && cmnd[t+1] < cmnd[t] {
			t++
		}
		tau = t
		break
	}
	if tau < 0 {
		return 0, false
	}

	period := float64(tau)
	if tau > 1 && tau < maxTau {
		s0, s1, s2 := cmnd[tau-1], cmnd[tau], cmnd[tau+1]
		if den := 2 * (2*s1 - s2 - s0); den != 0 {
			period += (s2 - s0) / den
		}
	}
	if period <= 0 {
		return 0, false
	}
	return float64(sampleRate) / period, true
}
