package audio

import (
	"math"
	"sync"
)

// AnalysisRate is the sample rate all frame features are computed at.
const AnalysisRate = 16000

// AtRate returns the track at rate, resampling a copy when needed.
func (t *Track) AtRate(rate int) *Track {
	if t.SampleRate == rate {
		return t
	}
	return &Track{
		Samples:    Resample(t.Samples, t.SampleRate, rate),
		SampleRate: rate,
		Format:     t.Format,
	}
}

type ratePair struct{ src, dst int }

// filters caches one anti-aliasing kernel per rate pair; uploads tend to
// arrive at a handful of rates.
var filters sync.Map // ratePair -> []float32

// Resample converts samples from srcRate to dstRate. A windowed-sinc
// low-pass runs at the higher of the two rates (before decimation, after
// interpolation) and linear interpolation does the rate change.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	kernel := filterFor(srcRate, dstRate)
	if srcRate > dstRate {
		samples = convolve(samples, kernel)
	}
	step := float64(srcRate) / float64(dstRate)
	n := int(float64(len(samples)) / step)
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		f := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*f
	}
	if dstRate > srcRate {
		out = convolve(out, kernel)
	}
	return out
}

func filterFor(srcRate, dstRate int) []float32 {
	key := ratePair{srcRate, dstRate}
	if k, ok := filters.Load(key); ok {
		return k.([]float32)
	}
	hi, lo := max(srcRate, dstRate), min(srcRate, dstRate)
	// Wider conversions need a sharper transition band.
	taps := 8*int(math.Ceil(float64(hi)/float64(lo))) + 15
	k := blackmanSinc(float64(lo)/2/float64(hi), taps)
	filters.Store(key, k)
	return k
}

// blackmanSinc builds an odd-length unity-gain low-pass kernel with
// normalized cutoff fc (cycles per sample).
func blackmanSinc(fc float64, taps int) []float32 {
	if taps%2 == 0 {
		taps++
	}
	mid := taps / 2
	denom := float64(taps - 1)
	raw := make([]float64, taps)
	var sum float64
	for i := range raw {
		x := float64(i - mid)
		v := 2 * fc
		if x != 0 {
			v = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		v *= 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/denom) + 0.08*math.Cos(4*math.Pi*float64(i)/denom)
		raw[i] = v
		sum += v
	}
	kernel := make([]float32, taps)
	for i, v := range raw {
		kernel[i] = float32(v / sum)
	}
	return kernel
}

// convolve applies a centered FIR; taps falling outside the signal are
// treated as zero.
func convolve(x, kernel []float32) []float32 {
	mid := len(kernel) / 2
	y := make([]float32, len(x))
	for i := range y {
		var acc float32
		lo := max(0, i-mid)
		hi := min(len(x)-1, i+mid)
		for j := lo; j <= hi; j++ {
			acc += x[j] * kernel[j-i+mid]
		}
		y[i] = acc
	}
	return y
}
