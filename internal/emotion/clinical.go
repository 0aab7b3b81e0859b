package emotion

import "math"

// ClinicalProxies are non-diagnostic indicators on a 0-100 scale.
// A nil field means the indicator cannot be computed from the inputs.
type ClinicalProxies struct {
	DepressionRisk *float64 `json:"depressionRisk" yaml:"depressionRisk"`
	AnxietyScore   *float64 `json:"anxietyScore" yaml:"anxietyScore"`
	ManiaScore     *float64 `json:"maniaScore" yaml:"maniaScore"`
	EnergyLevel    *float64 `json:"energyLevel" yaml:"energyLevel"`
}

type weighted struct {
	label  string
	weight float64
}

var (
	depressionRisk = []weighted{
		{"Sadness", 3}, {"Tiredness", 2}, {"Boredom", 1.5}, {"Disappointment", 1.5},
		{"Guilt", 1}, {"Shame", 1}, {"Contemplation", 0.5},
	}
	depressionProtective = []weighted{
		{"Joy", 2}, {"Interest", 1.5}, {"Excitement", 1}, {"Amusement", 1},
	}
	anxietyFactors = []weighted{
		{"Anxiety", 4}, {"Fear", 3}, {"Distress", 2.5}, {"Horror", 2},
		{"Confusion", 1.5}, {"Awkwardness", 1}, {"Surprise", 0.5},
	}
	maniaFactors = []weighted{
		{"Excitement", 3}, {"Triumph", 2.5}, {"Anger", 2}, {"Amusement", 1.5},
		{"Determination", 1.5}, {"Pride", 1}, {"Desire", 1},
	}
	maniaDampening = []weighted{
		{"Calmness", 2}, {"Sadness", 1.5}, {"Tiredness", 1.5},
	}
	highArousal = []weighted{
		{"Excitement", 3}, {"Interest", 2.5}, {"Anger", 2}, {"Fear", 2},
		{"Determination", 1.5}, {"Surprise", 1},
	}
	lowArousal = []weighted{
		{"Tiredness", 3}, {"Boredom", 2.5}, {"Calmness", 2}, {"Sadness", 1.5}, {"Contemplation", 1},
	}
	positiveValence = []weighted{
		{"Joy", 3}, {"Amusement", 2}, {"Love", 2}, {"Interest", 1.5}, {"Satisfaction", 1.5},
		{"Admiration", 1}, {"Calmness", 1}, {"Pride", 1},
	}
	negativeValence = []weighted{
		{"Sadness", 3}, {"Anger", 2.5}, {"Fear", 2}, {"Disgust", 2}, {"Distress", 1.5},
		{"Anxiety", 1.5}, {"Shame", 1},
	}
)

const (
	protectiveBuffer = 0.4
	maniaDamping     = 0.3
	lowArousalWeight = 0.5
	arousalBaseline  = 0.5
	humeEnergyShare  = 0.6
	localEnergyShare = 0.4
	localEnergyGain  = 5.0
	localOnlyGain    = 300.0
)

// MapClinicalProxies derives depression, anxiety, mania and energy
// indicators from emotion scores and the local RMS energy of the current
// frame. Without scores only energy is produced, from local audio.
func MapClinicalProxies(scores *Scores, localEnergy *float64) ClinicalProxies {
	local, hasLocal := finitePtr(localEnergy)

	if scores.Empty() {
		var energy *float64
		if hasLocal {
			energy = ptr(clamp100(local * localOnlyGain))
		}
		return ClinicalProxies{EnergyLevel: energy}
	}

	depression := clamp100((weightedAvg(scores, depressionRisk) - protectiveBuffer*weightedAvg(scores, depressionProtective)) * 100)
	anxiety := clamp100(weightedAvg(scores, anxietyFactors) * 100)
	mania := clamp100((weightedAvg(scores, maniaFactors) - maniaDamping*weightedAvg(scores, maniaDampening)) * 100)

	humeEnergy := weightedAvg(scores, highArousal) - lowArousalWeight*weightedAvg(scores, lowArousal) + arousalBaseline
	energy := clamp100(humeEnergy * 100)
	if hasLocal {
		scaled := math.Min(1, local*localEnergyGain)
		energy = clamp100((humeEnergy*humeEnergyShare + scaled*localEnergyShare) * 100)
	}

	return ClinicalProxies{
		DepressionRisk: ptr(depression),
		AnxietyScore:   ptr(anxiety),
		ManiaScore:     ptr(mania),
		EnergyLevel:    ptr(energy),
	}
}

// ComputeValence returns pleasantness on 0-100 with 50 as neutral. An
// explicit positive valence value takes precedence over the weighted
// positive/negative balance.
func ComputeValence(scores *Scores) *float64 {
	if scores.Empty() {
		return nil
	}
	if v, ok := scores.Lookup(KeyValence); ok && v > 0 {
		return ptr(clamp100(v * 100))
	}
	pos := weightedAvg(scores, positiveValence)
	neg := weightedAvg(scores, negativeValence)
	return ptr(clamp100(50 + (pos-neg)*50))
}

// ExtractDominantEmotion returns the highest-scoring non-reserved label.
// On ties the label seen first wins.
func ExtractDominantEmotion(scores *Scores) *string {
	var (
		best  string
		top   float64
		found bool
	)
	for _, p := range scores.Emotions() {
		if math.IsNaN(p.Score) || math.IsInf(p.Score, 0) {
			continue
		}
		if !found || p.Score > top {
			best, top, found = p.Label, p.Score, true
		}
	}
	if !found {
		return nil
	}
	return &best
}

func weightedAvg(scores *Scores, factors []weighted) float64 {
	var sum, total float64
	for _, f := range factors {
		sum += scores.Get(f.label) * f.weight
		total += f.weight
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func clamp100(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func finitePtr(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

func ptr[T any](v T) *T { return &v }
