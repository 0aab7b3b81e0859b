package emotion

import (
	"fmt"
	"math"
	"slices"
)

var (
	positiveLabels = labelSet("Joy", "Amusement", "Excitement", "Interest", "Satisfaction", "Love",
		"Admiration", "Calmness", "Relief", "Pride", "Triumph")
	negativeLabels = labelSet("Sadness", "Anxiety", "Fear", "Anger", "Disgust", "Distress",
		"Disappointment", "Shame", "Guilt", "Horror", "Pain")
	highEnergyLabels = labelSet("Excitement", "Anger", "Fear", "Amusement", "Surprise", "Triumph")
)

const (
	TopEmotionCount    = 5
	CloudEmotionCount  = 8
	activeThresholdPct = 3.0
)

// Ranked is an emotion with its share of total expression.
type Ranked struct {
	Label   string  `json:"name" yaml:"name"`
	Score   float64 `json:"score" yaml:"score"`
	Percent float64 `json:"percent" yaml:"percent"`
}

// Observation summarises the emotional mix in one sentence.
type Observation struct {
	Category string `json:"category" yaml:"category"`
	Text     string `json:"text" yaml:"text"`
}

// Stability describes pitch steadiness derived from jitter.
type Stability struct {
	Percent float64 `json:"percent" yaml:"percent"`
	Label   string  `json:"label" yaml:"label"`
}

// Summary is the dashboard insight block for one set of scores.
type Summary struct {
	Top            []Ranked     `json:"topEmotions" yaml:"topEmotions"`
	Cloud          []Ranked     `json:"cloud" yaml:"cloud"`
	Sentiment      float64      `json:"sentiment" yaml:"sentiment"`
	Mood           string       `json:"mood" yaml:"mood"`
	EnergyShare    float64      `json:"emotionalEnergy" yaml:"emotionalEnergy"`
	ActiveEmotions int          `json:"activeEmotions" yaml:"activeEmotions"`
	PositiveRatio  float64      `json:"positiveRatio" yaml:"positiveRatio"`
	Observation    *Observation `json:"keyObservation,omitempty" yaml:"keyObservation,omitempty"`
	Voice          *Stability   `json:"voiceStability,omitempty" yaml:"voiceStability,omitempty"`
}

// Rank returns positive-scoring emotions sorted by score, highest first,
// with each entry's percentage of the total. Equal scores keep map order.
func Rank(scores *Scores) []Ranked {
	var (
		out   []Ranked
		total float64
	)
	for _, p := range scores.Emotions() {
		if p.Score <= 0 {
			continue
		}
		out = append(out, Ranked{Label: p.Label, Score: p.Score})
		total += p.Score
	}
	slices.SortStableFunc(out, func(a, b Ranked) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	for i := range out {
		out[i].Percent = out[i].Score / total * 100
	}
	return out
}

// Insights computes the insight summary. It returns nil when scores carry
// no emotion data. jitter may be nil when no pitch has been tracked.
func Insights(scores *Scores, jitter *float64) *Summary {
	if scores.Empty() {
		return nil
	}
	ranked := Rank(scores)

	var pos, neg, high float64
	active := 0
	for _, r := range ranked {
		if positiveLabels[r.Label] {
			pos += r.Percent
		}
		if negativeLabels[r.Label] {
			neg += r.Percent
		}
		if highEnergyLabels[r.Label] {
			high += r.Percent
		}
		if r.Percent >= activeThresholdPct {
			active++
		}
	}

	s := &Summary{
		Top:            head(ranked, TopEmotionCount),
		Cloud:          head(ranked, CloudEmotionCount),
		EnergyShare:    high / 100,
		ActiveEmotions: active,
		PositiveRatio:  0.5,
		Voice:          VoiceStability(jitter),
	}
	if polar := pos + neg; polar > 0 {
		s.Sentiment = (pos - neg) / polar
		s.PositiveRatio = pos / polar
	}
	s.Mood = moodLabel(s.Sentiment)
	s.Observation = observe(ranked, s.Sentiment, s.EnergyShare)
	return s
}

// VoiceStability maps jitter to a 0-100 stability score.
func VoiceStability(jitter *float64) *Stability {
	j, ok := finitePtr(jitter)
	if !ok {
		return nil
	}
	pct := (1 - math.Max(0, math.Min(1, j))) * 100
	label := "Variable"
	switch {
	case pct > 80:
		label = "Very Stable"
	case pct > 50:
		label = "Moderate"
	}
	return &Stability{Percent: pct, Label: label}
}

func observe(ranked []Ranked, sentiment, energy float64) *Observation {
	if len(ranked) == 0 {
		return nil
	}
	dom := ranked[0].Label
	pct := math.Round(ranked[0].Percent)

	switch {
	case sentiment > 0.3 && energy > 0.2:
		return &Observation{"high_positive_energy", fmt.Sprintf("High positive energy detected. %s is dominant at %.0f%% of emotional expression.", dom, pct)}
	case sentiment > 0.15:
		return &Observation{"positive", fmt.Sprintf("Positive emotional tone. %s leads at %.0f%% of the emotional mix.", dom, pct)}
	case sentiment < -0.3:
		return &Observation{"stress", "Elevated stress indicators detected. Consider a wellness check-in."}
	case energy > 0.25:
		return &Observation{"high_intensity", fmt.Sprintf("High emotional intensity. %s accounts for %.0f%% of expression.", dom, pct)}
	}
	return &Observation{"balanced", fmt.Sprintf("Balanced emotional state. %s is most prominent at %.0f%%.", dom, pct)}
}

func moodLabel(sentiment float64) string {
	switch {
	case sentiment > 0.5:
		return "Very Positive"
	case sentiment > 0.2:
		return "Positive"
	case sentiment > -0.2:
		return "Neutral"
	case sentiment > -0.5:
		return "Negative"
	}
	return "Very Negative"
}

func head(r []Ranked, n int) []Ranked {
	if len(r) > n {
		return r[:n]
	}
	return r
}

func labelSet(labels ...string) map[string]bool {
	m := make(map[string]bool, len(labels))
	for _, l := range labels {
		m[l] = true
	}
	return m
}
