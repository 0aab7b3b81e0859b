package prompts

import (
	"fmt"
	"strings"

	"github.com/hubenschmidt/mindmap/internal/emotion"
)

const DefaultSystem = "You summarize vocal emotion measurements for a listener in two or three plain sentences. " +
	"Describe what the voice sounded like. Do not diagnose, do not give medical advice, and say the scores are rough signals."

// ForSession resolves the narrator system prompt.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// Insights renders an insight summary and clinical proxies as the user
// message for the narrator.
func Insights(sum *emotion.Summary, clinical emotion.ClinicalProxies, valence *float64) string {
	var b strings.Builder
	b.WriteString("Top emotions:\n")
	for _, r := range sum.Top {
		fmt.Fprintf(&b, "- %s %.0f%%\n", r.Label, r.Percent)
	}
	fmt.Fprintf(&b, "Mood: %s (sentiment %.2f)\n", sum.Mood, sum.Sentiment)
	fmt.Fprintf(&b, "High-energy share: %.0f%%\n", sum.EnergyShare*100)
	if sum.Observation != nil {
		fmt.Fprintf(&b, "Observation: %s\n", sum.Observation.Text)
	}
	if sum.Voice != nil {
		fmt.Fprintf(&b, "Voice stability: %s\n", sum.Voice.Label)
	}
	writeScore(&b, "Valence", valence)
	writeScore(&b, "Depression proxy", clinical.DepressionRisk)
	writeScore(&b, "Anxiety proxy", clinical.AnxietyScore)
	writeScore(&b, "Mania proxy", clinical.ManiaScore)
	writeScore(&b, "Energy", clinical.EnergyLevel)
	return b.String()
}

func writeScore(b *strings.Builder, name string, v *float64) {
	if v == nil {
		return
	}
	fmt.Fprintf(b, "%s: %.0f/100\n", name, *v)
}
