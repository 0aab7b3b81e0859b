package emotion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reserved keys carry dimensional values rather than discrete emotions.
const (
	KeyArousal = "arousal"
	KeyValence = "valence"
)

// IsReserved reports whether label is a dimensional key (arousal, valence)
// that must never be ranked or summed as an emotion.
func IsReserved(label string) bool {
	return strings.EqualFold(label, KeyArousal) || strings.EqualFold(label, KeyValence)
}

// Pair is a single label/score entry.
type Pair struct {
	Label string  `json:"name" yaml:"name"`
	Score float64 `json:"score" yaml:"score"`
}

// Scores maps emotion labels to scores in [0,1], preserving the order in
// which labels were first seen. A nil *Scores behaves as an empty map.
// Scores are treated as immutable once handed to the session.
type Scores struct {
	m *orderedmap.OrderedMap[string, float64]
}

// NewScores returns an empty score map.
func NewScores() *Scores {
	return &Scores{m: orderedmap.New[string, float64]()}
}

// FromPairs builds a score map in argument order.
func FromPairs(pairs ...Pair) *Scores {
	s := NewScores()
	for _, p := range pairs {
		s.Set(p.Label, p.Score)
	}
	return s
}

// FromMap builds a score map from an unordered map, sorting labels so the
// result is deterministic.
func FromMap(m map[string]float64) *Scores {
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	slices.Sort(labels)
	s := NewScores()
	for _, l := range labels {
		s.Set(l, m[l])
	}
	return s
}

// Set stores score for label. Non-finite scores are stored as 0.
func (s *Scores) Set(label string, score float64) {
	s.m.Set(label, finite(score))
}

// SetMax keeps the highest score seen for label. Only positive scores
// register a label, so an all-zero payload leaves the map empty.
func (s *Scores) SetMax(label string, score float64) {
	score = finite(score)
	cur, _ := s.m.Get(label)
	if score <= cur {
		return
	}
	s.m.Set(label, score)
}

// Len returns the number of labels, reserved keys included.
func (s *Scores) Len() int {
	if s == nil || s.m == nil {
		return 0
	}
	return s.m.Len()
}

// Empty reports whether the map holds no labels at all.
func (s *Scores) Empty() bool { return s.Len() == 0 }

// Lookup finds label by exact match first, then case-insensitively.
func (s *Scores) Lookup(label string) (float64, bool) {
	if s.Len() == 0 {
		return 0, false
	}
	if v, ok := s.m.Get(label); ok {
		return v, true
	}
	for p := s.m.Oldest(); p != nil; p = p.Next() {
		if strings.EqualFold(p.Key, label) {
			return p.Value, true
		}
	}
	return 0, false
}

// Get returns the score for label or 0 when absent.
func (s *Scores) Get(label string) float64 {
	v, _ := s.Lookup(label)
	return v
}

// Pairs returns every entry in insertion order.
func (s *Scores) Pairs() []Pair {
	if s.Len() == 0 {
		return nil
	}
	out := make([]Pair, 0, s.m.Len())
	for p := s.m.Oldest(); p != nil; p = p.Next() {
		out = append(out, Pair{Label: p.Key, Score: p.Value})
	}
	return out
}

// Emotions returns entries in insertion order with reserved keys removed.
func (s *Scores) Emotions() []Pair {
	all := s.Pairs()
	out := all[:0:0]
	for _, p := range all {
		if IsReserved(p.Label) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Clone returns an independent copy.
func (s *Scores) Clone() *Scores {
	c := NewScores()
	for _, p := range s.Pairs() {
		c.m.Set(p.Label, p.Score)
	}
	return c
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (s *Scores) MarshalJSON() ([]byte, error) {
	if s == nil || s.m == nil {
		return []byte("{}"), nil
	}
	return s.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping numeric entries only.
func (s *Scores) UnmarshalJSON(data []byte) error {
	raw := orderedmap.New[string, json.RawMessage]()
	if err := raw.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode scores: %w", err)
	}
	s.m = orderedmap.New[string, float64]()
	for p := raw.Oldest(); p != nil; p = p.Next() {
		var v float64
		if json.Unmarshal(bytes.TrimSpace(p.Value), &v) != nil {
			continue
		}
		s.Set(p.Key, v)
	}
	return nil
}

// MarshalYAML renders the map as an ordered list of pairs.
func (s *Scores) MarshalYAML() (any, error) {
	return s.Pairs(), nil
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
