package hume

import (
	"slices"
	"testing"
)

func TestExtractShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		source string
		want   map[string]float64
	}{
		{
			name: "batch job predictions",
			body: `[{"source":{"type":"file"},"results":{"predictions":[{"file":"a.wav","models":{"prosody":{"grouped_predictions":[
				{"id":"unknown","predictions":[
					{"time":{"begin":0,"end":1},"emotions":[{"name":"Joy","score":0.4},{"name":"Calmness","score":0.2}]},
					{"time":{"begin":1,"end":2},"emotions":[{"name":"Joy","score":0.9},{"name":"Calmness","score":0.1}]}
				]}]}}}],"errors":[]}}]`,
			source: "batch",
			want:   map[string]float64{"Joy": 0.9, "Calmness": 0.2},
		},
		{
			name:   "stream predictions",
			body:   `{"prosody":{"predictions":[{"emotions":[{"name":"Anger","score":0.3}]},{"emotions":[{"name":"Anger","score":0.5}]}]}}`,
			source: "stream",
			want:   map[string]float64{"Anger": 0.5},
		},
		{
			name:   "top level emotions",
			body:   `{"emotions":[{"name":"Fear","score":0.7},{"name":"bogus"},{"name":"Sadness","score":0.1}]}`,
			source: "emotions",
			want:   map[string]float64{"Fear": 0.7, "Sadness": 0.1},
		},
		{
			name:   "flat score map",
			body:   `{"scores":{"Interest":0.6,"Boredom":0.05,"note":"x"}}`,
			source: "score_map",
			want:   map[string]float64{"Interest": 0.6, "Boredom": 0.05},
		},
		{
			name:   "deeply nested records",
			body:   `{"data":{"segments":[{"inner":[{"name":"Awe","score":0.25}]},{"name":"Awe","score":0.35}]}}`,
			source: "walk",
			want:   map[string]float64{"Awe": 0.35},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ex := Extract([]byte(tc.body))
			if ex.Source != tc.source {
				t.Errorf("source = %q, want %q", ex.Source, tc.source)
			}
			if ex.Scores.Len() != len(tc.want) {
				t.Fatalf("got %d labels, want %d: %v", ex.Scores.Len(), len(tc.want), ex.Scores.Pairs())
			}
			for label, score := range tc.want {
				got, ok := ex.Scores.Lookup(label)
				if !ok || got != score {
					t.Errorf("%s = %v (present %v), want %v", label, got, ok, score)
				}
			}
		})
	}
}

func TestExtractPreservesFirstSeenOrder(t *testing.T) {
	t.Parallel()

	ex := Extract([]byte(`{"emotions":[{"name":"B","score":0.1},{"name":"A","score":0.2},{"name":"B","score":0.3}]}`))
	var labels []string
	for _, p := range ex.Scores.Pairs() {
		labels = append(labels, p.Label)
	}
	if !slices.Equal(labels, []string{"B", "A"}) {
		t.Errorf("labels = %v, want [B A]", labels)
	}
}

func TestExtractMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "not json", "null", "42", `{"a":[1,2,{"b":null}]}`, `[[[]]]`, `{"emotions":"Joy"}`} {
		ex := Extract([]byte(body))
		if !ex.Scores.Empty() {
			t.Errorf("Extract(%q) = %v, want empty", body, ex.Scores.Pairs())
		}
		if ex.Source != "" {
			t.Errorf("Extract(%q) source = %q, want none", body, ex.Source)
		}
	}
}

func TestExtractFailureReasons(t *testing.T) {
	t.Parallel()

	ex := Extract([]byte(`[{"results":{"predictions":[],"errors":[{"file":"a.wav","message":"Could not transcribe audio"}]}}]`))
	if !ex.Scores.Empty() {
		t.Fatalf("scores = %v, want empty", ex.Scores.Pairs())
	}
	if !slices.Equal(ex.Reasons, []string{"Could not transcribe audio"}) {
		t.Errorf("reasons = %v", ex.Reasons)
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body   string
		state  jobState
		reason string
	}{
		{`{"state":{"status":"COMPLETED"}}`, stateCompleted, ""},
		{`{"status":"done"}`, stateCompleted, ""},
		{`{"job":{"state":{"status":"IN_PROGRESS"}}}`, statePending, ""},
		{`{"state":{"status":"FAILED","message":"bad audio"}}`, stateFailed, "bad audio"},
		{`{"status":"ERROR","error":"quota"}`, stateFailed, "quota"},
		{`{"state":"QUEUED"}`, statePending, ""},
		{`garbage`, statePending, ""},
	}
	for _, tc := range tests {
		state, reason := parseStatus([]byte(tc.body))
		if state != tc.state || reason != tc.reason {
			t.Errorf("parseStatus(%s) = %v %q, want %v %q", tc.body, state, reason, tc.state, tc.reason)
		}
	}
}
