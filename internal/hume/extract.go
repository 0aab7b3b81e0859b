package hume

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/mindmap/internal/emotion"
)

// Prediction payloads have changed shape across API versions, so scores
// are located by trying known layouts in order and then falling back to a
// generic walk for {name, score} records.

type record struct {
	label string
	score float64
}

type extractor struct {
	name string
	fn   func(gjson.Result) []record
}

var extractors = []extractor{
	{"batch", batchEmotions},
	{"stream", streamEmotions},
	{"emotions", func(root gjson.Result) []record { return emotionList(root.Get("emotions")) }},
	{"score_map", scoreMap},
	{"walk", walkEmotions},
}

// Extraction is the outcome of parsing a predictions payload.
type Extraction struct {
	Scores  *emotion.Scores
	Source  string   // extractor that matched
	Reasons []string // upstream failure messages, if any
}

// Extract parses a predictions payload into max-per-label scores. It never
// panics on unexpected shapes; an unusable payload yields empty scores.
func Extract(body []byte) Extraction {
	out := Extraction{Scores: emotion.NewScores()}
	if !gjson.ValidBytes(body) {
		return out
	}
	root := gjson.ParseBytes(body)
	out.Reasons = failureReasons(root)

	for _, ex := range extractors {
		recs := ex.fn(root)
		if len(recs) == 0 {
			continue
		}
		for _, r := range recs {
			out.Scores.SetMax(r.label, r.score)
		}
		out.Source = ex.name
		return out
	}
	return out
}

// items returns the elements of an array, or the value itself for an object.
func items(r gjson.Result) []gjson.Result {
	switch {
	case r.IsArray():
		return r.Array()
	case r.IsObject():
		return []gjson.Result{r}
	}
	return nil
}

// batchEmotions reads [].results.predictions[].models.prosody.grouped_predictions[].predictions[].emotions.
func batchEmotions(root gjson.Result) []record {
	var out []record
	for _, job := range items(root) {
		for _, pred := range items(job.Get("results.predictions")) {
			for _, group := range items(pred.Get("models.prosody.grouped_predictions")) {
				for _, p := range items(group.Get("predictions")) {
					out = append(out, emotionList(p.Get("emotions"))...)
				}
			}
		}
	}
	return out
}

// streamEmotions reads prosody.predictions[].emotions, at the root or
// under a predictions array.
func streamEmotions(root gjson.Result) []record {
	var out []record
	sources := append([]gjson.Result{root}, items(root.Get("predictions"))...)
	for _, src := range sources {
		for _, p := range items(src.Get("prosody.predictions")) {
			out = append(out, emotionList(p.Get("emotions"))...)
		}
	}
	return out
}

// scoreMap reads a flat {label: score} object.
func scoreMap(root gjson.Result) []record {
	for _, path := range []string{"predictions.0.prosody.predictions.0.scores", "scores"} {
		obj := root.Get(path)
		if !obj.IsObject() {
			continue
		}
		var out []record
		obj.ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.Number {
				out = append(out, record{label: k.String(), score: v.Float()})
			}
			return true
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func walkEmotions(root gjson.Result) []record {
	var out []record
	var walk func(gjson.Result, int)
	walk = func(r gjson.Result, depth int) {
		if depth > 32 {
			return
		}
		if rec, ok := asRecord(r); ok {
			out = append(out, rec)
			return
		}
		if r.IsArray() || r.IsObject() {
			r.ForEach(func(_, v gjson.Result) bool {
				walk(v, depth+1)
				return true
			})
		}
	}
	walk(root, 0)
	return out
}

func emotionList(arr gjson.Result) []record {
	if !arr.IsArray() {
		return nil
	}
	var out []record
	arr.ForEach(func(_, v gjson.Result) bool {
		if rec, ok := asRecord(v); ok {
			out = append(out, rec)
		}
		return true
	})
	return out
}

func asRecord(v gjson.Result) (record, bool) {
	if !v.IsObject() {
		return record{}, false
	}
	name, score := v.Get("name"), v.Get("score")
	if name.Type != gjson.String || score.Type != gjson.Number || name.String() == "" {
		return record{}, false
	}
	return record{label: name.String(), score: score.Float()}, true
}

func failureReasons(root gjson.Result) []string {
	var out []string
	add := func(errs gjson.Result) {
		var list []gjson.Result
		if errs.IsArray() {
			list = errs.Array()
		}
		for _, e := range list {
			if e.Type == gjson.String {
				out = append(out, e.String())
				continue
			}
			msg := e.Get("message")
			if msg.Type != gjson.String {
				msg = e.Get("error")
			}
			if s := strings.TrimSpace(msg.String()); s != "" {
				out = append(out, s)
			}
		}
	}
	for _, job := range items(root) {
		add(job.Get("results.errors"))
		add(job.Get("errors"))
	}
	return out
}
