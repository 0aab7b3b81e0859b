package session

import (
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/emotion"
)

// Datum is one sample of the session. Only the emotion-derived fields
// change after creation, when late scores are backfilled.
type Datum struct {
	ID              uuid.UUID               `json:"id"`
	Timestamp       int64                   `json:"timestamp"` // unix ms
	PlaybackTime    float64                 `json:"playbackTime"`
	Local           audio.Metrics           `json:"local"`
	Hume            *emotion.Scores         `json:"hume"`
	Clinical        emotion.ClinicalProxies `json:"clinical"`
	Valence         *float64                `json:"valence"`
	DominantEmotion *string                 `json:"dominantEmotion"`
}

func newDatum(at time.Time, playback float64, local audio.Metrics, scores *emotion.Scores) Datum {
	d := Datum{
		ID:           uuid.New(),
		Timestamp:    at.UnixMilli(),
		PlaybackTime: playback,
		Local:        local,
	}
	d.apply(scores)
	return d
}

// apply derives the clinical fields from scores and the datum's own
// local energy.
func (d *Datum) apply(scores *emotion.Scores) {
	if scores == nil {
		scores = emotion.NewScores()
	}
	d.Hume = scores
	d.Clinical = emotion.MapClinicalProxies(scores, d.Local.Energy)
	d.Valence = emotion.ComputeValence(scores)
	d.DominantEmotion = emotion.ExtractDominantEmotion(scores)
}

// TrajectoryPoint is the mean energy and valence of one time bucket.
type TrajectoryPoint struct {
	TimeBucket int      `json:"timeBucket"`
	Energy     *float64 `json:"energy"`
	Valence    *float64 `json:"valence"`
}

type bucketSum struct {
	energy, valence   float64
	nEnergy, nValence int
}

// Trajectory groups data into floor(playbackTime/bucketSeconds) buckets and
// averages energy level and valence independently, skipping nulls. Points
// are returned in ascending bucket order.
func Trajectory(data []Datum, bucketSeconds float64) []TrajectoryPoint {
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	sums := make(map[int]*bucketSum)
	for _, d := range data {
		b := int(math.Floor(d.PlaybackTime / bucketSeconds))
		s, ok := sums[b]
		if !ok {
			s = &bucketSum{}
			sums[b] = s
		}
		if e := d.Clinical.EnergyLevel; e != nil {
			s.energy += *e
			s.nEnergy++
		}
		if v := d.Valence; v != nil {
			s.valence += *v
			s.nValence++
		}
	}

	out := make([]TrajectoryPoint, 0, len(sums))
	for b, s := range sums {
		p := TrajectoryPoint{TimeBucket: b}
		if s.nEnergy > 0 {
			p.Energy = ptr(s.energy / float64(s.nEnergy))
		}
		if s.nValence > 0 {
			p.Valence = ptr(s.valence / float64(s.nValence))
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b TrajectoryPoint) int { return a.TimeBucket - b.TimeBucket })
	return out
}

func ptr(v float64) *float64 { return &v }
