package pipeline

import (
	"context"
	"log/slog"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/emotion"
)

// Report is the one-shot result for a whole recording.
type Report struct {
	RawScores       *emotion.Scores         `json:"rawScores" yaml:"rawScores"`
	Clinical        emotion.ClinicalProxies `json:"clinical" yaml:"clinical"`
	Valence         *float64                `json:"valence" yaml:"valence"`
	DominantEmotion *string                 `json:"dominantEmotion" yaml:"dominantEmotion"`
	Insights        *emotion.Summary        `json:"insights,omitempty" yaml:"insights,omitempty"`
	Track           *TrackInfo              `json:"track,omitempty" yaml:"track,omitempty"`
}

// AnalyzeOnce runs the emotion job for up without touching any session.
// When withLocal is set the recording is also decoded so the energy level
// blends in local loudness; an undecodable file then falls back to scores
// alone.
func AnalyzeOnce(ctx context.Context, jobs JobClient, up Upload, withLocal bool) (*Report, error) {
	var (
		info   *TrackInfo
		energy *float64
		jitter *float64
	)
	if withLocal {
		track, err := audio.Decode(up.Data, up.MimeType, up.Filename)
		if err != nil {
			slog.Warn("local analysis skipped", "file", up.Filename, "error", err)
		} else {
			info = describe(track, up, audio.DefaultVADConfig())
			energy, jitter = info.Profile.MeanEnergy, info.Profile.MeanJitter
		}
	}

	scores, err := jobs.SubmitAndAwait(ctx, up.Data, up.MimeType, up.Filename)
	if err != nil {
		return nil, err
	}
	return &Report{
		RawScores:       scores,
		Clinical:        emotion.MapClinicalProxies(scores, energy),
		Valence:         emotion.ComputeValence(scores),
		DominantEmotion: emotion.ExtractDominantEmotion(scores),
		Insights:        emotion.Insights(scores, jitter),
		Track:           info,
	}, nil
}
