package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/session"
)

type jobResult struct {
	scores *emotion.Scores
	err    error
}

// fakeJobs hands each submitted job to the test, which decides when and
// how it completes.
type fakeJobs struct {
	calls chan chan jobResult
}

func newFakeJobs() *fakeJobs { return &fakeJobs{calls: make(chan chan jobResult, 4)} }

func (f *fakeJobs) SubmitAndAwait(ctx context.Context, data []byte, mimeType, filename string) (*emotion.Scores, error) {
	release := make(chan jobResult, 1)
	f.calls <- release
	select {
	case r := <-release:
		return r.scores, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeJobs) next(t *testing.T) chan jobResult {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no job submitted")
		return nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) has(typ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func toneWAV(seconds float64) []byte {
	const rate = 16000
	samples := make([]float32, int(seconds*rate))
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	return audio.SamplesToWAV(samples, rate)
}

func joyScores() *emotion.Scores {
	return emotion.FromPairs(
		emotion.Pair{Label: "Joy", Score: 0.9},
		emotion.Pair{Label: "Interest", Score: 0.4},
		emotion.Pair{Label: "Sadness", Score: 0.05},
	)
}

func newTestPipeline(t *testing.T, jobs JobClient, log *eventLog) *Pipeline {
	t.Helper()
	cfg := Config{
		Jobs:    jobs,
		Session: session.Config{Interval: 5 * time.Millisecond},
		Hop:     5 * time.Millisecond,
	}
	if log != nil {
		cfg.OnEvent = log.add
	}
	p := New(cfg)
	t.Cleanup(p.Close)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAnalysisEndToEnd(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	log := &eventLog{}
	p := newTestPipeline(t, jobs, log)

	info, err := p.Load(context.Background(), Upload{Data: toneWAV(2), MimeType: "audio/wav", Filename: "tone.wav"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if math.Abs(info.Duration-2) > 0.01 || info.Format != audio.FormatWAV {
		t.Errorf("track info = %+v", info)
	}
	if p.State().Status != StatusLoaded {
		t.Errorf("status = %s, want loaded", p.State().Status)
	}

	if err = p.StartAnalysis(context.Background()); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	job := jobs.next(t)
	waitFor(t, "local samples", func() bool { return len(p.Snapshot().Data) >= 3 })

	before := p.Snapshot()
	for _, d := range before.Data {
		if !d.Hume.Empty() {
			t.Fatal("datum has scores before the job finished")
		}
	}

	job <- jobResult{scores: joyScores()}
	waitFor(t, "ready", func() bool { return p.State().Status == StatusReady })

	snap := p.Snapshot()
	for i, d := range snap.Data {
		if d.Hume.Empty() {
			t.Errorf("datum %d not backfilled", i)
			continue
		}
		if d.DominantEmotion == nil || *d.DominantEmotion != "Joy" {
			t.Errorf("datum %d dominant = %v, want Joy", i, d.DominantEmotion)
		}
		if d.Valence == nil || *d.Valence <= 50 {
			t.Errorf("datum %d valence = %v, want above neutral", i, d.Valence)
		}
	}

	sum, err := p.Insights()
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if sum.Top[0].Label != "Joy" {
		t.Errorf("top emotion = %s", sum.Top[0].Label)
	}
	if !log.has("scores") || !log.has("sample") || !log.has("backfill") {
		t.Error("missing dashboard events")
	}
}

func TestAnalysisJobFailureKeepsLocalData(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	p := newTestPipeline(t, jobs, nil)
	if _, err := p.Load(context.Background(), Upload{Data: toneWAV(2), MimeType: "audio/wav", Filename: "tone.wav"}); err != nil {
		t.Fatal(err)
	}
	if err := p.StartAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	job := jobs.next(t)
	waitFor(t, "local samples", func() bool { return len(p.Snapshot().Data) >= 2 })

	job <- jobResult{err: &hume.Error{Kind: hume.KindPollingTimeout, JobID: "j1"}}
	waitFor(t, "failed", func() bool { return p.State().Status == StatusFailed })

	st := p.State()
	if st.Message != hume.MsgTimeout {
		t.Errorf("message = %q, want %q", st.Message, hume.MsgTimeout)
	}
	snap := p.Snapshot()
	if len(snap.Data) == 0 {
		t.Fatal("local data discarded")
	}
	if cur := snap.Current; cur.Clinical.EnergyLevel == nil || cur.Clinical.DepressionRisk != nil {
		t.Errorf("clinical = %+v, want local energy only", cur.Clinical)
	}
	if _, err := p.Insights(); !errors.Is(err, ErrNoScores) {
		t.Errorf("Insights err = %v", err)
	}
}

func TestStaleJobResultDiscarded(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	p := newTestPipeline(t, jobs, nil)
	if _, err := p.Load(context.Background(), Upload{Data: toneWAV(2), MimeType: "audio/wav", Filename: "tone.wav"}); err != nil {
		t.Fatal(err)
	}

	if err := p.StartAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := jobs.next(t)
	firstGen := p.State().Generation

	if err := p.StartAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := jobs.next(t)
	if p.State().Generation == firstGen {
		t.Fatal("restart kept the generation")
	}

	first <- jobResult{scores: joyScores()}
	time.Sleep(20 * time.Millisecond)
	if st := p.State(); st.Status != StatusAnalyzing {
		t.Errorf("status after stale result = %s, want analyzing", st.Status)
	}
	if p.Snapshot().HasScores {
		t.Fatal("stale scores applied")
	}

	second <- jobResult{scores: emotion.FromPairs(emotion.Pair{Label: "Sadness", Score: 0.8})}
	waitFor(t, "ready", func() bool { return p.State().Status == StatusReady })
	if cur := p.Current(); cur == nil || *cur.DominantEmotion != "Sadness" {
		t.Errorf("current = %+v, want Sadness", cur)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeJobs(), nil)
	p.cfg.MaxUploadBytes = 1024

	tests := []struct {
		name string
		up   Upload
		want error
	}{
		{"empty", Upload{MimeType: "audio/wav", Filename: "a.wav"}, ErrEmptyUpload},
		{"too large", Upload{Data: make([]byte, 2048), MimeType: "audio/wav", Filename: "a.wav"}, ErrTooLarge},
		{"not audio", Upload{Data: []byte("hello"), MimeType: "text/plain", Filename: "a.txt"}, ErrNotAudio},
		{"undecodable", Upload{Data: []byte("garbage"), MimeType: "audio/ogg", Filename: "a.ogg"}, audio.ErrUnsupportedFormat},
	}
	for _, tc := range tests {
		if _, err := p.Load(context.Background(), tc.up); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if st := p.State(); st.Status != StatusIdle || st.Track != nil {
		t.Errorf("state after rejected loads = %+v", st)
	}
}

func TestLoadFailureKeepsPreviousTrack(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeJobs(), nil)
	if _, err := p.Load(context.Background(), Upload{Data: toneWAV(0.5), MimeType: "audio/wav", Filename: "first.wav"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Load(context.Background(), Upload{Data: []byte("RIFF....WAVEjunk"), MimeType: "audio/wav", Filename: "bad.wav"}); err == nil {
		t.Fatal("expected decode error")
	}
	st := p.State()
	if st.Track == nil || st.Track.Filename != "first.wav" || st.Status != StatusLoaded {
		t.Errorf("state = %+v, want first.wav still loaded", st)
	}
}

func TestPlaybackControls(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	p := newTestPipeline(t, jobs, nil)

	if err := p.StartAnalysis(context.Background()); !errors.Is(err, ErrNoTrack) {
		t.Errorf("StartAnalysis without track: %v", err)
	}
	if err := p.Pause(); !errors.Is(err, ErrNoTrack) {
		t.Errorf("Pause without track: %v", err)
	}

	if _, err := p.Load(context.Background(), Upload{Data: toneWAV(5), MimeType: "audio/wav", Filename: "tone.wav"}); err != nil {
		t.Fatal(err)
	}
	if err := p.StartAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	jobs.next(t)

	if err := p.Pause(); err != nil {
		t.Fatal(err)
	}
	st := p.State()
	if st.Playing || st.Collecting {
		t.Errorf("paused state = %+v", st)
	}
	n := len(p.Snapshot().Data)
	time.Sleep(20 * time.Millisecond)
	if got := len(p.Snapshot().Data); got != n {
		t.Errorf("samples recorded while paused: %d -> %d", n, got)
	}

	if err := p.Resume(); err != nil {
		t.Fatal(err)
	}
	if st := p.State(); !st.Playing || !st.Collecting {
		t.Errorf("resumed state = %+v", st)
	}

	p.Stop()
	st = p.State()
	if st.Status != StatusIdle || st.Playing || st.Collecting || len(p.Snapshot().Data) != 0 {
		t.Errorf("stopped state = %+v", st)
	}
	if st.Track == nil {
		t.Error("stop unloaded the track")
	}
}

func TestPlaybackEndStopsSampling(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	log := &eventLog{}
	p := newTestPipeline(t, jobs, log)
	if _, err := p.Load(context.Background(), Upload{Data: toneWAV(0.1), MimeType: "audio/wav", Filename: "short.wav"}); err != nil {
		t.Fatal(err)
	}
	if err := p.StartAnalysis(context.Background()); err != nil {
		t.Fatal(err)
	}
	job := jobs.next(t)

	waitFor(t, "end of playback", func() bool { return log.has("ended") })
	if p.State().Collecting {
		t.Error("still sampling after playback ended")
	}

	job <- jobResult{scores: joyScores()}
	waitFor(t, "ready", func() bool { return p.State().Status == StatusReady })
	snap := p.Snapshot()
	if len(snap.Data) == 0 {
		t.Fatal("no data after late scores")
	}
	for _, d := range snap.Data {
		if d.Hume.Empty() {
			t.Error("late scores not backfilled after playback ended")
		}
	}
}

func TestNarrativeWithoutNarrator(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, newFakeJobs(), nil)
	if _, err := p.Narrative(context.Background()); !errors.Is(err, ErrNoNarrator) {
		t.Errorf("err = %v, want ErrNoNarrator", err)
	}
}
