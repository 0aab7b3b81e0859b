package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/metrics"
	"github.com/hubenschmidt/mindmap/internal/session"
	"github.com/hubenschmidt/mindmap/internal/trace"
)

// DefaultMaxUploadBytes is the largest accepted recording.
const DefaultMaxUploadBytes = 50 << 20

var (
	ErrNoTrack     = errors.New("no audio loaded")
	ErrEmptyUpload = errors.New("empty upload")
	ErrTooLarge    = errors.New("upload exceeds size limit")
	ErrNotAudio    = errors.New("upload is not audio")
	ErrNoScores    = errors.New("no emotion scores yet")
)

// JobClient runs a remote emotion job for a whole recording.
type JobClient interface {
	SubmitAndAwait(ctx context.Context, audio []byte, mimeType, filename string) (*emotion.Scores, error)
}

// jobAnalyzer is implemented by job clients that also report the upstream
// job id, which is recorded on the trace run.
type jobAnalyzer interface {
	Analyze(ctx context.Context, audio []byte, mimeType, filename string) (*hume.Result, error)
}

// submit runs the remote job and returns its scores and upstream job id,
// when known. Failed jobs report the id carried by the error.
func submit(ctx context.Context, jobs JobClient, up Upload) (*emotion.Scores, string, error) {
	a, ok := jobs.(jobAnalyzer)
	if !ok {
		scores, err := jobs.SubmitAndAwait(ctx, up.Data, up.MimeType, up.Filename)
		return scores, jobIDOf(err), err
	}
	res, err := a.Analyze(ctx, up.Data, up.MimeType, up.Filename)
	if err != nil {
		return nil, jobIDOf(err), err
	}
	return res.Scores, res.JobID, nil
}

func jobIDOf(err error) string {
	var he *hume.Error
	if errors.As(err, &he) {
		return he.JobID
	}
	return ""
}

// Status is the analysis lifecycle of the loaded recording.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoaded    Status = "loaded"
	StatusAnalyzing Status = "analyzing"
	StatusReady     Status = "ready"
	StatusFailed    Status = "failed"
)

// Config holds pipeline configuration.
type Config struct {
	Jobs           JobClient
	Session        session.Config
	Hop            time.Duration // frame analysis period during playback
	VAD            audio.VADConfig
	MaxUploadBytes int64
	JobTimeout     time.Duration
	Tracer         *trace.Tracer
	Narrator       *Narrator
	OnEvent        EventCallback
}

// Upload is a recording as received from a client.
type Upload struct {
	Data     []byte
	MimeType string
	Filename string
}

// TrackInfo describes the loaded recording.
type TrackInfo struct {
	Filename       string        `json:"filename" yaml:"filename"`
	Format         audio.Format  `json:"format" yaml:"format"`
	Bytes          int           `json:"bytes" yaml:"bytes"`
	Duration       float64       `json:"duration" yaml:"duration"`
	SampleRate     int           `json:"sampleRate" yaml:"sampleRate"`
	SpeechRatio    float64       `json:"speechRatio" yaml:"speechRatio"`
	SpeechSegments int           `json:"speechSegments" yaml:"speechSegments"`
	Profile        audio.Profile `json:"profile" yaml:"profile"`
}

// State is the externally visible pipeline state.
type State struct {
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Track      *TrackInfo `json:"track"`
	Playing    bool       `json:"playing"`
	Position   float64    `json:"position"`
	Collecting bool       `json:"collecting"`
	Generation uint64     `json:"generation"`
}

// Event is pushed to dashboard clients.
type Event struct {
	Type       string          `json:"type"` // status, sample, backfill, reset, scores, ended
	Status     Status          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Datum      *session.Datum  `json:"datum,omitempty"`
	Scores     *emotion.Scores `json:"scores,omitempty"`
	Track      *TrackInfo      `json:"track,omitempty"`
}

// EventCallback is invoked for each pipeline event. It must not block.
type EventCallback func(Event)

// Pipeline drives one recording through playback, local sampling and the
// remote emotion job. One session is active at a time.
type Pipeline struct {
	cfg    Config
	player *audio.Player
	agg    *session.Aggregator

	ctx    context.Context // parent of job contexts, canceled by Close
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	mu      sync.Mutex
	upload  *Upload
	track   *TrackInfo
	status  Status
	message string
	gen     uint64
}

// New creates an idle pipeline.
func New(cfg Config) *Pipeline {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD = audio.DefaultVADConfig()
	}
	p := &Pipeline{cfg: cfg, status: StatusIdle}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.player = audio.NewPlayer(audio.PlayerConfig{Hop: cfg.Hop, OnEnded: p.onEnded})

	sessCfg := cfg.Session
	onUpdate := sessCfg.OnUpdate
	sessCfg.OnUpdate = func(u session.Update) {
		if onUpdate != nil {
			onUpdate(u)
		}
		p.emit(Event{Type: string(u.Kind), Generation: u.Generation, Datum: u.Current})
	}
	p.agg = session.New(p.player, sessCfg)
	return p
}

func (p *Pipeline) emit(ev Event) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(ev)
	}
}

// Validate checks an upload before decoding.
func (p *Pipeline) Validate(up Upload) error {
	switch {
	case len(up.Data) == 0:
		return ErrEmptyUpload
	case int64(len(up.Data)) > p.cfg.MaxUploadBytes:
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(up.Data), p.cfg.MaxUploadBytes)
	case up.MimeType != "" && !audio.IsAudioMIME(up.MimeType) && audio.DetectFormat(up.Data, "", up.Filename) == audio.FormatUnknown:
		return fmt.Errorf("%w: %s", ErrNotAudio, up.MimeType)
	}
	return nil
}

// Load decodes an upload and makes it the current recording. A decode
// failure leaves the previous recording and session untouched.
func (p *Pipeline) Load(ctx context.Context, up Upload) (*TrackInfo, error) {
	if err := p.Validate(up); err != nil {
		metrics.UploadsTotal.WithLabelValues("", "rejected").Inc()
		return nil, err
	}
	start := time.Now()
	track, err := audio.Decode(up.Data, up.MimeType, up.Filename)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(audio.DetectFormat(up.Data, up.MimeType, up.Filename)), "decode_error").Inc()
		return nil, fmt.Errorf("load %s: %w", up.Filename, err)
	}
	info := describe(track, up, p.cfg.VAD)
	metrics.UploadsTotal.WithLabelValues(string(track.Format), "ok").Inc()
	metrics.StageDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())

	p.mu.Lock()
	p.player.Load(track)
	p.gen = p.agg.Reset()
	p.upload = &up
	p.track = info
	p.setStatusLocked(StatusLoaded, "")
	p.mu.Unlock()

	slog.Info("audio loaded", "file", up.Filename, "format", track.Format, "duration_s", info.Duration, "speech_ratio", info.SpeechRatio)
	return info, nil
}

func describe(track *audio.Track, up Upload, vad audio.VADConfig) *TrackInfo {
	speech := audio.DetectSpeech(track, vad)
	return &TrackInfo{
		Filename:       up.Filename,
		Format:         track.Format,
		Bytes:          len(up.Data),
		Duration:       track.Seconds(),
		SampleRate:     track.SampleRate,
		SpeechRatio:    speech.Ratio,
		SpeechSegments: len(speech.Segments),
		Profile:        track.Analyze(),
	}
}

// StartAnalysis restarts the session, plays the recording from the start
// and submits it for emotion analysis. Results of earlier runs that
// arrive later are discarded.
func (p *Pipeline) StartAnalysis(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload == nil {
		return ErrNoTrack
	}
	p.gen = p.agg.Reset()
	if err := p.player.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	p.agg.StartSampling()
	p.setStatusLocked(StatusAnalyzing, "")

	up, gen := *p.upload, p.gen
	jobCtx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	runID := p.cfg.Tracer.StartRun(up.Filename)
	jobCtx = trace.WithRun(jobCtx, p.cfg.Tracer, runID)

	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		defer cancel()
		p.runJob(jobCtx, gen, up, runID)
	}()
	slog.Info("analysis started", "file", up.Filename, "generation", gen)
	return nil
}

func (p *Pipeline) runJob(ctx context.Context, gen uint64, up Upload, runID string) {
	start := time.Now()
	scores, jobID, err := submit(ctx, p.cfg.Jobs, up)
	elapsed := float64(time.Since(start).Milliseconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		metrics.StaleResults.Inc()
		slog.Info("job result discarded", "file", up.Filename, "generation", gen, "current", p.gen, "failed", err != nil)
		p.cfg.Tracer.EndRun(runID, elapsed, jobID, scores.Len(), trace.StatusStale, "")
		return
	}
	if err != nil {
		msg := hume.UserMessage(err)
		xerr := xerrors.New(err)
		slog.Error("emotion job failed", "file", up.Filename, "kind", hume.KindOf(err), slog.Any("error", xerr))
		p.cfg.Tracer.EndRun(runID, elapsed, jobID, 0, trace.StatusError, err.Error())
		p.setStatusLocked(StatusFailed, msg)
		return
	}
	if !p.agg.ScoresArrived(scores, gen) {
		p.cfg.Tracer.EndRun(runID, elapsed, jobID, scores.Len(), trace.StatusEmpty, hume.MsgNoEmotions)
		p.setStatusLocked(StatusFailed, hume.MsgNoEmotions)
		return
	}
	p.cfg.Tracer.EndRun(runID, elapsed, jobID, scores.Len(), trace.StatusOK, "")
	p.setStatusLocked(StatusReady, "")
	p.emit(Event{Type: "scores", Generation: gen, Scores: scores})
}

// Pause freezes playback and sampling.
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload == nil {
		return ErrNoTrack
	}
	p.player.Pause()
	p.agg.StopSampling()
	p.emitStateLocked()
	return nil
}

// Resume continues playback and sampling from the paused position.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload == nil {
		return ErrNoTrack
	}
	if err := p.player.Resume(); err != nil {
		return fmt.Errorf("resume playback: %w", err)
	}
	p.agg.StartSampling()
	p.emitStateLocked()
	return nil
}

// Stop halts playback and clears the session. The recording stays loaded
// so analysis can be started again.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.player.Stop()
	p.gen = p.agg.Reset()
	p.setStatusLocked(StatusIdle, "")
}

// onEnded runs when playback reaches the end of the recording. Data and
// late scores are kept.
func (p *Pipeline) onEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player.Playing() {
		return
	}
	p.agg.StopSampling()
	p.emit(Event{Type: "ended", Status: p.status, Generation: p.gen})
}

// State returns the current status and playback position.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pipeline) stateLocked() State {
	return State{
		Status:     p.status,
		Message:    p.message,
		Track:      p.track,
		Playing:    p.player.Playing(),
		Position:   p.player.Position(),
		Collecting: p.agg.Collecting(),
		Generation: p.gen,
	}
}

func (p *Pipeline) setStatusLocked(s Status, msg string) {
	p.status, p.message = s, msg
	p.emitStateLocked()
}

func (p *Pipeline) emitStateLocked() {
	p.emit(Event{Type: "status", Status: p.status, Message: p.message, Generation: p.gen, Track: p.track})
}

// Snapshot returns the session data with its trajectory.
func (p *Pipeline) Snapshot() session.Snapshot { return p.agg.Snapshot() }

// Current returns the newest session datum, or nil.
func (p *Pipeline) Current() *session.Datum { return p.agg.Current() }

// Insights summarizes the latest scores, using the newest datum's jitter
// for voice stability.
func (p *Pipeline) Insights() (*emotion.Summary, error) {
	scores := p.agg.Scores()
	if scores.Empty() {
		return nil, ErrNoScores
	}
	var jitter *float64
	if cur := p.agg.Current(); cur != nil {
		jitter = cur.Local.Jitter
	}
	return emotion.Insights(scores, jitter), nil
}

// Narrative asks the narrator for a plain-language summary of the
// current insights.
func (p *Pipeline) Narrative(ctx context.Context) (string, error) {
	if p.cfg.Narrator == nil {
		return "", ErrNoNarrator
	}
	sum, err := p.Insights()
	if err != nil {
		return "", err
	}
	cur := p.agg.Current()
	var clinical emotion.ClinicalProxies
	var valence *float64
	if cur != nil {
		clinical, valence = cur.Clinical, cur.Valence
	}
	return p.cfg.Narrator.Narrate(ctx, sum, clinical, valence)
}

// Close stops playback, cancels in-flight jobs and waits for them.
func (p *Pipeline) Close() {
	p.cancel()
	p.player.Close()
	p.jobs.Wait()
	p.agg.Close()
}
