package audio

import (
	"errors"
	"sync"
	"time"
)

var ErrNoTrack = errors.New("no track loaded")

// PlayerConfig controls the playback clock.
type PlayerConfig struct {
	// Hop is how often the current frame is analyzed while playing.
	Hop time.Duration
	// OnEnded runs on its own goroutine when playback reaches the end.
	OnEnded func()
}

// Player simulates real-time playback of a decoded track. While playing it
// analyzes the frame under the playhead every hop and keeps the latest
// Metrics for samplers to read.
type Player struct {
	cfg PlayerConfig
	now func() time.Time

	mu        sync.Mutex
	track     *Track // at AnalysisRate
	analyzer  *FrameAnalyzer
	offset    time.Duration
	startedAt time.Time
	playing   bool
	latest    Metrics
	stop      chan struct{}
	done      chan struct{}
}

// NewPlayer creates an idle player with no track.
func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.Hop <= 0 {
		cfg.Hop = 50 * time.Millisecond
	}
	return &Player{
		cfg:      cfg,
		now:      time.Now,
		analyzer: NewFrameAnalyzer(AnalysisRate),
	}
}

// Load stops playback and replaces the track.
func (p *Player) Load(t *Track) {
	p.mu.Lock()
	stop, done := p.detachLocked()
	p.track = t.AtRate(AnalysisRate)
	p.offset = 0
	p.latest = Metrics{}
	p.analyzer.Reset()
	p.mu.Unlock()
	halt(stop, done)
}

// Start plays from the beginning.
func (p *Player) Start() error {
	p.mu.Lock()
	if p.track == nil {
		p.mu.Unlock()
		return ErrNoTrack
	}
	stop, done := p.detachLocked()
	p.offset = 0
	p.latest = Metrics{}
	p.analyzer.Reset()
	p.mu.Unlock()
	halt(stop, done)

	p.mu.Lock()
	p.launchLocked()
	p.mu.Unlock()
	return nil
}

// Pause freezes the playhead.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.playing {
		p.offset = p.positionLocked()
	}
	stop, done := p.detachLocked()
	p.mu.Unlock()
	halt(stop, done)
}

// Resume continues from the paused position.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return ErrNoTrack
	}
	if p.playing {
		return nil
	}
	if p.offset >= p.track.Duration() {
		p.offset = 0
	}
	p.launchLocked()
	return nil
}

// Stop halts playback and rewinds.
func (p *Player) Stop() {
	p.mu.Lock()
	stop, done := p.detachLocked()
	p.offset = 0
	p.latest = Metrics{}
	p.mu.Unlock()
	halt(stop, done)
}

// Close stops playback. The player can be reloaded afterwards.
func (p *Player) Close() { p.Stop() }

// Position returns the playhead in seconds.
func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked().Seconds()
}

// Latest returns the metrics of the most recently analyzed frame.
func (p *Player) Latest() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Playing reports whether the clock is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Duration returns the loaded track length in seconds.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track.Seconds()
}

func (p *Player) positionLocked() time.Duration {
	pos := p.offset
	if p.playing {
		pos += p.now().Sub(p.startedAt)
	}
	if p.track != nil {
		pos = min(pos, p.track.Duration())
	}
	return pos
}

func (p *Player) launchLocked() {
	p.playing = true
	p.startedAt = p.now()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
}

// detachLocked marks playback stopped and hands back the running loop's
// channels; the caller must halt them after releasing the lock.
func (p *Player) detachLocked() (chan struct{}, chan struct{}) {
	p.playing = false
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	return stop, done
}

func halt(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Player) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Hop)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if p.step(stop) {
			return
		}
	}
}

// step analyzes the frame under the playhead. It reports true when the
// loop should exit.
func (p *Player) step(stop chan struct{}) bool {
	p.mu.Lock()
	if p.stop != stop {
		p.mu.Unlock()
		return true
	}
	pos := p.positionLocked()
	if pos >= p.track.Duration() {
		p.offset = p.track.Duration()
		p.playing = false
		p.stop, p.done = nil, nil
		p.mu.Unlock()
		if p.cfg.OnEnded != nil {
			go p.cfg.OnEnded()
		}
		return true
	}
	p.latest = p.analyzer.Analyze(frameAt(p.track.Samples, int(pos.Seconds()*AnalysisRate)))
	p.mu.Unlock()
	return false
}

// frameAt returns the FrameSize window ending at idx, or the first window
// when idx is near the start.
func frameAt(samples []float32, idx int) []float32 {
	end := max(min(idx, len(samples)), min(FrameSize, len(samples)))
	return samples[max(0, end-FrameSize):end]
}
