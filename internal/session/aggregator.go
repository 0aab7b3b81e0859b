package session

import (
	"log/slog"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/metrics"
)

const (
	DefaultCapacity      = 1000
	DefaultInterval      = 500 * time.Millisecond
	DefaultBucketSeconds = 2.0
)

// Source supplies the local acoustic reading and the playback position
// sampled on each tick.
type Source interface {
	Latest() audio.Metrics
	Position() float64
}

// UpdateKind says what changed the session.
type UpdateKind string

const (
	UpdateSample   UpdateKind = "sample"
	UpdateBackfill UpdateKind = "backfill"
	UpdateReset    UpdateKind = "reset"
)

// Update is delivered to Config.OnUpdate after every mutation.
type Update struct {
	Kind       UpdateKind `json:"kind"`
	Generation uint64     `json:"generation"`
	Current    *Datum     `json:"current"`
	Size       int        `json:"size"`
}

type Config struct {
	Capacity      int
	Interval      time.Duration
	BucketSeconds float64
	Now           func() time.Time
	// OnUpdate runs on the aggregator goroutine. It must not call back
	// into the Aggregator.
	OnUpdate func(Update)
}

// Snapshot is a consistent copy of the session.
type Snapshot struct {
	Generation uint64            `json:"generation"`
	Collecting bool              `json:"collecting"`
	HasScores  bool              `json:"hasScores"`
	Data       []Datum           `json:"data"`
	Current    *Datum            `json:"current"`
	Trajectory []TrajectoryPoint `json:"trajectory"`
}

// Aggregator owns the session. All state lives on a single goroutine;
// public methods send it messages and wait for the reply.
type Aggregator struct {
	cfg  Config
	src  Source
	msgs chan func(*state)
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type state struct {
	data       *list.List[Datum]
	latest     *emotion.Scores
	gen        uint64
	collecting bool
	epoch      uint64 // sampling run, so a tick from a stopped ticker is ignored
	tickStop   chan struct{}
	tickDone   chan struct{}
}

// New starts an aggregator sampling src.
func New(src Source, cfg Config) *Aggregator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = DefaultBucketSeconds
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	a := &Aggregator{
		cfg:  cfg,
		src:  src,
		msgs: make(chan func(*state)),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.loop(&state{data: list.New[Datum]()})
	return a
}

func (a *Aggregator) loop(s *state) {
	defer close(a.done)
	for {
		select {
		case fn := <-a.msgs:
			fn(s)
		case <-a.quit:
			a.stopTicker(s)
			return
		}
	}
}

// call runs fn on the aggregator goroutine and waits for it. It reports
// false once the aggregator is closed.
func (a *Aggregator) call(fn func(*state)) bool {
	reply := make(chan struct{})
	select {
	case a.msgs <- func(s *state) { fn(s); close(reply) }:
	case <-a.done:
		return false
	}
	<-reply
	return true
}

// Reset stops sampling, clears data and latest scores and starts a new
// generation, which it returns. Results for older generations are dropped.
func (a *Aggregator) Reset() uint64 {
	var gen uint64
	a.call(func(s *state) {
		a.stopTicker(s)
		s.data.Init()
		s.latest = nil
		s.gen++
		gen = s.gen
		a.notify(s, UpdateReset, nil)
	})
	return gen
}

// Generation returns the current generation.
func (a *Aggregator) Generation() uint64 {
	var gen uint64
	a.call(func(s *state) { gen = s.gen })
	return gen
}

// StartSampling records a datum every interval until StopSampling or
// Reset. Starting twice is a no-op.
func (a *Aggregator) StartSampling() {
	a.call(func(s *state) {
		if s.collecting {
			return
		}
		s.epoch++
		s.collecting = true
		s.tickStop = make(chan struct{})
		s.tickDone = make(chan struct{})
		go a.ticker(s.epoch, s.tickStop, s.tickDone)
		metrics.SessionsActive.Set(1)
	})
}

// StopSampling halts the ticker. No sample is recorded after it returns.
func (a *Aggregator) StopSampling() {
	a.call(a.stopTicker)
}

func (a *Aggregator) stopTicker(s *state) {
	if !s.collecting {
		return
	}
	s.collecting = false
	close(s.tickStop)
	<-s.tickDone
	s.tickStop, s.tickDone = nil, nil
	metrics.SessionsActive.Set(0)
}

// ticker delivers ticks to the loop. Sends select on stop, so the loop can
// wait for this goroutine while it is blocked sending.
func (a *Aggregator) ticker(epoch uint64, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	tick := func(s *state) {
		if s.collecting && s.epoch == epoch {
			a.sample(s)
		}
	}
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		select {
		case a.msgs <- tick:
		case <-stop:
			return
		}
	}
}

// Tick records one sample immediately, whether or not sampling is on.
func (a *Aggregator) Tick() {
	a.call(a.sample)
}

func (a *Aggregator) sample(s *state) {
	d := newDatum(a.cfg.Now(), a.src.Position(), a.src.Latest(), s.latest)
	s.data.PushBack(d)
	metrics.SamplesTotal.Inc()
	for s.data.Len() > a.cfg.Capacity {
		s.data.Remove(s.data.Front())
		metrics.SamplesEvicted.Inc()
	}
	a.notify(s, UpdateSample, &d)
}

// ScoresArrived installs job scores for generation gen. Datums recorded
// without scores are recomputed from their own local energy; an empty
// session gets one datum from the current reading. Stale generations and
// empty scores are dropped and reported as false.
func (a *Aggregator) ScoresArrived(scores *emotion.Scores, gen uint64) bool {
	accepted := false
	a.call(func(s *state) {
		if gen != s.gen {
			metrics.StaleResults.Inc()
			slog.Info("stale scores dropped", "generation", gen, "current", s.gen)
			return
		}
		if scores.Empty() {
			return
		}
		accepted = true
		s.latest = scores

		if s.data.Len() == 0 {
			d := newDatum(a.cfg.Now(), a.src.Position(), a.src.Latest(), scores)
			s.data.PushBack(d)
			a.notify(s, UpdateBackfill, &d)
			return
		}

		filled := 0
		for e := s.data.Front(); e != nil; e = e.Next() {
			if !e.Value.Hume.Empty() {
				continue
			}
			e.Value.apply(scores)
			filled++
		}
		metrics.Backfilled.Add(float64(filled))
		if filled > 0 {
			cur := s.data.Back().Value
			a.notify(s, UpdateBackfill, &cur)
		}
	})
	return accepted
}

// Snapshot returns a copy of the session with its trajectory.
func (a *Aggregator) Snapshot() Snapshot {
	var snap Snapshot
	a.call(func(s *state) {
		snap = Snapshot{
			Generation: s.gen,
			Collecting: s.collecting,
			HasScores:  !s.latest.Empty(),
			Data:       make([]Datum, 0, s.data.Len()),
		}
		for e := s.data.Front(); e != nil; e = e.Next() {
			snap.Data = append(snap.Data, e.Value)
		}
	})
	if n := len(snap.Data); n > 0 {
		cur := snap.Data[n-1]
		snap.Current = &cur
	}
	snap.Trajectory = Trajectory(snap.Data, a.cfg.BucketSeconds)
	return snap
}

// Current returns the newest datum, or nil for an empty session.
func (a *Aggregator) Current() *Datum {
	var cur *Datum
	a.call(func(s *state) {
		if b := s.data.Back(); b != nil {
			d := b.Value
			cur = &d
		}
	})
	return cur
}

// Scores returns the latest accepted job scores, or nil.
func (a *Aggregator) Scores() *emotion.Scores {
	var sc *emotion.Scores
	a.call(func(s *state) { sc = s.latest })
	return sc
}

// Collecting reports whether the ticker is running.
func (a *Aggregator) Collecting() bool {
	var on bool
	a.call(func(s *state) { on = s.collecting })
	return on
}

// Close stops sampling and the aggregator goroutine. Later calls are
// no-ops returning zero values.
func (a *Aggregator) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}

func (a *Aggregator) notify(s *state, kind UpdateKind, cur *Datum) {
	if a.cfg.OnUpdate == nil {
		return
	}
	a.cfg.OnUpdate(Update{Kind: kind, Generation: s.gen, Current: cur, Size: s.data.Len()})
}
