package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
	"github.com/mdrakiburrahman/kusto-pinger/logger"
	"github.com/mdrakiburrahman/kusto-pinger/storage"
)

// State is the lifecycle state of a Scheduler.
type State int32

const (
	Polling State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Polling:
		return "POLLING"
	case Stopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tunes a Scheduler.
type Options struct {
	Interval    time.Duration    // pause between cycles, default 30s
	Retention   time.Duration    // samples older than this are evicted, default 7 days
	Concurrency int              // targets polled in parallel, default 1
	Now         func() time.Time // capture clock, default time.Now
}

// Stats is a snapshot of the scheduler's progress.
type Stats struct {
	State       State
	Cycles      int64
	LastCycleID string
	LastCycleAt time.Time
	LastFailed  int
	// LastSkipped counts targets of the last cycle that were never polled
	// because the cycle was cancelled first.
	LastSkipped int
}

// outcome is what happened to one target during a cycle.
type outcome int

const (
	polled outcome = iota
	failed
	skipped
)

// tally counts the non-successful outcomes of a cycle.
type tally struct {
	failed  int
	skipped int
}

func (t *tally) add(o outcome) {
	switch o {
	case failed:
		t.failed++
	case skipped:
		t.skipped++
	}
}

// Scheduler polls every target once per cycle, in registration order, and
// hands each source's history (or its error) to the sink. A failing source
// never affects the others or later cycles.
type Scheduler struct {
	targets   []config.Target
	collector collector.Collector
	store     storage.Store
	sink      Sink
	log       *zap.Logger

	interval    time.Duration
	retention   time.Duration
	concurrency int
	now         func() time.Time

	state atomic.Int32
	mu    sync.Mutex
	stats Stats
}

// New creates a scheduler in the POLLING state.
func New(targets []config.Target, c collector.Collector, store storage.Store, sink Sink, opts Options, log *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		targets:     targets,
		collector:   c,
		store:       store,
		sink:        sink,
		log:         log,
		interval:    opts.Interval,
		retention:   opts.Retention,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the scheduler's progress.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.State()
	return st
}

// Run polls until ctx is cancelled, sleeping the configured interval between
// cycles. Cancellation is honoured before each target and during the sleep.
// Run returns nil once cancelled and leaves the scheduler STOPPED.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.state.Store(int32(Stopped))

	s.log.Info("scheduler started",
		zap.Int("targets", len(s.targets)),
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
		zap.Int("concurrency", s.concurrency))

	for {
		if err := s.RunCycle(ctx); err != nil {
			s.log.Info("scheduler stopped", zap.Error(err))
			return nil
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle polls every target once. It only returns an error when ctx was
// cancelled before all targets were polled.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cycleID := uuid.NewString()
	log := logger.WithCycle(s.log, cycleID)
	ctx = logger.WithContext(ctx, log)
	started := s.now()

	if o, ok := s.sink.(CycleObserver); ok {
		o.CycleStarted(cycleID, started)
	}
	log.Debug("cycle started", zap.Int("targets", len(s.targets)))

	var counts tally
	var err error
	if s.concurrency > 1 && len(s.targets) > 1 {
		err = s.runParallel(ctx, &counts)
	} else {
		err = s.runSequential(ctx, &counts)
	}

	took := s.now().Sub(started)
	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastCycleID = cycleID
	s.stats.LastCycleAt = started
	s.stats.LastFailed = counts.failed
	s.stats.LastSkipped = counts.skipped
	s.mu.Unlock()

	if o, ok := s.sink.(CycleObserver); ok {
		o.CycleFinished(cycleID, took)
	}
	log.Info("cycle finished",
		zap.Int("targets", len(s.targets)),
		zap.Int("failed", counts.failed),
		zap.Int("skipped", counts.skipped),
		zap.Duration("took", took))
	return err
}

func (s *Scheduler) runSequential(ctx context.Context, counts *tally) error {
	for i, t := range s.targets {
		if err := ctx.Err(); err != nil {
			counts.skipped += len(s.targets) - i
			return err
		}
		counts.add(s.poll(ctx, t))
	}
	return nil
}

// runParallel feeds the targets to a bounded pool of workers. Every target is
// queued exactly once and the call waits for all of them, so no source is
// ever polled by two workers at the same time.
func (s *Scheduler) runParallel(ctx context.Context, counts *tally) error {
	jobs := make(chan config.Target, len(s.targets))
	results := make(chan outcome, len(s.targets))

	workers := min(s.concurrency, len(s.targets))
	for w := 1; w <= workers; w++ {
		go s.worker(ctx, w, jobs, results)
	}
	for _, t := range s.targets {
		jobs <- t
	}
	close(jobs)

	for range s.targets {
		counts.add(<-results)
	}
	return ctx.Err()
}

func (s *Scheduler) worker(ctx context.Context, id int, jobs <-chan config.Target, results chan<- outcome) {
	log := logger.FromContext(ctx, s.log)
	for t := range jobs {
		if ctx.Err() != nil {
			log.Debug("worker skipped target", zap.Int("worker", id), zap.String("source", t.Name))
			results <- skipped
			continue
		}
		log.Debug("worker polling", zap.Int("worker", id), zap.String("source", t.Name))
		results <- s.poll(ctx, t)
	}
}

// poll runs one source's step and renders exactly one outcome for it.
func (s *Scheduler) poll(ctx context.Context, t config.Target) outcome {
	log := logger.WithSource(logger.FromContext(ctx, s.log), t.Name)

	history, err := s.step(ctx, t)
	if err != nil {
		log.Warn("source failed", zap.Error(err))
		s.sink.RenderError(t.Name, err)
		return failed
	}
	log.Debug("source rendered", zap.Int("samples", len(history)))
	s.sink.RenderHistory(t.Name, history)
	return polled
}

// step is Collect, Normalize, Append, Evict and History for one source.
func (s *Scheduler) step(ctx context.Context, t config.Target) (history []collector.Sample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s: panic: %v", t.Name, r)
		}
	}()

	rows, err := s.collector.Collect(ctx, t)
	if err != nil {
		return nil, err
	}
	samples := collector.Normalize(rows, t, s.now())
	if err := s.store.Append(ctx, samples); err != nil {
		return nil, err
	}
	if err := s.store.Evict(ctx, t.Name, s.retention); err != nil {
		return nil, err
	}
	return s.store.History(ctx, t.Name)
}
