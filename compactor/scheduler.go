// Package compactor decides when background compaction runs. It does not
// compact anything itself: callers register actions and advise the scheduler
// when there may be work.
//
// A single goroutine owns the debounce timer. Advisories are coalesced in a
// one-slot channel, so any number of AdviceRunning calls while a run is
// pending or in progress lead to exactly one further run.
package compactor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Action runs one bounded unit of compaction. It returns true if it made
// progress and wants to run again soon. It must return promptly once ctx is
// cancelled.
type Action func(ctx context.Context) (progress bool, err error)

const DefaultWaitTime = 2 * time.Second

type Option func(*Scheduler)

// WithWaitTime sets the debounce interval.
func WithWaitTime(d time.Duration) Option {
	return func(s *Scheduler) { s.waitTime = d }
}

// WithOpeningDelay sets the delay used for advisories sent while a store is
// opening. It defaults to the wait time.
func WithOpeningDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.openingDelay = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

type registered struct {
	id   uint64
	name string
	fn   Action
}

// Scheduler runs registered actions a debounce interval after being
// advised.
type Scheduler struct {
	logger *slog.Logger

	mu           sync.Mutex
	waitTime     time.Duration
	openingDelay time.Duration
	actions      map[uint64]registered
	nextID       uint64

	advice chan bool
	runs   atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a scheduler. Nothing runs until AdviceRunning is called.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		waitTime:     DefaultWaitTime,
		openingDelay: -1,
		actions:      make(map[uint64]registered),
		advice:       make(chan bool, 1),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.openingDelay < 0 {
		s.openingDelay = s.waitTime
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.loop()
	return s
}

// WaitTime returns the debounce interval.
func (s *Scheduler) WaitTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitTime
}

// Runs returns how many ticks have executed.
func (s *Scheduler) Runs() uint64 { return s.runs.Load() }

// Register adds an action to every future run. The returned function
// removes it again.
func (s *Scheduler) Register(name string, fn Action) (unregister func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.actions[id] = registered{id: id, name: name, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.actions, id)
		s.mu.Unlock()
	}
}

// AdviceRunning tells the scheduler there may be work. openingDB selects the
// opening delay instead of the wait time. It never blocks.
func (s *Scheduler) AdviceRunning(openingDB bool) {
	select {
	case <-s.done:
	case s.advice <- openingDB:
	default:
		// An advisory is already queued.
	}
}

// Close cancels running actions and waits for them to return.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Scheduler) delay(openingDB bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if openingDB {
		return s.openingDelay
	}
	return s.waitTime
}

func (s *Scheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	armed := false
	var deadline time.Time

	arm := func(d time.Duration) {
		timer.Reset(d)
		armed = true
		deadline = time.Now().Add(d)
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case opening := <-s.advice:
			// An armed timer is only ever brought forward, e.g. a commit
			// during the opening delay.
			if d := s.delay(opening); !armed || time.Now().Add(d).Before(deadline) {
				arm(d)
			}

		case <-timer.C:
			armed = false
			progress := s.runOnce()
			if s.ctx.Err() != nil {
				return
			}
			if progress {
				arm(s.delay(false))
			}
		}
	}
}

// runOnce runs every registered action concurrently and reports whether any
// made progress.
func (s *Scheduler) runOnce() bool {
	s.mu.Lock()
	actions := make([]registered, 0, len(s.actions))
	for _, a := range s.actions {
		actions = append(actions, a)
	}
	s.mu.Unlock()
	sort.Slice(actions, func(i, j int) bool { return actions[i].id < actions[j].id })

	s.runs.Add(1)
	var progress atomic.Bool
	var g errgroup.Group
	for _, a := range actions {
		a := a
		g.Go(func() error {
			more, err := a.fn(s.ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("compaction action failed", "action", a.name, "err", err)
				}
				return nil
			}
			if more {
				progress.Store(true)
			}
			return nil
		})
	}
	g.Wait()
	return progress.Load()
}
