package upto

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper defaults.
const (
	DefaultSweepInterval   = 30 * time.Second
	DefaultIdleSettle      = 2 * time.Minute
	DefaultLongIdleClose   = 30 * time.Minute
	DefaultSettlingTimeout = 5 * time.Minute
	DefaultCapThresholdNum = 9
	DefaultCapThresholdDen = 10
)

// SweeperConfig tunes the background sweeper. Zero values take the
// defaults above.
type SweeperConfig struct {
	Interval          time.Duration
	IdleSettle        time.Duration
	LongIdleClose     time.Duration
	SettlingTimeout   time.Duration
	DeadlineBufferSec int64
	CapThresholdNum   int64
	CapThresholdDen   int64

	// Lock serializes sweeps across replicas. Nil means NoopLock.
	Lock Lock
	// Logger for per-session errors. Nil means slog.Default().
	Logger *slog.Logger
}

// Sweeper periodically walks all live sessions and settles or closes the
// ones that are due. At most one sweep runs per process; the optional
// distributed lock extends that to at most one across replicas.
type Sweeper struct {
	store   SessionStore
	settler *Settler
	config  SweeperConfig

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	started sync.Once
	stopped sync.Once
}

// NewSweeper creates a sweeper over the store and settler.
func NewSweeper(store SessionStore, settler *Settler, config SweeperConfig) *Sweeper {
	if config.Interval == 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.IdleSettle == 0 {
		config.IdleSettle = DefaultIdleSettle
	}
	if config.LongIdleClose == 0 {
		config.LongIdleClose = DefaultLongIdleClose
	}
	if config.SettlingTimeout == 0 {
		config.SettlingTimeout = DefaultSettlingTimeout
	}
	if config.DeadlineBufferSec == 0 {
		config.DeadlineBufferSec = DefaultDeadlineBufferSec
	}
	if config.CapThresholdNum == 0 || config.CapThresholdDen == 0 {
		config.CapThresholdNum = DefaultCapThresholdNum
		config.CapThresholdDen = DefaultCapThresholdDen
	}
	if config.Lock == nil {
		config.Lock = NoopLock{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sweeper{
		store:   store,
		settler: settler,
		config:  config,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	s.started.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopped.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce executes a single sweep tick. Overlapping calls return
// immediately; so do ticks that lose the distributed lock.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	acquired, err := s.config.Lock.Acquire(ctx)
	if err != nil {
		s.config.Logger.Error("sweep lock acquire failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.config.Lock.Release(ctx); err != nil {
			s.config.Logger.Error("sweep lock release failed", "error", err)
		}
	}()

	sessions, err := s.store.Entries(ctx)
	if err != nil {
		s.config.Logger.Error("sweep failed to list sessions", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		action := s.decide(session, time.Now())
		if action.kind == sweepNone {
			continue
		}
		wg.Add(1)
		go func(session *Session, action sweepAction) {
			defer wg.Done()
			s.apply(ctx, session, action)
		}(session, action)
	}
	wg.Wait()
}

type sweepActionKind int

const (
	sweepNone sweepActionKind = iota
	sweepSettle
	sweepClose
	sweepDelete
)

type sweepAction struct {
	kind       sweepActionKind
	reason     string
	closeAfter bool
}

// decide applies the sweep decision table to one session.
func (s *Sweeper) decide(session *Session, now time.Time) sweepAction {
	nowMs := now.UnixMilli()
	idleMs := nowMs - session.LastActivityMs

	if session.Status == StatusSettling {
		if nowMs-session.SettlingSinceMs >= s.config.SettlingTimeout.Milliseconds() {
			return sweepAction{kind: sweepSettle, reason: ReasonSettlingTimeout}
		}
		return sweepAction{kind: sweepNone}
	}

	if session.Status == StatusOpen && session.PendingSpent.Sign() > 0 {
		if idleMs >= s.config.IdleSettle.Milliseconds() {
			return sweepAction{kind: sweepSettle, reason: ReasonIdleTimeout}
		}
		if session.Deadline-now.Unix() <= s.config.DeadlineBufferSec {
			return sweepAction{kind: sweepSettle, reason: ReasonDeadlineBuffer, closeAfter: true}
		}
		total := new(big.Int).Add(session.SettledTotal, session.PendingSpent)
		total.Mul(total, big.NewInt(s.config.CapThresholdDen))
		threshold := new(big.Int).Mul(session.Cap, big.NewInt(s.config.CapThresholdNum))
		if total.Cmp(threshold) >= 0 {
			return sweepAction{kind: sweepSettle, reason: ReasonCapThreshold}
		}
	}

	expired := idleMs >= s.config.LongIdleClose.Milliseconds() ||
		session.Deadline <= now.Unix() ||
		session.SettledTotal.Cmp(session.Cap) >= 0
	if expired {
		if session.PendingSpent.Sign() > 0 {
			return sweepAction{kind: sweepSettle, reason: ReasonAutoClose, closeAfter: true}
		}
		if idleMs >= s.config.LongIdleClose.Milliseconds() {
			return sweepAction{kind: sweepDelete}
		}
		if session.Status != StatusClosed {
			return sweepAction{kind: sweepClose}
		}
	}
	return sweepAction{kind: sweepNone}
}

func (s *Sweeper) apply(ctx context.Context, session *Session, action sweepAction) {
	switch action.kind {
	case sweepSettle:
		// Recovery of a stale settling session re-enters the settle path;
		// clear the stale guard first so the settler does not bail out.
		if session.Status == StatusSettling {
			session.Status = StatusOpen
			session.SettlingSinceMs = 0
			if err := s.store.Set(ctx, session); err != nil {
				s.config.Logger.Error("sweep failed to clear stale settling state",
					"sessionId", session.ID, "error", err)
				return
			}
		}
		if _, err := s.settler.SettleSession(ctx, session.ID, action.reason, action.closeAfter); err != nil {
			s.config.Logger.Error("sweep settlement failed",
				"sessionId", session.ID, "reason", action.reason, "error", err)
		}
	case sweepClose:
		session.Status = StatusClosed
		if err := s.store.Set(ctx, session); err != nil {
			s.config.Logger.Error("sweep failed to close session",
				"sessionId", session.ID, "error", err)
		}
	case sweepDelete:
		if err := s.store.Delete(ctx, session.ID); err != nil {
			s.config.Logger.Error("sweep failed to delete session",
				"sessionId", session.ID, "error", err)
		}
	}
}
