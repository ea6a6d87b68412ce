package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine defaults.
const (
	DefaultQueueSize    = 16
	DefaultIdleTeardown = time.Minute
	DefaultRetention    = 30 * 24 * time.Hour
	pruneInterval       = 24 * time.Hour
)

// ErrorHandler receives tracking failures. They are never surfaced to the
// request path.
type ErrorHandler func(err error, recordID string)

// EngineConfig tunes a tracking engine.
type EngineConfig struct {
	// OnError is invoked for every failed tracking operation. Nil logs via
	// Logger.
	OnError ErrorHandler
	// Logger used when OnError is nil. Nil means slog.Default().
	Logger *slog.Logger
	// QueueSize bounds each record's pending-operation queue. Default 16.
	QueueSize int
	// IdleTeardown removes a record's worker after this idle period.
	// Default 1 minute.
	IdleTeardown time.Duration
	// Retention is how long records are kept by the auto-prune tick.
	// Default 30 days.
	Retention time.Duration
}

// Engine serializes tracking writes per record ID: every record gets its
// own ordered queue drained by one worker, so no two operations for the
// same record run concurrently while different records proceed in
// parallel. The request path never blocks on tracking I/O.
type Engine struct {
	store  Store
	config EngineConfig

	mu     sync.Mutex
	queues map[string]*recordQueue

	opWG sync.WaitGroup

	pruneStop chan struct{}
	pruneDone chan struct{}
	pruneOnce sync.Once
	stopOnce  sync.Once
}

type recordQueue struct {
	ops     chan func()
	pending int
}

// NewEngine creates a tracking engine over the store.
func NewEngine(store Store, config EngineConfig) *Engine {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.IdleTeardown <= 0 {
		config.IdleTeardown = DefaultIdleTeardown
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.OnError == nil {
		logger := config.Logger
		config.OnError = func(err error, recordID string) {
			logger.Error("tracking operation failed", "recordId", recordID, "error", err)
		}
	}
	return &Engine{
		store:  store,
		config: config,
		queues: make(map[string]*recordQueue),
	}
}

// Create enqueues the initial write of a record.
func (e *Engine) Create(record *ResourceCallRecord) {
	clone := *record
	e.enqueue(clone.ID, func() error {
		return e.store.Create(context.Background(), &clone)
	})
}

// RecordVerification merges verification outcome, payment details and the
// audit fields into the record.
func (e *Engine) RecordVerification(recordID string, verified bool, verificationError string, payment *PaymentDetails, audit AuditFields) {
	e.mutate(recordID, func(record *ResourceCallRecord) {
		record.PaymentVerified = verified
		record.VerificationError = verificationError
		if payment != nil {
			record.Payment = payment
		}
		record.Audit = audit
	})
}

// RecordSettlement merges the settlement outcome into the record.
func (e *Engine) RecordSettlement(recordID string, settlement *SettlementDetails) {
	e.mutate(recordID, func(record *ResourceCallRecord) {
		record.Settlement = settlement
	})
}

// RecordUptoSession merges upto session accrual into the record.
func (e *Engine) RecordUptoSession(recordID string, session *UptoSessionDetails) {
	e.mutate(recordID, func(record *ResourceCallRecord) {
		record.UptoSession = session
	})
}

// Finalize merges the response outcome into the record.
func (e *Engine) Finalize(recordID string, responseStatus int, responseTimeMs int64, handlerExecuted bool) {
	e.mutate(recordID, func(record *ResourceCallRecord) {
		record.ResponseStatus = responseStatus
		record.ResponseTimeMs = responseTimeMs
		record.HandlerExecuted = handlerExecuted
	})
}

// Flush blocks until every enqueued operation has completed. Intended for
// shutdown and tests.
func (e *Engine) Flush() {
	e.opWG.Wait()
}

// StartAutoPrune launches the daily prune tick.
func (e *Engine) StartAutoPrune() {
	e.pruneOnce.Do(func() {
		e.pruneStop = make(chan struct{})
		e.pruneDone = make(chan struct{})
		go e.pruneLoop()
	})
}

// StopAutoPrune halts the prune tick and waits for an in-flight prune.
func (e *Engine) StopAutoPrune() {
	e.stopOnce.Do(func() {
		if e.pruneStop != nil {
			close(e.pruneStop)
			<-e.pruneDone
		}
	})
}

func (e *Engine) pruneLoop() {
	defer close(e.pruneDone)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.pruneStop:
			return
		case <-ticker.C:
			pruned, err := e.store.Prune(context.Background(), time.Now().Add(-e.config.Retention))
			if err != nil {
				e.config.Logger.Error("tracking prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				e.config.Logger.Info("pruned tracking records", "count", pruned)
			}
		}
	}
}

// mutate enqueues a load-modify-store cycle for the record.
func (e *Engine) mutate(recordID string, apply func(*ResourceCallRecord)) {
	e.enqueue(recordID, func() error {
		record, err := e.store.Get(context.Background(), recordID)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("record %s not found", recordID)
		}
		apply(record)
		return e.store.Update(context.Background(), record)
	})
}

// enqueue appends an operation to the record's ordered queue, spawning
// the worker on first use. An error in one operation is reported and does
// not break the chain for later operations.
func (e *Engine) enqueue(recordID string, op func() error) {
	e.mu.Lock()
	queue, ok := e.queues[recordID]
	if !ok {
		queue = &recordQueue{ops: make(chan func(), e.config.QueueSize)}
		e.queues[recordID] = queue
		go e.drain(recordID, queue)
	}
	queue.pending++
	e.mu.Unlock()

	e.opWG.Add(1)
	queue.ops <- func() {
		defer e.opWG.Done()
		if err := op(); err != nil {
			e.config.OnError(err, recordID)
		}
	}
}

// drain executes the record's operations in order and tears the worker
// down once the queue has been idle with nothing pending.
func (e *Engine) drain(recordID string, queue *recordQueue) {
	idle := time.NewTimer(e.config.IdleTeardown)
	defer idle.Stop()
	for {
		select {
		case op := <-queue.ops:
			op()
			e.mu.Lock()
			queue.pending--
			e.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.config.IdleTeardown)
		case <-idle.C:
			e.mu.Lock()
			if queue.pending == 0 {
				delete(e.queues, recordID)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			idle.Reset(e.config.IdleTeardown)
		}
	}
}
