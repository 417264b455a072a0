// Package executor is the scheduling kernel: a worker pool plus a
// per-procedure FIFO of jobs, snapshot/rollback on handler failure, and
// an append-only status log. Parallel worker goroutines run across
// procedures; within one procedure jobs are strictly serial.
//
// The worker pool is a counting semaphore sized by Config.Workers;
// golang.org/x/sync/errgroup backs FanOut, the concurrent fan-out the
// topology handlers run their cross-group re-points through.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/logging"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// ErrAborted is returned/logged when a procedure finishes because its
// deadline elapsed or Abort was called explicitly.
var ErrAborted = fmt.Errorf("executor: procedure aborted")

// Config sizes the worker pool and bounds status-log retention: a
// bounded ring per procedure plus a global cap on how many procedures
// are retained in memory, oldest evicted first.
type Config struct {
	Workers                   int
	MaxStatusRowsPerProcedure int
	MaxRetainedProcedures     int
	LockRetry                 lockmgr.RetryConfig
}

// DefaultConfig is used when a zero-value Config is passed to New.
func DefaultConfig() Config {
	return Config{
		Workers:                   4,
		MaxStatusRowsPerProcedure: 500,
		MaxRetainedProcedures:     10000,
		LockRetry:                 lockmgr.DefaultRetryConfig,
	}
}

// Executor owns the worker pool and the retained procedure set. It
// implements event.Submitter.
type Executor struct {
	gw    store.Gateway
	locks *lockmgr.Manager
	cfg   Config
	log   *logrus.Entry

	sem chan struct{}

	retained *retainedSet
}

// New builds an Executor and runs its crash-recovery pass: any procedure
// row whose status log has no terminal row is marked ERROR with
// diagnosis "executor restarted". No attempt is made to resume a
// partial procedure because intermediate MySQL-side effects may already
// be observable.
func New(ctx context.Context, gw store.Gateway, locks *lockmgr.Manager, cfg Config, log *logrus.Entry) (*Executor, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxStatusRowsPerProcedure <= 0 {
		cfg.MaxStatusRowsPerProcedure = DefaultConfig().MaxStatusRowsPerProcedure
	}
	if cfg.MaxRetainedProcedures <= 0 {
		cfg.MaxRetainedProcedures = DefaultConfig().MaxRetainedProcedures
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	e := &Executor{
		gw:       gw,
		locks:    locks,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.Workers),
		retained: newRetainedSet(cfg.MaxRetainedProcedures),
	}

	if err := e.recoverCrashedProcedures(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) recoverCrashedProcedures(ctx context.Context) error {
	tx, err := e.gw.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin crash recovery scan: %w", err)
	}
	pending, err := tx.ListUnterminatedProcedures()
	tx.Rollback()
	if err != nil {
		return fmt.Errorf("list unterminated procedures: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	tx2, err := e.gw.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin crash recovery update: %w", err)
	}
	for _, p := range pending {
		p.State = StateError
		if err := tx2.PutProcedure(p); err != nil {
			tx2.Rollback()
			return fmt.Errorf("mark procedure (%s) errored on restart: %w", p.UUID, err)
		}
		if err := tx2.AppendStatusRow(store.StatusRow{
			ProcedureUUID: p.UUID,
			Timestamp:     now(),
			State:         JobError,
			Success:       false,
			Diagnosis:     "executor restarted",
		}); err != nil {
			tx2.Rollback()
			return fmt.Errorf("append restart status row for procedure (%s): %w", p.UUID, err)
		}
		logging.Procedure(e.log, p.UUID, p.Event).Warn("marking procedure ERROR after executor restart")
	}
	return tx2.Commit()
}

// now exists so tests can be deterministic if ever needed; production
// code always uses wall-clock time.
var now = time.Now

// Submit implements event.Submitter: it creates a procedure, persists
// its header, and asynchronously runs its jobs in enqueue order. It
// returns immediately without blocking on job completion.
func (e *Executor) Submit(ctx context.Context, eventName string, lockPaths []string, jobs []func(ctx context.Context) (interface{}, error)) (event.Procedure, error) {
	p := &Procedure{
		id:            uuid.NewString(),
		event:         eventName,
		lockPaths:     lockPaths,
		createdAt:     now(),
		state:         StateRunning,
		done:          make(chan struct{}),
		maxStatusRows: e.cfg.MaxStatusRowsPerProcedure,
	}

	record := store.ProcedureRecord{UUID: p.id, Event: eventName, LockPaths: lockPaths, State: StateRunning, CreatedAt: p.createdAt}
	tx, err := e.gw.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin procedure header transaction: %w", err)
	}
	if err := tx.PutProcedure(record); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("persist procedure (%s) header: %w", p.id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit procedure (%s) header: %w", p.id, err)
	}

	e.retained.put(p.id, p)

	go e.run(ctx, p, jobs)

	return p, nil
}

func (e *Executor) run(ctx context.Context, p *Procedure, jobs []func(ctx context.Context) (interface{}, error)) {
	var handle *lockmgr.Handle
	if len(p.lockPaths) > 0 {
		var err error
		handle, err = e.locks.Acquire(ctx, p.id, p.lockPaths, e.cfg.LockRetry)
		if err != nil {
			e.appendAndPersist(ctx, p, store.StatusRow{
				ProcedureUUID: p.id, Timestamp: now(), State: JobError,
				Description: "acquiring locks", Diagnosis: err.Error(),
			})
			for i := range jobs {
				e.appendAndPersist(ctx, p, store.StatusRow{
					ProcedureUUID: p.id, Timestamp: now(), JobID: i, State: JobSkipped,
					Description: fmt.Sprintf("job %d", i),
				})
			}
			e.finish(ctx, p, StateError)
			return
		}
	}
	defer func() {
		if handle != nil {
			handle.Release()
		}
	}()

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	failed := false
	for i, job := range jobs {
		if failed || p.isAborted() || ctx.Err() != nil {
			diagnosis := ""
			if p.isAborted() || ctx.Err() != nil {
				diagnosis = ErrAborted.Error()
			}
			e.appendAndPersist(ctx, p, store.StatusRow{
				ProcedureUUID: p.id, Timestamp: now(), JobID: i, State: JobSkipped,
				Description: fmt.Sprintf("job %d", i), Diagnosis: diagnosis,
			})
			continue
		}
		if err := e.runJob(ctx, p, i, job); err != nil {
			failed = true
		}
	}

	if failed {
		e.finish(ctx, p, StateError)
	} else {
		e.finish(ctx, p, StateComplete)
	}
}

// runJob is the single-job execution protocol: open a transaction,
// materialize the read view (the transaction itself, for the
// in-memory/MVCC backends), run the handler, commit+SUCCESS or
// rollback+ERROR. Transient database errors are retried exactly once,
// here at the job layer; anything else is a handler-level concern with
// no automatic retry.
func (e *Executor) runJob(ctx context.Context, p *Procedure, jobID int, job func(ctx context.Context) (interface{}, error)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := e.gw.Begin(ctx)
		if err != nil {
			lastErr = err
			if store.IsRetryable(err) {
				continue
			}
			break
		}

		result, err := e.invoke(WithTx(ctx, tx), job)
		if err != nil {
			tx.Rollback()
			lastErr = err
			if store.IsRetryable(err) && attempt == 0 {
				continue
			}
			break
		}

		if err := tx.Commit(); err != nil {
			lastErr = err
			if store.IsRetryable(err) && attempt == 0 {
				continue
			}
			break
		}

		e.appendAndPersist(ctx, p, store.StatusRow{
			ProcedureUUID: p.id, Timestamp: now(), JobID: jobID, State: JobSuccess,
			Success: true, Description: describe(result),
		})
		return nil
	}

	logging.Job(logging.Procedure(e.log, p.id, p.event), jobID).WithError(lastErr).Warn("job failed")
	e.appendAndPersist(ctx, p, store.StatusRow{
		ProcedureUUID: p.id, Timestamp: now(), JobID: jobID, State: JobError,
		Success: false, Diagnosis: lastErr.Error(),
	})
	return lastErr
}

// invoke recovers a panicking handler into an error so it is never
// thrown as a native exception across the RPC boundary.
func (e *Executor) invoke(ctx context.Context, job func(ctx context.Context) (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return job(ctx)
}

func describe(result interface{}) string {
	if result == nil {
		return ""
	}
	return fmt.Sprintf("%v", result)
}

func (e *Executor) appendAndPersist(ctx context.Context, p *Procedure, row store.StatusRow) {
	p.appendStatus(row)
	log := logging.Procedure(e.log, p.id, p.event)
	tx, err := e.gw.Begin(ctx)
	if err != nil {
		log.WithError(err).Error("could not persist status row")
		return
	}
	if err := tx.AppendStatusRow(row); err != nil {
		tx.Rollback()
		log.WithError(err).Error("could not append status row")
		return
	}
	tx.Commit()
}

func (e *Executor) finish(ctx context.Context, p *Procedure, state string) {
	p.finish(state)
	log := logging.Procedure(e.log, p.id, p.event)
	log.WithField("state", state).Info("procedure finished")
	tx, err := e.gw.Begin(ctx)
	if err != nil {
		log.WithError(err).Error("could not persist terminal procedure state")
		return
	}
	record := store.ProcedureRecord{UUID: p.id, Event: p.event, LockPaths: p.lockPaths, State: state, CreatedAt: p.createdAt}
	if err := tx.PutProcedure(record); err != nil {
		tx.Rollback()
		log.WithError(err).Error("could not persist terminal procedure state")
		return
	}
	tx.Commit()
}

// Lookup returns a previously submitted, still-retained procedure.
func (e *Executor) Lookup(uuid string) (*Procedure, bool) {
	return e.retained.get(uuid)
}

// FanOut runs fns concurrently and returns the first error, if any. Used
// by handlers that must re-point several shard groups at once (e.g. a
// global-group promote re-pointing every shard group's master) without
// serializing on each other.
func FanOut(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
