// Package core assembles the fleet coordination kernel's components
// into one explicit, non-singleton object: a single Context value
// threaded through the process, never package-level global state.
package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/signal18/mysql-fabric-manager/internal/config"
	"github.com/signal18/mysql-fabric-manager/internal/detector"
	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/executor"
	"github.com/signal18/mysql-fabric-manager/internal/handlers"
	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/rpc"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// Context bundles the pool, executor, dispatcher and detector that
// together make up one running instance of the core.
type Context struct {
	Config     config.Config
	Log        *logrus.Entry
	Gateway    store.Gateway
	Pool       *store.Pool
	Prober     model.Prober
	Locks      *lockmgr.Manager
	Executor   *executor.Executor
	Dispatcher *event.Registry
	Handlers   *handlers.Handlers
	Detector   *detector.Detector
	RPC        *rpc.Server
}

// New wires every component together, registers the handler library,
// and starts the detector's per-group tickers for every persisted active
// group (later groups start theirs as each group.create runs). It does
// not start the HTTP listener.
func New(ctx context.Context, cfg config.Config, log *logrus.Entry) (*Context, error) {
	var gw store.Gateway
	var err error
	if cfg.MetadataDSN != "" {
		gw, err = store.OpenMySQL(ctx, cfg.MetadataDSN)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}
	} else {
		gw = store.NewMemory()
	}

	pool := store.NewPool(4)
	prober := store.NewMySQLProber(pool)
	locks := lockmgr.New()

	exec, err := executor.New(ctx, gw, locks, executor.Config{
		Workers:   cfg.Workers,
		LockRetry: cfg.LockRetryConfig(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	dispatcher := event.New(exec)

	c := &Context{
		Config:     cfg,
		Log:        log,
		Gateway:    gw,
		Pool:       pool,
		Prober:     prober,
		Locks:      locks,
		Executor:   exec,
		Dispatcher: dispatcher,
	}

	det := detector.New(gw, prober, dispatcher, cfg.FailureDetectorPeriod, cfg.FailureDetectorStrikes, log)
	c.Detector = det

	h := handlers.New(handlers.Deps{
		Prober:              prober,
		Gateway:             gw,
		Pool:                pool,
		Detector:            det,
		Log:                 log,
		MinServerVersion:    cfg.MinServerVersion,
		CatchUpPollInterval: cfg.CatchUpPollInterval,
		CatchUpTimeout:      cfg.CatchUpTimeout,
	})
	h.Register(dispatcher)
	c.Handlers = h

	c.RPC = rpc.New(dispatcher, log)

	if err := c.resumeDetectorWatches(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// resumeDetectorWatches re-registers every persisted active group with
// the detector on startup, since RegisterGroup is otherwise only called
// from group.create and would otherwise miss groups that existed before
// this process started.
func (c *Context) resumeDetectorWatches(ctx context.Context) error {
	tx, err := c.Gateway.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin detector resume scan: %w", err)
	}
	defer tx.Rollback()

	groups, err := tx.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups for detector resume: %w", err)
	}
	for _, g := range groups {
		if g.Status == model.GroupActive {
			c.Detector.RegisterGroup(g.ID)
		}
	}
	return nil
}

// Close releases the gateway and stops the detector's watch goroutines.
func (c *Context) Close() error {
	c.Detector.Stop()
	return c.Gateway.Close()
}
