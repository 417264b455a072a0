package handlers

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// Detector is the slice of internal/detector.Detector the handlers need:
// registering/unregistering a group must be atomic with the group's
// create/destroy procedure. Declared here, not imported from
// internal/detector, so detector can depend on handlers' events without
// an import cycle.
type Detector interface {
	RegisterGroup(id string)
	UnregisterGroup(id string)
}

// Deps bundles everything the handler library needs beyond the
// transaction it receives per job: the live-server seam (Prober), the
// gateway (for lock-path resolution before a procedure's transaction
// exists), the outbound connection pool (for purging on removal), the
// failure detector, and a handful of tunables (minimum accepted server
// version, catch-up poll cadence).
type Deps struct {
	Prober   model.Prober
	Gateway  store.Gateway
	Pool     *store.Pool
	Detector Detector
	Log      *logrus.Entry

	MinServerVersion    model.ServerVersion
	CatchUpPollInterval time.Duration
	CatchUpTimeout      time.Duration
}

// Handlers holds the dependencies every registered handler closes over.
type Handlers struct {
	deps Deps
}

// New constructs the handler library. Call Register to wire it into an
// event.Registry.
func New(deps Deps) *Handlers {
	if deps.MinServerVersion == (model.ServerVersion{}) {
		deps.MinServerVersion = model.MinServerVersion
	}
	if deps.CatchUpPollInterval <= 0 {
		deps.CatchUpPollInterval = 200 * time.Millisecond
	}
	if deps.CatchUpTimeout <= 0 {
		deps.CatchUpTimeout = 30 * time.Second
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{deps: deps}
}
