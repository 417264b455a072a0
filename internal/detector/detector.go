// Package detector is the failure detector: a per-group ticker that
// probes the group's current master, counts consecutive failures, and
// on reaching a strike threshold triggers group.promote with no
// candidate through the same event dispatcher path a user command would
// use: the promotion itself is handled identically whether it was
// requested by an operator or by the detector, and serializes on the
// same group lock.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/handlers"
	"github.com/signal18/mysql-fabric-manager/internal/logging"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// Detector watches every registered group's master and promotes a
// replacement once it has missed Threshold consecutive probes.
type Detector struct {
	gw         store.Gateway
	prober     model.Prober
	dispatcher *event.Registry
	period     time.Duration
	threshold  int
	log        *logrus.Entry

	mu     sync.Mutex
	groups map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a detector. It does not start watching any group until
// RegisterGroup is called.
func New(gw store.Gateway, prober model.Prober, dispatcher *event.Registry, period time.Duration, threshold int, log *logrus.Entry) *Detector {
	if period <= 0 {
		period = 5 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	if log == nil {
		log = logging.New()
	}
	return &Detector{
		gw:         gw,
		prober:     prober,
		dispatcher: dispatcher,
		period:     period,
		threshold:  threshold,
		log:        log,
		groups:     map[string]context.CancelFunc{},
	}
}

// RegisterGroup starts watching id, idempotent if id is already watched.
// Implements handlers.Detector so handlers.GroupCreate can call it
// directly.
func (d *Detector) RegisterGroup(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.groups[id] = cancel
	d.wg.Add(1)
	go d.watch(ctx, id)
}

// UnregisterGroup stops watching id, idempotent if it is not watched.
func (d *Detector) UnregisterGroup(id string) {
	d.mu.Lock()
	cancel, ok := d.groups[id]
	delete(d.groups, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every watch goroutine and waits for them to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	for id, cancel := range d.groups {
		cancel()
		delete(d.groups, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) watch(ctx context.Context, groupID string) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	log := logging.Group(d.log, groupID)
	strikes := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			ok := d.probeOnce(ctx, groupID, log)
			if ok {
				strikes = 0
				continue
			}
			strikes++
			log.WithField("strikes", strikes).Warn("master probe failed")
			if strikes >= d.threshold {
				d.promote(ctx, groupID, log)
				strikes = 0
			}
		}
	}
}

// probeOnce reports whether the group's current master answered a
// probe. A missing group, a master-less group, or any persistence error
// is treated as "healthy" (nothing to promote away from) so the
// detector never promotes a group whose state it cannot establish
// cleanly.
func (d *Detector) probeOnce(ctx context.Context, groupID string, log *logrus.Entry) bool {
	master, ok := d.currentMaster(ctx, groupID, log)
	if !ok {
		return true
	}

	status, err := d.prober.Probe(ctx, master.UUID, master.Address, master.User, master.Password)
	if err != nil {
		return false
	}
	return status.Reachable
}

// currentMaster reads the group's master record in a short transaction
// that is released before the network probe runs, so a slow or hung
// probe never holds the gateway open.
func (d *Detector) currentMaster(ctx context.Context, groupID string, log *logrus.Entry) (model.Server, bool) {
	tx, err := d.gw.Begin(ctx)
	if err != nil {
		log.WithError(err).Error("cannot open transaction for probe")
		return model.Server{}, false
	}
	defer tx.Rollback()

	group, err := tx.GetGroup(groupID)
	if err != nil || !group.HasMaster() {
		return model.Server{}, false
	}
	master, err := tx.GetServer(group.Master)
	if err != nil {
		return model.Server{}, false
	}
	return master, true
}

// promote triggers group.promote with no candidate, through the same
// dispatcher path a user-issued command uses.
func (d *Detector) promote(ctx context.Context, groupID string, log *logrus.Entry) {
	log.Warn("triggering failover: strike threshold reached")
	if _, err := d.dispatcher.Trigger(ctx, handlers.EventGroupPromote, groupID); err != nil {
		log.WithError(err).Error("failed to trigger promotion")
	}
}
