package detector_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signal18/mysql-fabric-manager/internal/detector"
	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/handlers"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSubmitter) Submit(ctx context.Context, eventName string, lockPaths []string, jobs []func(ctx context.Context) (interface{}, error)) (event.Procedure, error) {
	s.mu.Lock()
	s.events = append(s.events, eventName)
	s.mu.Unlock()
	for _, job := range jobs {
		job(ctx)
	}
	return noopProcedure{}, nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type noopProcedure struct{}

func (noopProcedure) UUID() string { return "noop" }

type flakyProber struct {
	mu        sync.Mutex
	reachable bool
}

func (p *flakyProber) setReachable(v bool) {
	p.mu.Lock()
	p.reachable = v
	p.mu.Unlock()
}

func (p *flakyProber) Probe(_ context.Context, uuid, _, _, _ string) (model.ReplicationStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.ReplicationStatus{UUID: uuid, Reachable: p.reachable}, nil
}

func (p *flakyProber) DiscoverUUID(_ context.Context, address, _, _ string) (string, error) {
	return "uuid-" + address, nil
}
func (p *flakyProber) HasRootPrivileges(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}
func (p *flakyProber) ConfigureReplication(_ context.Context, _, _, _, _, _ string) error {
	return nil
}

func seedGroupWithMaster(t *testing.T, gw store.Gateway) {
	t.Helper()
	tx, err := gw.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.PutGroup(model.Group{ID: "group1", Master: "uuid-master", Status: model.GroupActive}))
	require.NoError(t, tx.PutServer(model.Server{UUID: "uuid-master", GroupID: "group1", Address: "10.0.0.1:3306", Role: model.RolePrimary, Mode: model.ModeReadWrite}))
	require.NoError(t, tx.Commit())
}

func TestDetectorTriggersPromoteAfterThreshold(t *testing.T) {
	gw := store.NewMemory()
	seedGroupWithMaster(t, gw)

	prober := &flakyProber{reachable: false}
	submitter := &recordingSubmitter{}
	reg := event.New(submitter)

	d := detector.New(gw, prober, reg, 10*time.Millisecond, 3, nil)
	d.RegisterGroup("group1")
	defer d.Stop()

	require.Eventually(t, func() bool {
		return submitter.count() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, string(handlers.EventGroupPromote), submitter.events[0])
}

func TestDetectorResetsStrikesOnRecovery(t *testing.T) {
	gw := store.NewMemory()
	seedGroupWithMaster(t, gw)

	prober := &flakyProber{reachable: false}
	submitter := &recordingSubmitter{}
	reg := event.New(submitter)

	d := detector.New(gw, prober, reg, 10*time.Millisecond, 100, nil)
	d.RegisterGroup("group1")
	defer d.Stop()

	time.Sleep(50 * time.Millisecond)
	prober.setReachable(true)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, submitter.count())
}

func TestUnregisterGroupStopsWatch(t *testing.T) {
	gw := store.NewMemory()
	seedGroupWithMaster(t, gw)

	prober := &flakyProber{reachable: false}
	submitter := &recordingSubmitter{}
	reg := event.New(submitter)

	d := detector.New(gw, prober, reg, 5*time.Millisecond, 1, nil)
	d.RegisterGroup("group1")
	time.Sleep(20 * time.Millisecond)
	d.UnregisterGroup("group1")

	countAfterStop := submitter.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, countAfterStop, submitter.count())
}
