package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/executor"
	"github.com/signal18/mysql-fabric-manager/internal/handlers"
	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// fakeProber assigns one UUID per address and lets tests move a server's
// reported binlog position around to exercise the catch-up poll.
type fakeProber struct {
	uuidByAddress map[string]string
	position      map[string]int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{uuidByAddress: map[string]string{}, position: map[string]int64{}}
}

func (f *fakeProber) DiscoverUUID(_ context.Context, address, _, _ string) (string, error) {
	if uuid, ok := f.uuidByAddress[address]; ok {
		return uuid, nil
	}
	uuid := "uuid-" + address
	f.uuidByAddress[address] = uuid
	return uuid, nil
}

func (f *fakeProber) Probe(_ context.Context, uuid, _, _, _ string) (model.ReplicationStatus, error) {
	return model.ReplicationStatus{
		UUID:           uuid,
		Reachable:      true,
		Version:        model.ServerVersion{Major: 8, Minor: 0, Patch: 30},
		BinlogFile:     "bin.000001",
		BinlogPosition: f.position[uuid],
	}, nil
}

func (f *fakeProber) HasRootPrivileges(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}

func (f *fakeProber) ConfigureReplication(_ context.Context, _, _, _, _, _ string) error {
	return nil
}

type fakeDetector struct {
	registered map[string]bool
}

func (d *fakeDetector) RegisterGroup(id string)   { d.registered[id] = true }
func (d *fakeDetector) UnregisterGroup(id string) { delete(d.registered, id) }

func newHarness(t *testing.T) (*event.Registry, *fakeProber, *fakeDetector, store.Gateway) {
	t.Helper()
	gw := store.NewMemory()
	locks := lockmgr.New()
	exec, err := executor.New(context.Background(), gw, locks, executor.Config{Workers: 2}, nil)
	require.NoError(t, err)

	prober := newFakeProber()
	detector := &fakeDetector{registered: map[string]bool{}}
	h := handlers.New(handlers.Deps{
		Prober:              prober,
		Gateway:             gw,
		Detector:            detector,
		CatchUpPollInterval: time.Millisecond,
		CatchUpTimeout:      time.Second,
	})

	reg := event.New(exec)
	h.Register(reg)
	return reg, prober, detector, gw
}

func snapshot(t *testing.T, gw store.Gateway) model.Snapshot {
	t.Helper()
	tx, err := gw.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	snap, err := tx.Snapshot()
	require.NoError(t, err)
	return snap
}

func trigger(t *testing.T, reg *event.Registry, ev event.Event, args ...interface{}) []store.StatusRow {
	t.Helper()
	proc, err := reg.Trigger(context.Background(), ev, args...)
	require.NoError(t, err)
	p, ok := proc.(*executor.Procedure)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows := p.Wait(ctx)
	require.Equal(t, executor.StateComplete, p.State(), "status log: %+v", rows)
	return rows
}

func TestGroupLifecycle(t *testing.T) {
	reg, _, detector, _ := newHarness(t)

	trigger(t, reg, handlers.EventGroupCreate, "group1", "first group")
	require.True(t, detector.registered["group1"])

	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.2:3306", "root", "pw")

	trigger(t, reg, handlers.EventGroupPromote, "group1", "uuid-10.0.0.1:3306")

	proc, err := reg.Trigger(context.Background(), handlers.EventGroupLookupServers, "group1")
	require.NoError(t, err)
	p := proc.(*executor.Procedure)
	p.Wait(context.Background())
	require.Equal(t, executor.StateComplete, p.State())

	trigger(t, reg, handlers.EventGroupRemove, "group1", "uuid-10.0.0.2:3306")
	trigger(t, reg, handlers.EventGroupDemote, "group1")
	trigger(t, reg, handlers.EventGroupDestroy, "group1", true)
	require.False(t, detector.registered["group1"])
}

func TestGroupAddDuplicateAddress(t *testing.T) {
	reg, _, _, _ := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "group1", "")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")

	proc, err := reg.Trigger(context.Background(), handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")
	require.NoError(t, err)
	p := proc.(*executor.Procedure)
	rows := p.Wait(context.Background())
	require.Equal(t, executor.StateError, p.State())

	last := rows[len(rows)-1]
	require.False(t, last.Success)
	require.Contains(t, last.Diagnosis, "already exists")
}

func TestGroupPromoteWithCandidateRepointsReplicas(t *testing.T) {
	reg, _, _, gw := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "group1", "")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.2:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupPromote, "group1", "uuid-10.0.0.1:3306")

	// Switch mastership to the second server: the first must end up
	// SECONDARY, replicating from the new master.
	trigger(t, reg, handlers.EventGroupPromote, "group1", "uuid-10.0.0.2:3306")

	snap := snapshot(t, gw)
	require.NoError(t, snap.CheckInvariants())
	for _, g := range snap.Groups {
		require.Equal(t, "uuid-10.0.0.2:3306", g.Master)
	}
	for _, s := range snap.Servers {
		switch s.UUID {
		case "uuid-10.0.0.2:3306":
			require.Equal(t, model.RolePrimary, s.Role)
		case "uuid-10.0.0.1:3306":
			require.Equal(t, model.RoleSecondary, s.Role)
			require.Equal(t, "uuid-10.0.0.2:3306", s.ReplicationSource)
		}
	}
}

func TestGlobalPromoteAndDemoteRepointShardGroups(t *testing.T) {
	reg, _, _, gw := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "global", "")
	trigger(t, reg, handlers.EventGroupAdd, "global", "10.0.1.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupCreate, "shardgroup1", "")
	trigger(t, reg, handlers.EventGroupAdd, "shardgroup1", "10.0.2.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupPromote, "shardgroup1", "uuid-10.0.2.1:3306")

	trigger(t, reg, handlers.EventShardingCreateDefinition, "RANGE", "global")
	trigger(t, reg, handlers.EventShardingAddShard, 1, "shardgroup1/0", "ENABLED")

	trigger(t, reg, handlers.EventGroupPromote, "global", "uuid-10.0.1.1:3306")

	snap := snapshot(t, gw)
	require.NoError(t, snap.CheckInvariants())
	shardMaster := findServer(t, snap, "uuid-10.0.2.1:3306")
	require.Equal(t, "uuid-10.0.1.1:3306", shardMaster.ReplicationSource)

	trigger(t, reg, handlers.EventGroupDemote, "global")

	snap = snapshot(t, gw)
	require.NoError(t, snap.CheckInvariants())
	shardMaster = findServer(t, snap, "uuid-10.0.2.1:3306")
	require.Empty(t, shardMaster.ReplicationSource)
}

func TestDisableShardIsolatesItsGroup(t *testing.T) {
	reg, _, _, gw := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "global", "")
	trigger(t, reg, handlers.EventGroupAdd, "global", "10.0.1.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupPromote, "global", "uuid-10.0.1.1:3306")
	trigger(t, reg, handlers.EventGroupCreate, "shardgroup1", "")
	trigger(t, reg, handlers.EventGroupAdd, "shardgroup1", "10.0.2.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupPromote, "shardgroup1", "uuid-10.0.2.1:3306")

	trigger(t, reg, handlers.EventShardingCreateDefinition, "RANGE", "global")
	trigger(t, reg, handlers.EventShardingAddShard, 1, "shardgroup1/0", "ENABLED")

	trigger(t, reg, handlers.EventShardingDisableShard, 1)
	shardMaster := findServer(t, snapshot(t, gw), "uuid-10.0.2.1:3306")
	require.Empty(t, shardMaster.ReplicationSource)

	trigger(t, reg, handlers.EventShardingEnableShard, 1)
	shardMaster = findServer(t, snapshot(t, gw), "uuid-10.0.2.1:3306")
	require.Equal(t, "uuid-10.0.1.1:3306", shardMaster.ReplicationSource)

	// Enabling an already-enabled shard is a no-op that still completes.
	trigger(t, reg, handlers.EventShardingEnableShard, 1)
}

func TestConcurrentGroupCreatesBothComplete(t *testing.T) {
	reg, _, _, _ := newHarness(t)

	procA, err := reg.Trigger(context.Background(), handlers.EventGroupCreate, "A", "")
	require.NoError(t, err)
	procB, err := reg.Trigger(context.Background(), handlers.EventGroupCreate, "B", "")
	require.NoError(t, err)

	pa := procA.(*executor.Procedure)
	pb := procB.(*executor.Procedure)
	pa.Wait(context.Background())
	pb.Wait(context.Background())
	require.Equal(t, executor.StateComplete, pa.State())
	require.Equal(t, executor.StateComplete, pb.State())
}

func TestRoundTripLeavesStoreEmpty(t *testing.T) {
	reg, _, _, gw := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "group1", "d")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.2:3306", "root", "pw")
	trigger(t, reg, handlers.EventGroupPromote, "group1", "uuid-10.0.0.1:3306")
	trigger(t, reg, handlers.EventGroupDemote, "group1")
	trigger(t, reg, handlers.EventGroupRemove, "group1", "uuid-10.0.0.1:3306")
	trigger(t, reg, handlers.EventGroupRemove, "group1", "uuid-10.0.0.2:3306")
	trigger(t, reg, handlers.EventGroupDestroy, "group1")

	snap := snapshot(t, gw)
	require.Empty(t, snap.Groups)
	require.Empty(t, snap.Servers)
}

func findServer(t *testing.T, snap model.Snapshot, uuid string) model.Server {
	t.Helper()
	for _, s := range snap.Servers {
		if s.UUID == uuid {
			return s
		}
	}
	t.Fatalf("server %s not in snapshot", uuid)
	return model.Server{}
}

func TestGroupPromoteRejectsUnknownCandidate(t *testing.T) {
	reg, _, _, _ := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "group1", "")
	trigger(t, reg, handlers.EventGroupAdd, "group1", "10.0.0.1:3306", "root", "pw")

	proc, err := reg.Trigger(context.Background(), handlers.EventGroupPromote, "group1", "nonexistent-uuid")
	require.NoError(t, err)
	p := proc.(*executor.Procedure)
	p.Wait(context.Background())
	require.Equal(t, executor.StateError, p.State())
}

func TestShardingLookupServersResolvesLocalRange(t *testing.T) {
	reg, _, _, _ := newHarness(t)

	trigger(t, reg, handlers.EventGroupCreate, "shardgroup1", "")
	trigger(t, reg, handlers.EventGroupCreate, "shardgroup2", "")

	trigger(t, reg, handlers.EventShardingCreateDefinition, "RANGE", "")
	trigger(t, reg, handlers.EventShardingAddTable, 1, "orders", "customer_id")
	trigger(t, reg, handlers.EventShardingAddShard, 1, "shardgroup1/0,shardgroup2/500", "ENABLED")

	rows := trigger(t, reg, handlers.EventShardingLookupServers, "orders", "42", "LOCAL")
	require.NotEmpty(t, rows)

	rows2 := trigger(t, reg, handlers.EventShardingLookupServers, "orders", "900", "LOCAL")
	require.NotEmpty(t, rows2)
}

func TestShardingRemoveShardRequiresDisabled(t *testing.T) {
	reg, _, _, _ := newHarness(t)
	trigger(t, reg, handlers.EventGroupCreate, "shardgroup1", "")
	trigger(t, reg, handlers.EventShardingCreateDefinition, "RANGE", "")
	trigger(t, reg, handlers.EventShardingAddShard, 1, "shardgroup1/0", "ENABLED")

	proc, err := reg.Trigger(context.Background(), handlers.EventShardingRemoveShard, 1)
	require.NoError(t, err)
	p := proc.(*executor.Procedure)
	p.Wait(context.Background())
	require.Equal(t, executor.StateError, p.State())

	trigger(t, reg, handlers.EventShardingDisableShard, 1)
	trigger(t, reg, handlers.EventShardingRemoveShard, 1)
}
