package model

import "testing"

func TestCheckInvariantsHappyPath(t *testing.T) {
	snap := Snapshot{
		Groups: []Group{{ID: "G1", Master: "s1", Status: GroupActive}},
		Servers: []Server{
			{UUID: "s1", GroupID: "G1", Role: RolePrimary},
			{UUID: "s2", GroupID: "G1", Role: RoleSecondary, ReplicationSource: "s1"},
		},
	}
	if err := snap.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckInvariantsRejectsSecondMaster(t *testing.T) {
	snap := Snapshot{
		Groups: []Group{{ID: "G1", Master: "s1", Status: GroupActive}},
		Servers: []Server{
			{UUID: "s1", GroupID: "G1", Role: RolePrimary},
			{UUID: "s2", GroupID: "G1", Role: RolePrimary},
		},
	}
	if err := snap.CheckInvariants(); err == nil {
		t.Fatal("expected invariant violation for two PRIMARY servers in one group")
	}
}

func TestCheckInvariantsShardReplicationSource(t *testing.T) {
	snap := Snapshot{
		Groups: []Group{
			{ID: "global", Master: "g1", Status: GroupActive},
			{ID: "shard1", Master: "s1", Status: GroupActive},
		},
		Servers: []Server{
			{UUID: "g1", GroupID: "global", Role: RolePrimary},
			{UUID: "s1", GroupID: "shard1", Role: RolePrimary, ReplicationSource: "g1"},
		},
		Definitions: []ShardMappingDefinition{{ID: 1, Type: MappingRange, GlobalGroupID: "global"}},
		Shards:      []Shard{{ID: 10, DefinitionID: 1, GroupID: "shard1", State: ShardEnabled}},
	}
	if err := snap.CheckInvariants(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap.Servers[1].ReplicationSource = "wrong"
	if err := snap.CheckInvariants(); err == nil {
		t.Fatal("expected violation for mismatched replication source")
	}
}

func TestOwningRange(t *testing.T) {
	snap := Snapshot{
		Shards: []Shard{
			{ID: 1, DefinitionID: 1, GroupID: "shard-a", State: ShardEnabled},
			{ID: 2, DefinitionID: 1, GroupID: "shard-b", State: ShardEnabled},
		},
		Ranges: []RangeSpec{
			{ShardID: 1, LowerBound: "0000"},
			{ShardID: 2, LowerBound: "5000"},
		},
	}
	sh, r, ok := snap.OwningRange(1, "4999")
	if !ok || sh.ID != 1 || r.LowerBound != "0000" {
		t.Fatalf("expected shard 1 to own 4999, got %+v %+v", sh, r)
	}
	sh, r, ok = snap.OwningRange(1, "5000")
	if !ok || sh.ID != 2 {
		t.Fatalf("expected shard 2 to own 5000, got %+v %+v", sh, r)
	}
}

func TestOwningRangeSkipsDisabledShards(t *testing.T) {
	snap := Snapshot{
		Shards: []Shard{
			{ID: 1, DefinitionID: 1, GroupID: "shard-a", State: ShardDisabled},
		},
		Ranges: []RangeSpec{{ShardID: 1, LowerBound: "0000"}},
	}
	if _, _, ok := snap.OwningRange(1, "1234"); ok {
		t.Fatal("expected no owner when the only covering shard is disabled")
	}
}
