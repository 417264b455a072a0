package model

import "sort"

// Snapshot is the full in-memory view of fleet state that CheckInvariants
// validates. Callers (store.Tx.Snapshot, tests) assemble it from whatever
// backing store they use; model itself never reads storage directly.
// Cyclic references exist only in the persistent schema via foreign
// keys; in memory, Snapshot holds identifiers and resolves through
// lookups below.
type Snapshot struct {
	Servers     []Server
	Groups      []Group
	Definitions []ShardMappingDefinition
	Shards      []Shard
	Ranges      []RangeSpec
}

// CheckInvariants validates structural consistency of a snapshot: group
// master references, shard-group replication topology against a global
// group, and non-overlapping shard ranges. A handful of other
// constraints are enforced at the call site of remove/destroy operations
// instead (they are preconditions on a mutation, not properties of a
// committed snapshot) and are not re-checked here.
func (s *Snapshot) CheckInvariants() error {
	serverByUUID := make(map[string]*Server, len(s.Servers))
	for i := range s.Servers {
		serverByUUID[s.Servers[i].UUID] = &s.Servers[i]
	}

	// Every server referenced by a group exists; at most one master per
	// group, master role is PRIMARY, everyone else is not.
	for _, g := range s.Groups {
		if g.Master != "" {
			master, ok := serverByUUID[g.Master]
			if !ok {
				return GroupError("group (%s) references missing master server (%s)", g.ID, g.Master)
			}
			if master.Role != RolePrimary {
				return GroupError("group (%s) master (%s) has role %s, want PRIMARY", g.ID, g.Master, master.Role)
			}
		}
	}
	for _, srv := range s.Servers {
		if srv.GroupID == "" {
			continue
		}
		if srv.Role == RolePrimary {
			g := findGroup(s.Groups, srv.GroupID)
			if g == nil {
				return GroupError("server (%s) belongs to missing group (%s)", srv.UUID, srv.GroupID)
			}
			if g.Master != srv.UUID {
				return GroupError("server (%s) has role PRIMARY but is not group (%s)'s master", srv.UUID, srv.GroupID)
			}
		}
	}

	// A shard group's master replication source must equal the global
	// group's master, or be null iff the global master is null.
	for _, def := range s.Definitions {
		if !def.HasGlobalGroup() {
			continue
		}
		global := findGroup(s.Groups, def.GlobalGroupID)
		if global == nil {
			return ShardingError("definition (%d) references missing global group (%s)", def.ID, def.GlobalGroupID)
		}
		for _, shard := range s.Shards {
			if shard.DefinitionID != def.ID {
				continue
			}
			shardGroup := findGroup(s.Groups, shard.GroupID)
			if shardGroup == nil || shardGroup.Master == "" {
				continue
			}
			master := serverByUUID[shardGroup.Master]
			if master == nil {
				continue
			}
			switch {
			case global.Master == "" && !master.IsReplicatingFrom(""):
				return ShardingError("shard group (%s) master replicates from (%s) but global group (%s) has no master", shardGroup.ID, master.ReplicationSource, global.ID)
			case global.Master != "" && !master.IsReplicatingFrom(global.Master):
				return ShardingError("shard group (%s) master replication source (%s) does not match global master (%s)", shardGroup.ID, master.ReplicationSource, global.Master)
			}
		}
	}

	// Shard ranges within one definition do not overlap and are totally
	// ordered by lower bound.
	byDefinition := map[int][]RangeSpec{}
	shardDefinition := map[int]int{}
	for _, sh := range s.Shards {
		shardDefinition[sh.ID] = sh.DefinitionID
	}
	for _, r := range s.Ranges {
		def := shardDefinition[r.ShardID]
		byDefinition[def] = append(byDefinition[def], r)
	}
	for def, ranges := range byDefinition {
		sorted := append([]RangeSpec(nil), ranges...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LowerBound < sorted[j].LowerBound })
		for i := 1; i < len(sorted); i++ {
			if sorted[i].LowerBound == sorted[i-1].LowerBound {
				return ShardingError("definition (%d) has duplicate range lower bound (%s)", def, sorted[i].LowerBound)
			}
		}
	}

	return nil
}

func findGroup(groups []Group, id string) *Group {
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i]
		}
	}
	return nil
}

// OwningRange returns the RangeSpec whose shard owns value, i.e. the
// range with the largest LowerBound <= value among enabled shards of the
// given definition, used by sharding.lookup_servers' LOCAL hint.
func (s *Snapshot) OwningRange(definitionID int, value string) (*Shard, *RangeSpec, bool) {
	var bestShard *Shard
	var bestRange *RangeSpec
	for i := range s.Shards {
		sh := &s.Shards[i]
		if sh.DefinitionID != definitionID || sh.State != ShardEnabled {
			continue
		}
		for j := range s.Ranges {
			r := &s.Ranges[j]
			if r.ShardID != sh.ID || r.LowerBound > value {
				continue
			}
			if bestRange == nil || r.LowerBound > bestRange.LowerBound {
				bestShard, bestRange = sh, r
			}
		}
	}
	if bestShard == nil {
		return nil, nil, false
	}
	return bestShard, bestRange, true
}
