package handlers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

// globalMasterOf reports the current master server of def's global group,
// or nil if def has no global group or that group has no master yet.
func globalMasterOf(tx store.Tx, def model.ShardMappingDefinition) (*model.Server, error) {
	if !def.HasGlobalGroup() {
		return nil, nil
	}
	global, err := tx.GetGroup(def.GlobalGroupID)
	if err != nil {
		return nil, err
	}
	if !global.HasMaster() {
		return nil, nil
	}
	gm, err := tx.GetServer(global.Master)
	if err != nil {
		return nil, err
	}
	return &gm, nil
}

func nextDefinitionID(tx interface {
	ListDefinitions() ([]model.ShardMappingDefinition, error)
}) (int, error) {
	defs, err := tx.ListDefinitions()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, d := range defs {
		if d.ID > max {
			max = d.ID
		}
	}
	return max + 1, nil
}

func nextShardID(tx interface {
	ListShards(int) ([]model.Shard, error)
}) (int, error) {
	shards, err := tx.ListShards(0)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, s := range shards {
		if s.ID > max {
			max = s.ID
		}
	}
	return max + 1, nil
}

// ShardingCreateDefinition handles sharding.create_definition(type,
// global_group_id?). type must be RANGE or HASH. HASH is accepted at the
// definition level but the range-bound shard operations below only make
// sense under RANGE, so HASH definitions carry no ranges.
func (h *Handlers) ShardingCreateDefinition(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	mappingType, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	globalGroupID := argStringOpt(args, 1, "")

	switch model.MappingType(mappingType) {
	case model.MappingRange, model.MappingHash:
	default:
		return nil, model.ShardingError("unknown mapping type %q", mappingType)
	}
	if globalGroupID != "" {
		if _, err := tx.GetGroup(globalGroupID); err != nil {
			return nil, model.ShardingError("global group (%s) does not exist: %v", globalGroupID, err)
		}
	}

	id, err := nextDefinitionID(tx)
	if err != nil {
		return nil, err
	}
	def := model.ShardMappingDefinition{ID: id, Type: model.MappingType(mappingType), GlobalGroupID: globalGroupID}
	if err := tx.PutDefinition(def); err != nil {
		return nil, err
	}
	return id, nil
}

// ShardingRemoveDefinition handles sharding.remove_definition(definition_id).
// A definition that still owns shards cannot be removed: remove every
// shard first.
func (h *Handlers) ShardingRemoveDefinition(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	defID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	shards, err := tx.ListShards(defID)
	if err != nil {
		return nil, err
	}
	if len(shards) > 0 {
		return nil, model.ShardingError("definition (%d) still has %d shard(s)", defID, len(shards))
	}
	mappings, err := tx.ListMappings(defID)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if err := tx.DeleteMapping(defID, m.Table); err != nil {
			return nil, err
		}
	}
	return nil, tx.DeleteDefinition(defID)
}

// ShardingAddTable handles sharding.add_table(definition_id, table, column).
func (h *Handlers) ShardingAddTable(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	defID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	table, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	column, err := argString(args, 2)
	if err != nil {
		return nil, err
	}
	if _, err := tx.GetDefinition(defID); err != nil {
		return nil, model.ShardingError("definition (%d) does not exist: %v", defID, err)
	}
	return nil, tx.PutMapping(model.ShardMapping{DefinitionID: defID, Table: table, Column: column})
}

// ShardingRemoveTable handles sharding.remove_table(definition_id, table).
func (h *Handlers) ShardingRemoveTable(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	defID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	table, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	return nil, tx.DeleteMapping(defID, table)
}

// shardSpecEntry is one "group_id/lower_bound" pair parsed out of
// sharding.add_shard's spec argument.
type shardSpecEntry struct {
	GroupID    string
	LowerBound string
}

// parseShardSpec parses "GROUPID/lower_bound,GROUPID/lower_bound,..."
// into entries ordered by ascending lower bound, rejecting duplicate
// bounds up front so PutRange never has to.
func parseShardSpec(spec string) ([]shardSpecEntry, error) {
	parts := strings.Split(spec, ",")
	entries := make([]shardSpecEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '/')
		if idx < 0 {
			return nil, fmt.Errorf("shard spec entry %q is not GROUPID/lower_bound", part)
		}
		entries = append(entries, shardSpecEntry{GroupID: part[:idx], LowerBound: part[idx+1:]})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("shard spec is empty")
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.LowerBound] {
			return nil, fmt.Errorf("duplicate lower bound %q in shard spec", e.LowerBound)
		}
		seen[e.LowerBound] = true
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LowerBound < entries[j].LowerBound })
	return entries, nil
}

// ShardingAddShard handles sharding.add_shard(definition_id, spec,
// state?). spec is a comma-separated "GROUPID/lower_bound" list: each
// entry becomes one new Shard row plus its RangeSpec, created DISABLED
// unless state is explicitly "ENABLED": new shards start disabled
// until the operator verifies their data is in place.
func (h *Handlers) ShardingAddShard(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	defID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	spec, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	initialState := model.ShardDisabled
	if strings.EqualFold(argStringOpt(args, 2, ""), "ENABLED") {
		initialState = model.ShardEnabled
	}

	if _, err := tx.GetDefinition(defID); err != nil {
		return nil, model.ShardingError("definition (%d) does not exist: %v", defID, err)
	}
	entries, err := parseShardSpec(spec)
	if err != nil {
		return nil, model.ShardingError("%v", err)
	}

	existingRanges, err := tx.ListRanges(defID)
	if err != nil {
		return nil, err
	}
	for _, r := range existingRanges {
		for _, e := range entries {
			if r.LowerBound == e.LowerBound {
				return nil, model.ShardingError("lower bound %q already in use for definition (%d)", e.LowerBound, defID)
			}
		}
	}

	nextID, err := nextShardID(tx)
	if err != nil {
		return nil, err
	}
	maxSeq := 0
	for _, r := range existingRanges {
		if r.Sequence > maxSeq {
			maxSeq = r.Sequence
		}
	}

	ids := make([]int, 0, len(entries))
	for i, e := range entries {
		if _, err := tx.GetGroup(e.GroupID); err != nil {
			return nil, model.ShardingError("group (%s) does not exist: %v", e.GroupID, err)
		}
		shardID := nextID + i
		if err := tx.PutShard(model.Shard{ID: shardID, DefinitionID: defID, GroupID: e.GroupID, State: initialState}); err != nil {
			return nil, err
		}
		if err := tx.PutRange(model.RangeSpec{ShardID: shardID, LowerBound: e.LowerBound, Sequence: maxSeq + i + 1}); err != nil {
			return nil, err
		}
		ids = append(ids, shardID)
	}
	return ids, nil
}

// ShardingRemoveShard handles sharding.remove_shard(shard_id). The shard
// must be disabled first, otherwise removal risks a momentary coverage
// gap over its key range.
func (h *Handlers) ShardingRemoveShard(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	shardID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	shard, err := tx.GetShard(shardID)
	if err != nil {
		return nil, model.ShardingError("shard (%d) does not exist: %v", shardID, err)
	}
	if shard.State != model.ShardDisabled {
		return nil, model.ShardingError("shard (%d) must be disabled before removal", shardID)
	}
	return nil, tx.DeleteShard(shardID)
}

// ShardingEnableShard handles sharding.enable_shard(shard_id), idempotent
// if the shard is already enabled. Restores the shard group master's
// replication from the definition's global group master.
func (h *Handlers) ShardingEnableShard(ctx context.Context, args []interface{}) (interface{}, error) {
	return h.setShardState(ctx, args, model.ShardEnabled)
}

// ShardingDisableShard handles sharding.disable_shard(shard_id), idempotent
// if the shard is already disabled. Stops the shard group master's
// replication from the global group master first, isolating the shard.
func (h *Handlers) ShardingDisableShard(ctx context.Context, args []interface{}) (interface{}, error) {
	return h.setShardState(ctx, args, model.ShardDisabled)
}

func (h *Handlers) setShardState(ctx context.Context, args []interface{}, state model.ShardState) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	shardID, err := argIntArg(args, 0)
	if err != nil {
		return nil, err
	}
	shard, err := tx.GetShard(shardID)
	if err != nil {
		return nil, model.ShardingError("shard (%d) does not exist: %v", shardID, err)
	}
	if shard.State == state {
		return nil, nil
	}

	def, err := tx.GetDefinition(shard.DefinitionID)
	if err != nil {
		return nil, err
	}
	globalMaster, err := globalMasterOf(tx, def)
	if err != nil {
		return nil, err
	}
	if globalMaster != nil {
		group, err := tx.GetGroup(shard.GroupID)
		if err != nil {
			return nil, err
		}
		if group.HasMaster() {
			master, err := tx.GetServer(group.Master)
			if err != nil {
				return nil, err
			}
			switch state {
			case model.ShardDisabled:
				if err := h.deps.Prober.ConfigureReplication(ctx, master.Address, master.User, master.Password, "", ""); err != nil {
					return nil, model.ShardingError("cannot isolate shard (%d) master (%s): %v", shardID, master.UUID, err)
				}
				master.ReplicationSource = ""
			case model.ShardEnabled:
				if err := h.deps.Prober.ConfigureReplication(ctx, master.Address, master.User, master.Password, globalMaster.UUID, globalMaster.Address); err != nil {
					return nil, model.ShardingError("cannot restore shard (%d) master (%s) replication: %v", shardID, master.UUID, err)
				}
				master.ReplicationSource = globalMaster.UUID
			}
			if err := tx.PutServer(master); err != nil {
				return nil, err
			}
		}
	}

	shard.State = state
	return nil, tx.PutShard(shard)
}

// ShardingLookupServers handles sharding.lookup_servers(table, key,
// hint?). hint is "GLOBAL" (route to the definition's global group) or
// "LOCAL" (default: resolve key to the owning shard via the largest
// lower bound <= key).
func (h *Handlers) ShardingLookupServers(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	table, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key := argStringOpt(args, 1, "")
	hint := strings.ToUpper(argStringOpt(args, 2, "LOCAL"))

	defs, err := tx.ListDefinitions()
	if err != nil {
		return nil, err
	}
	var def *model.ShardMappingDefinition
	for i := range defs {
		mappings, err := tx.ListMappings(defs[i].ID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if m.Table == table {
				def = &defs[i]
				break
			}
		}
		if def != nil {
			break
		}
	}
	if def == nil {
		return nil, model.ShardingError("table %q is not sharded", table)
	}

	if hint == "GLOBAL" {
		if !def.HasGlobalGroup() {
			return nil, model.ShardingError("definition (%d) has no global group", def.ID)
		}
		group, err := tx.GetGroup(def.GlobalGroupID)
		if err != nil {
			return nil, err
		}
		servers, err := tx.ListServers(def.GlobalGroupID)
		if err != nil {
			return nil, err
		}
		return serverTuples(servers, group.Master), nil
	}

	snapshot, err := tx.Snapshot()
	if err != nil {
		return nil, err
	}
	shard, _, ok := snapshot.OwningRange(def.ID, key)
	if !ok {
		return nil, model.ShardingError("no enabled shard of definition (%d) owns key %q", def.ID, key)
	}
	group, err := tx.GetGroup(shard.GroupID)
	if err != nil {
		return nil, err
	}
	servers, err := tx.ListServers(shard.GroupID)
	if err != nil {
		return nil, err
	}
	return serverTuples(servers, group.Master), nil
}

func argIntArg(args []interface{}, i int) (int, error) {
	if i >= len(args) || args[i] == nil {
		return 0, fmt.Errorf("argument %d is required", i)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %d must be an integer: %v", i, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %d must be an integer, got %T", i, args[i])
	}
}
