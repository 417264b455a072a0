package handlers

import (
	"context"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
)

func groupLocks(args []interface{}) []string {
	id, _ := argString(args, 0)
	if id == "" {
		return nil
	}
	return []string{lockmgr.GroupPath(id)}
}

func globalLocks(args []interface{}) []string {
	return []string{lockmgr.GlobalPath}
}

// masteryLocks covers promote/demote: both may re-point shard group
// masters across the global/shard boundary, so they take the global
// path on top of their own group's, serializing with the shard-state
// handlers below.
func masteryLocks(args []interface{}) []string {
	paths := []string{lockmgr.GlobalPath}
	if id, _ := argString(args, 0); id != "" {
		paths = append(paths, lockmgr.GroupPath(id))
	}
	return paths
}

// shardStateLocks covers enable_shard/disable_shard: they mutate the
// owning shard group master's replication source, so they must hold
// that group's path as well as the global one or a concurrent promote
// of the same group would slip past the lock manager. The owning group
// is resolved through a short read-only transaction; when it cannot be
// (unknown shard, no gateway wired), the global path alone still
// serializes against every other sharding command.
func (h *Handlers) shardStateLocks(args []interface{}) []string {
	paths := []string{lockmgr.GlobalPath}
	if h.deps.Gateway == nil {
		return paths
	}
	shardID, err := argIntArg(args, 0)
	if err != nil {
		return paths
	}
	tx, err := h.deps.Gateway.Begin(context.Background())
	if err != nil {
		return paths
	}
	defer tx.Rollback()
	sh, err := tx.GetShard(shardID)
	if err != nil || sh.GroupID == "" {
		return paths
	}
	return append(paths, lockmgr.GroupPath(sh.GroupID))
}

// Register wires every handler into reg under the closed command
// namespace via explicit OnEvent calls rather than import side effects.
func (h *Handlers) Register(reg *event.Registry) {
	reg.OnEvent(EventGroupCreate, "group.create", h.GroupCreate)
	reg.DeclareLocks(EventGroupCreate, groupLocks)

	reg.OnEvent(EventGroupDestroy, "group.destroy", h.GroupDestroy)
	reg.DeclareLocks(EventGroupDestroy, groupLocks)

	reg.OnEvent(EventGroupAdd, "group.add", h.GroupAdd)
	reg.DeclareLocks(EventGroupAdd, groupLocks)

	reg.OnEvent(EventGroupRemove, "group.remove", h.GroupRemove)
	reg.DeclareLocks(EventGroupRemove, groupLocks)

	reg.OnEvent(EventGroupPromote, "group.promote", h.GroupPromote)
	reg.DeclareLocks(EventGroupPromote, masteryLocks)

	reg.OnEvent(EventGroupDemote, "group.demote", h.GroupDemote)
	reg.DeclareLocks(EventGroupDemote, masteryLocks)

	reg.OnEvent(EventGroupLookupGroups, "group.lookup_groups", h.GroupLookupGroups)

	reg.OnEvent(EventGroupLookupServers, "group.lookup_servers", h.GroupLookupServers)
	reg.DeclareLocks(EventGroupLookupServers, groupLocks)

	reg.OnEvent(EventGroupDescription, "group.description", h.GroupDescription)
	reg.DeclareLocks(EventGroupDescription, groupLocks)

	reg.OnEvent(EventServerLookupUUID, "server.lookup_uuid", h.ServerLookupUUID)

	reg.OnEvent(EventShardingCreateDefinition, "sharding.create_definition", h.ShardingCreateDefinition)
	reg.DeclareLocks(EventShardingCreateDefinition, globalLocks)

	reg.OnEvent(EventShardingRemoveDefinition, "sharding.remove_definition", h.ShardingRemoveDefinition)
	reg.DeclareLocks(EventShardingRemoveDefinition, globalLocks)

	reg.OnEvent(EventShardingAddTable, "sharding.add_table", h.ShardingAddTable)
	reg.DeclareLocks(EventShardingAddTable, globalLocks)

	reg.OnEvent(EventShardingRemoveTable, "sharding.remove_table", h.ShardingRemoveTable)
	reg.DeclareLocks(EventShardingRemoveTable, globalLocks)

	reg.OnEvent(EventShardingAddShard, "sharding.add_shard", h.ShardingAddShard)
	reg.DeclareLocks(EventShardingAddShard, globalLocks)

	reg.OnEvent(EventShardingRemoveShard, "sharding.remove_shard", h.ShardingRemoveShard)
	reg.DeclareLocks(EventShardingRemoveShard, globalLocks)

	reg.OnEvent(EventShardingEnableShard, "sharding.enable_shard", h.ShardingEnableShard)
	reg.DeclareLocks(EventShardingEnableShard, h.shardStateLocks)

	reg.OnEvent(EventShardingDisableShard, "sharding.disable_shard", h.ShardingDisableShard)
	reg.DeclareLocks(EventShardingDisableShard, h.shardStateLocks)

	reg.OnEvent(EventShardingLookupServers, "sharding.lookup_servers", h.ShardingLookupServers)
}
