// Package handlers is the HA & sharding handler library: the layer that
// encodes the operational algorithms behind the closed command
// namespace. Each event name below maps 1:1 to an RPC command
// "<group_name>.<command_name>".
package handlers

import "github.com/signal18/mysql-fabric-manager/internal/event"

// Event identifiers, matching the closed command namespace.
const (
	EventGroupCreate        event.Event = "group.create"
	EventGroupDestroy       event.Event = "group.destroy"
	EventGroupAdd           event.Event = "group.add"
	EventGroupRemove        event.Event = "group.remove"
	EventGroupPromote       event.Event = "group.promote"
	EventGroupDemote        event.Event = "group.demote"
	EventGroupLookupGroups  event.Event = "group.lookup_groups"
	EventGroupLookupServers event.Event = "group.lookup_servers"
	EventGroupDescription   event.Event = "group.description"

	EventServerLookupUUID event.Event = "server.lookup_uuid"

	EventShardingCreateDefinition event.Event = "sharding.create_definition"
	EventShardingRemoveDefinition event.Event = "sharding.remove_definition"
	EventShardingAddTable         event.Event = "sharding.add_table"
	EventShardingRemoveTable      event.Event = "sharding.remove_table"
	EventShardingAddShard         event.Event = "sharding.add_shard"
	EventShardingRemoveShard      event.Event = "sharding.remove_shard"
	EventShardingEnableShard      event.Event = "sharding.enable_shard"
	EventShardingDisableShard     event.Event = "sharding.disable_shard"
	EventShardingLookupServers    event.Event = "sharding.lookup_servers"
)
