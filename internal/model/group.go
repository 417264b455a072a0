package model

// GroupStatus is whether a group currently participates in the fleet.
type GroupStatus string

const (
	GroupActive   GroupStatus = "ACTIVE"
	GroupInactive GroupStatus = "INACTIVE"
)

// Group is a replication cluster of servers managed as a unit; it has at
// most one master. A group is either a shard group (owns one or more
// Shards) or the global group of a ShardMappingDefinition.
type Group struct {
	ID          string      `db:"group_id" json:"group_id"`
	Description string      `db:"description" json:"description"`
	Master      string      `db:"master" json:"master"` // empty string means no master
	Status      GroupStatus `db:"status" json:"status"`
}

// HasMaster reports whether the group currently has an assigned master.
func (g *Group) HasMaster() bool {
	return g.Master != ""
}
