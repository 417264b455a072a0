package model

// MappingType is the partitioning strategy of a shard-mapping definition.
type MappingType string

const (
	MappingRange MappingType = "RANGE"
	MappingHash  MappingType = "HASH"
)

// ShardMappingDefinition groups one or more ShardMappings (table/column
// pairs) that share a key-value space and are partitioned the same way.
// It optionally references a global group that fans out schema and global
// writes to every shard group of the definition.
type ShardMappingDefinition struct {
	ID            int         `db:"definition_id" json:"definition_id"`
	Type          MappingType `db:"type" json:"type"`
	GlobalGroupID string      `db:"global_group_id" json:"global_group_id"` // empty = no global group
}

// HasGlobalGroup reports whether the definition fans out global writes.
func (d *ShardMappingDefinition) HasGlobalGroup() bool {
	return d.GlobalGroupID != ""
}

// ShardMapping associates a (table, column) pair with a definition.
type ShardMapping struct {
	DefinitionID int    `db:"definition_id" json:"definition_id"`
	Table        string `db:"table_name" json:"table_name"`
	Column       string `db:"column_name" json:"column_name"`
}

// ShardState is whether a shard currently serves requests.
type ShardState string

const (
	ShardEnabled  ShardState = "ENABLED"
	ShardDisabled ShardState = "DISABLED"
)

// Shard belongs to a ShardMappingDefinition, is owned by one shard group,
// and owns the key range opened by its RangeSpec.
type Shard struct {
	ID           int        `db:"shard_id" json:"shard_id"`
	DefinitionID int        `db:"definition_id" json:"definition_id"`
	GroupID      string     `db:"group_id" json:"group_id"`
	State        ShardState `db:"state" json:"state"`
}

// RangeSpec is the lower-bound key that opens a shard's range. A shard
// owns keys k with LowerBound <= k < next shard's LowerBound in key
// order: ranges within one definition are totally ordered and must not
// overlap.
type RangeSpec struct {
	ShardID    int    `db:"shard_id" json:"shard_id"`
	LowerBound string `db:"lower_bound" json:"lower_bound"`
	// Sequence is a monotonically increasing index within the
	// definition, used to break ties and to persist insertion order.
	Sequence int `db:"sequence" json:"sequence"`
}
