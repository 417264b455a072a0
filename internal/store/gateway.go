package store

import (
	"context"
	"time"

	"github.com/signal18/mysql-fabric-manager/internal/model"
)

// ProcedureRecord is the persisted header of a procedure: its identity,
// the event that created it, the lock paths it declared, and its
// current state. The ordered pending-job list lives only in the
// executor's in-memory queue; what survives a restart is this record
// plus its StatusRows, which is all crash recovery needs; no attempt
// is made to resume a partial procedure.
type ProcedureRecord struct {
	UUID      string
	Event     string
	LockPaths []string
	State     string // RUNNING, COMPLETE, ERROR
	CreatedAt time.Time
}

// StatusRow is one append-only row of a procedure's status log:
// (timestamp, job id, state, success, description, diagnosis).
type StatusRow struct {
	ProcedureUUID string    `db:"procedure_uuid"`
	Timestamp     time.Time `db:"timestamp"`
	JobID         int       `db:"job_id"`
	State         string    `db:"state"` // RUNNING, SUCCESS, ERROR, SKIPPED
	Success       bool      `db:"success"`
	Description   string    `db:"description"`
	Diagnosis     string    `db:"diagnosis"`
}

// Gateway opens transactions against the fleet's persisted state.
type Gateway interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a single persistence-gateway transaction. Every handler executes
// inside exactly one Tx: a recoverable error rolls it back, an
// exception-free return commits it.
type Tx interface {
	Commit() error
	Rollback() error

	PutServer(s model.Server) error
	GetServer(uuid string) (model.Server, error)
	DeleteServer(uuid string) error
	ListServers(groupID string) ([]model.Server, error)

	PutGroup(g model.Group) error
	GetGroup(id string) (model.Group, error)
	DeleteGroup(id string) error
	ListGroups() ([]model.Group, error)

	PutDefinition(d model.ShardMappingDefinition) error
	GetDefinition(id int) (model.ShardMappingDefinition, error)
	DeleteDefinition(id int) error
	ListDefinitions() ([]model.ShardMappingDefinition, error)

	PutMapping(m model.ShardMapping) error
	DeleteMapping(definitionID int, table string) error
	ListMappings(definitionID int) ([]model.ShardMapping, error)

	PutShard(sh model.Shard) error
	GetShard(id int) (model.Shard, error)
	DeleteShard(id int) error
	ListShards(definitionID int) ([]model.Shard, error)

	PutRange(r model.RangeSpec) error
	ListRanges(definitionID int) ([]model.RangeSpec, error)

	PutProcedure(p ProcedureRecord) error
	GetProcedure(uuid string) (ProcedureRecord, error)
	ListUnterminatedProcedures() ([]ProcedureRecord, error)
	AppendStatusRow(row StatusRow) error
	ListStatusRows(procedureUUID string) ([]StatusRow, error)

	// Snapshot assembles the full fleet state visible to this
	// transaction, for invariant checks and for lookup commands.
	Snapshot() (model.Snapshot, error)
}
