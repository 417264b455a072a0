package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"

	"github.com/signal18/mysql-fabric-manager/internal/model"
)

// MySQLGateway is the production Gateway, backed by a *sqlx.DB against
// the management server's own MySQL instance.
type MySQLGateway struct {
	db *sqlx.DB
}

// OpenMySQL connects to dsn and ensures the relational schema for each
// tracked entity exists.
func OpenMySQL(ctx context.Context, dsn string) (*MySQLGateway, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to metadata store: %w", err)
	}
	gw := &MySQLGateway{db: db}
	if err := gw.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return gw, nil
}

func (g *MySQLGateway) Close() error { return g.db.Close() }

func (g *MySQLGateway) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema migration: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS fabric_groups (
		group_id VARCHAR(64) PRIMARY KEY,
		description TEXT,
		master VARCHAR(36) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_servers (
		uuid VARCHAR(36) PRIMARY KEY,
		group_id VARCHAR(64) NOT NULL DEFAULT '',
		address VARCHAR(255) NOT NULL,
		user VARCHAR(128) NOT NULL,
		password VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL,
		mode VARCHAR(16) NOT NULL,
		weight DOUBLE NOT NULL DEFAULT 1,
		version VARCHAR(32) NOT NULL DEFAULT '',
		last_seen DATETIME NOT NULL,
		binlog_file VARCHAR(255) NOT NULL DEFAULT '',
		binlog_position BIGINT NOT NULL DEFAULT 0,
		replication_source VARCHAR(36) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_shard_definitions (
		definition_id INT PRIMARY KEY AUTO_INCREMENT,
		type VARCHAR(16) NOT NULL,
		global_group_id VARCHAR(64) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_shard_mappings (
		definition_id INT NOT NULL,
		table_name VARCHAR(255) NOT NULL,
		column_name VARCHAR(255) NOT NULL,
		PRIMARY KEY (definition_id, table_name)
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_shards (
		shard_id INT PRIMARY KEY AUTO_INCREMENT,
		definition_id INT NOT NULL,
		group_id VARCHAR(64) NOT NULL,
		state VARCHAR(16) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_shard_ranges (
		shard_id INT PRIMARY KEY,
		lower_bound VARCHAR(255) NOT NULL,
		sequence INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_procedures (
		uuid VARCHAR(36) PRIMARY KEY,
		event VARCHAR(128) NOT NULL,
		lock_paths TEXT NOT NULL,
		state VARCHAR(16) NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fabric_status_rows (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		procedure_uuid VARCHAR(36) NOT NULL,
		ts DATETIME NOT NULL,
		job_id INT NOT NULL,
		state VARCHAR(16) NOT NULL,
		success BOOL NOT NULL,
		description TEXT,
		diagnosis TEXT
	)`,
}

// Begin opens a serializable transaction: every handler runs under
// serializable isolation rather than optimistic concurrency.
func (g *MySQLGateway) Begin(ctx context.Context) (Tx, error) {
	tx, err := g.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", classifyDBErr(err))
	}
	return &mysqlTx{tx: tx}, nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	// Driver-specific transient-vs-fatal classification is intentionally
	// shallow: every error passed in is treated as transient so the
	// executor's single retry has a chance to clear connection blips.
	return fmt.Errorf("%w: %v", ErrTransientDB, err)
}

func (t *mysqlTx) Commit() error   { return t.tx.Commit() }
func (t *mysqlTx) Rollback() error { return t.tx.Rollback() }

func (t *mysqlTx) PutServer(s model.Server) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_servers (uuid, group_id, address, user, password, role, mode, weight, version, last_seen, binlog_file, binlog_position, replication_source)
		VALUES (:uuid, :group_id, :address, :user, :password, :role, :mode, :weight, :version_string, :last_seen, :binlog_file, :binlog_position, :replication_source)
		ON DUPLICATE KEY UPDATE group_id=VALUES(group_id), address=VALUES(address), user=VALUES(user),
			password=VALUES(password), role=VALUES(role), mode=VALUES(mode), weight=VALUES(weight),
			version=VALUES(version), last_seen=VALUES(last_seen), binlog_file=VALUES(binlog_file),
			binlog_position=VALUES(binlog_position), replication_source=VALUES(replication_source)
	`, s)
	return classifyDBErr(err)
}

func (t *mysqlTx) GetServer(uuid string) (model.Server, error) {
	var s model.Server
	err := t.tx.Get(&s, `SELECT uuid, group_id, address, user, password, role, mode, weight,
		version AS version_string, last_seen, binlog_file, binlog_position, replication_source
		FROM fabric_servers WHERE uuid = ?`, uuid)
	if err == sql.ErrNoRows {
		return model.Server{}, NotFound("server", uuid)
	}
	return s, classifyDBErr(err)
}

func (t *mysqlTx) DeleteServer(uuid string) error {
	res, err := t.tx.Exec(`DELETE FROM fabric_servers WHERE uuid = ?`, uuid)
	if err != nil {
		return classifyDBErr(err)
	}
	return requireRowsAffected(res, "server", uuid)
}

func (t *mysqlTx) ListServers(groupID string) ([]model.Server, error) {
	var servers []model.Server
	var err error
	if groupID == "" {
		err = t.tx.Select(&servers, `SELECT uuid, group_id, address, user, password, role, mode, weight,
			version AS version_string, last_seen, binlog_file, binlog_position, replication_source FROM fabric_servers`)
	} else {
		err = t.tx.Select(&servers, `SELECT uuid, group_id, address, user, password, role, mode, weight,
			version AS version_string, last_seen, binlog_file, binlog_position, replication_source
			FROM fabric_servers WHERE group_id = ?`, groupID)
	}
	return servers, classifyDBErr(err)
}

func (t *mysqlTx) PutGroup(g model.Group) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_groups (group_id, description, master, status)
		VALUES (:group_id, :description, :master, :status)
		ON DUPLICATE KEY UPDATE description=VALUES(description), master=VALUES(master), status=VALUES(status)
	`, g)
	return classifyDBErr(err)
}

func (t *mysqlTx) GetGroup(id string) (model.Group, error) {
	var g model.Group
	err := t.tx.Get(&g, `SELECT group_id, description, master, status FROM fabric_groups WHERE group_id = ?`, id)
	if err == sql.ErrNoRows {
		return model.Group{}, NotFound("group", id)
	}
	return g, classifyDBErr(err)
}

func (t *mysqlTx) DeleteGroup(id string) error {
	res, err := t.tx.Exec(`DELETE FROM fabric_groups WHERE group_id = ?`, id)
	if err != nil {
		return classifyDBErr(err)
	}
	return requireRowsAffected(res, "group", id)
}

func (t *mysqlTx) ListGroups() ([]model.Group, error) {
	var groups []model.Group
	err := t.tx.Select(&groups, `SELECT group_id, description, master, status FROM fabric_groups`)
	return groups, classifyDBErr(err)
}

func (t *mysqlTx) PutDefinition(d model.ShardMappingDefinition) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_shard_definitions (definition_id, type, global_group_id)
		VALUES (:definition_id, :type, :global_group_id)
		ON DUPLICATE KEY UPDATE type=VALUES(type), global_group_id=VALUES(global_group_id)
	`, d)
	return classifyDBErr(err)
}

func (t *mysqlTx) GetDefinition(id int) (model.ShardMappingDefinition, error) {
	var d model.ShardMappingDefinition
	err := t.tx.Get(&d, `SELECT definition_id, type, global_group_id FROM fabric_shard_definitions WHERE definition_id = ?`, id)
	if err == sql.ErrNoRows {
		return model.ShardMappingDefinition{}, NotFound("shard mapping definition", fmt.Sprint(id))
	}
	return d, classifyDBErr(err)
}

func (t *mysqlTx) DeleteDefinition(id int) error {
	res, err := t.tx.Exec(`DELETE FROM fabric_shard_definitions WHERE definition_id = ?`, id)
	if err != nil {
		return classifyDBErr(err)
	}
	return requireRowsAffected(res, "shard mapping definition", fmt.Sprint(id))
}

func (t *mysqlTx) ListDefinitions() ([]model.ShardMappingDefinition, error) {
	var defs []model.ShardMappingDefinition
	err := t.tx.Select(&defs, `SELECT definition_id, type, global_group_id FROM fabric_shard_definitions`)
	return defs, classifyDBErr(err)
}

func (t *mysqlTx) PutMapping(m model.ShardMapping) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_shard_mappings (definition_id, table_name, column_name)
		VALUES (:definition_id, :table_name, :column_name)
		ON DUPLICATE KEY UPDATE column_name=VALUES(column_name)
	`, m)
	return classifyDBErr(err)
}

func (t *mysqlTx) DeleteMapping(definitionID int, table string) error {
	res, err := t.tx.Exec(`DELETE FROM fabric_shard_mappings WHERE definition_id = ? AND table_name = ?`, definitionID, table)
	if err != nil {
		return classifyDBErr(err)
	}
	return requireRowsAffected(res, "shard mapping", table)
}

func (t *mysqlTx) ListMappings(definitionID int) ([]model.ShardMapping, error) {
	var mappings []model.ShardMapping
	err := t.tx.Select(&mappings, `SELECT definition_id, table_name, column_name FROM fabric_shard_mappings WHERE definition_id = ?`, definitionID)
	return mappings, classifyDBErr(err)
}

func (t *mysqlTx) PutShard(sh model.Shard) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_shards (shard_id, definition_id, group_id, state)
		VALUES (:shard_id, :definition_id, :group_id, :state)
		ON DUPLICATE KEY UPDATE definition_id=VALUES(definition_id), group_id=VALUES(group_id), state=VALUES(state)
	`, sh)
	return classifyDBErr(err)
}

func (t *mysqlTx) GetShard(id int) (model.Shard, error) {
	var sh model.Shard
	err := t.tx.Get(&sh, `SELECT shard_id, definition_id, group_id, state FROM fabric_shards WHERE shard_id = ?`, id)
	if err == sql.ErrNoRows {
		return model.Shard{}, NotFound("shard", fmt.Sprint(id))
	}
	return sh, classifyDBErr(err)
}

func (t *mysqlTx) DeleteShard(id int) error {
	res, err := t.tx.Exec(`DELETE FROM fabric_shards WHERE shard_id = ?`, id)
	if err != nil {
		return classifyDBErr(err)
	}
	return requireRowsAffected(res, "shard", fmt.Sprint(id))
}

func (t *mysqlTx) ListShards(definitionID int) ([]model.Shard, error) {
	var shards []model.Shard
	var err error
	if definitionID == 0 {
		err = t.tx.Select(&shards, `SELECT shard_id, definition_id, group_id, state FROM fabric_shards`)
	} else {
		err = t.tx.Select(&shards, `SELECT shard_id, definition_id, group_id, state FROM fabric_shards WHERE definition_id = ?`, definitionID)
	}
	return shards, classifyDBErr(err)
}

func (t *mysqlTx) PutRange(r model.RangeSpec) error {
	_, err := t.tx.NamedExec(`
		INSERT INTO fabric_shard_ranges (shard_id, lower_bound, sequence)
		VALUES (:shard_id, :lower_bound, :sequence)
		ON DUPLICATE KEY UPDATE lower_bound=VALUES(lower_bound), sequence=VALUES(sequence)
	`, r)
	return classifyDBErr(err)
}

func (t *mysqlTx) ListRanges(definitionID int) ([]model.RangeSpec, error) {
	var ranges []model.RangeSpec
	err := t.tx.Select(&ranges, `
		SELECT r.shard_id, r.lower_bound, r.sequence
		FROM fabric_shard_ranges r JOIN fabric_shards s ON s.shard_id = r.shard_id
		WHERE ? = 0 OR s.definition_id = ?
		ORDER BY r.sequence`, definitionID, definitionID)
	return ranges, classifyDBErr(err)
}

func (t *mysqlTx) PutProcedure(p ProcedureRecord) error {
	_, err := t.tx.Exec(`
		INSERT INTO fabric_procedures (uuid, event, lock_paths, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE event=VALUES(event), lock_paths=VALUES(lock_paths), state=VALUES(state)
	`, p.UUID, p.Event, joinLockPaths(p.LockPaths), p.State, p.CreatedAt)
	return classifyDBErr(err)
}

func (t *mysqlTx) GetProcedure(uuid string) (ProcedureRecord, error) {
	var row struct {
		UUID      string    `db:"uuid"`
		Event     string    `db:"event"`
		LockPaths string    `db:"lock_paths"`
		State     string    `db:"state"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := t.tx.Get(&row, `SELECT uuid, event, lock_paths, state, created_at FROM fabric_procedures WHERE uuid = ?`, uuid)
	if err == sql.ErrNoRows {
		return ProcedureRecord{}, NotFound("procedure", uuid)
	}
	if err != nil {
		return ProcedureRecord{}, classifyDBErr(err)
	}
	return ProcedureRecord{UUID: row.UUID, Event: row.Event, LockPaths: splitLockPaths(row.LockPaths), State: row.State, CreatedAt: row.CreatedAt}, nil
}

func (t *mysqlTx) ListUnterminatedProcedures() ([]ProcedureRecord, error) {
	var rows []struct {
		UUID      string    `db:"uuid"`
		Event     string    `db:"event"`
		LockPaths string    `db:"lock_paths"`
		State     string    `db:"state"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := t.tx.Select(&rows, `SELECT uuid, event, lock_paths, state, created_at FROM fabric_procedures WHERE state NOT IN ('COMPLETE', 'ERROR')`)
	if err != nil {
		return nil, classifyDBErr(err)
	}
	out := make([]ProcedureRecord, len(rows))
	for i, r := range rows {
		out[i] = ProcedureRecord{UUID: r.UUID, Event: r.Event, LockPaths: splitLockPaths(r.LockPaths), State: r.State, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (t *mysqlTx) AppendStatusRow(row StatusRow) error {
	_, err := t.tx.Exec(`
		INSERT INTO fabric_status_rows (procedure_uuid, ts, job_id, state, success, description, diagnosis)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ProcedureUUID, row.Timestamp, row.JobID, row.State, row.Success, row.Description, row.Diagnosis)
	return classifyDBErr(err)
}

func (t *mysqlTx) ListStatusRows(procedureUUID string) ([]StatusRow, error) {
	var rows []StatusRow
	err := t.tx.Select(&rows, `
		SELECT procedure_uuid, ts AS timestamp, job_id, state, success, description, diagnosis
		FROM fabric_status_rows WHERE procedure_uuid = ? ORDER BY id`, procedureUUID)
	return rows, classifyDBErr(err)
}

func (t *mysqlTx) Snapshot() (model.Snapshot, error) {
	var snap model.Snapshot
	var err error
	if snap.Servers, err = t.ListServers(""); err != nil {
		return snap, err
	}
	if snap.Groups, err = t.ListGroups(); err != nil {
		return snap, err
	}
	if snap.Definitions, err = t.ListDefinitions(); err != nil {
		return snap, err
	}
	if snap.Shards, err = t.ListShards(0); err != nil {
		return snap, err
	}
	if snap.Ranges, err = t.ListRanges(0); err != nil {
		return snap, err
	}
	return snap, nil
}

func requireRowsAffected(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classifyDBErr(err)
	}
	if n == 0 {
		return NotFound(kind, key)
	}
	return nil
}

func joinLockPaths(paths []string) string {
	return strings.Join(paths, ",")
}

func splitLockPaths(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
