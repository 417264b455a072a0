package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/signal18/mysql-fabric-manager/internal/model"
)

// Memory is an in-process Gateway, the default backend when no DSN is
// configured and the backend used by package tests: an in-memory
// implementation of the same interface the MySQL-backed gateway
// satisfies.
type Memory struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	servers     map[string]model.Server
	groups      map[string]model.Group
	definitions map[int]model.ShardMappingDefinition
	mappings    []model.ShardMapping
	shards      map[int]model.Shard
	ranges      []model.RangeSpec
	procedures  map[string]ProcedureRecord
	statusRows  []StatusRow
}

func newMemoryState() memoryState {
	return memoryState{
		servers:     map[string]model.Server{},
		groups:      map[string]model.Group{},
		definitions: map[int]model.ShardMappingDefinition{},
		shards:      map[int]model.Shard{},
		procedures:  map[string]ProcedureRecord{},
	}
}

// NewMemory constructs an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.servers {
		out.servers[k] = v
	}
	for k, v := range s.groups {
		out.groups[k] = v
	}
	for k, v := range s.definitions {
		out.definitions[k] = v
	}
	out.mappings = append([]model.ShardMapping(nil), s.mappings...)
	for k, v := range s.shards {
		out.shards[k] = v
	}
	out.ranges = append([]model.RangeSpec(nil), s.ranges...)
	for k, v := range s.procedures {
		out.procedures[k] = v
	}
	out.statusRows = append([]StatusRow(nil), s.statusRows...)
	return out
}

// Begin acquires the gateway's single writer lock and hands the caller a
// private working copy, a snapshot taken under the lock. The lock is
// held for the lifetime of the transaction, giving memory transactions
// serializable isolation for free.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memoryTx{gw: m, work: m.state.clone()}, nil
}

// Close is a no-op for the in-memory gateway.
func (m *Memory) Close() error { return nil }

type memoryTx struct {
	gw       *Memory
	work     memoryState
	finished bool
}

func (t *memoryTx) Commit() error {
	if t.finished {
		return nil
	}
	t.gw.state = t.work
	t.gw.mu.Unlock()
	t.finished = true
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.finished {
		return nil
	}
	t.gw.mu.Unlock()
	t.finished = true
	return nil
}

func (t *memoryTx) PutServer(s model.Server) error {
	t.work.servers[s.UUID] = s
	return nil
}

func (t *memoryTx) GetServer(uuid string) (model.Server, error) {
	s, ok := t.work.servers[uuid]
	if !ok {
		return model.Server{}, NotFound("server", uuid)
	}
	return s, nil
}

func (t *memoryTx) DeleteServer(uuid string) error {
	if _, ok := t.work.servers[uuid]; !ok {
		return NotFound("server", uuid)
	}
	delete(t.work.servers, uuid)
	return nil
}

func (t *memoryTx) ListServers(groupID string) ([]model.Server, error) {
	var out []model.Server
	for _, s := range t.work.servers {
		if groupID == "" || s.GroupID == groupID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memoryTx) PutGroup(g model.Group) error {
	t.work.groups[g.ID] = g
	return nil
}

func (t *memoryTx) GetGroup(id string) (model.Group, error) {
	g, ok := t.work.groups[id]
	if !ok {
		return model.Group{}, NotFound("group", id)
	}
	return g, nil
}

func (t *memoryTx) DeleteGroup(id string) error {
	if _, ok := t.work.groups[id]; !ok {
		return NotFound("group", id)
	}
	delete(t.work.groups, id)
	return nil
}

func (t *memoryTx) ListGroups() ([]model.Group, error) {
	out := make([]model.Group, 0, len(t.work.groups))
	for _, g := range t.work.groups {
		out = append(out, g)
	}
	return out, nil
}

func (t *memoryTx) PutDefinition(d model.ShardMappingDefinition) error {
	t.work.definitions[d.ID] = d
	return nil
}

func (t *memoryTx) GetDefinition(id int) (model.ShardMappingDefinition, error) {
	d, ok := t.work.definitions[id]
	if !ok {
		return model.ShardMappingDefinition{}, NotFound("shard mapping definition", strconv.Itoa(id))
	}
	return d, nil
}

func (t *memoryTx) DeleteDefinition(id int) error {
	if _, ok := t.work.definitions[id]; !ok {
		return NotFound("shard mapping definition", strconv.Itoa(id))
	}
	delete(t.work.definitions, id)
	return nil
}

func (t *memoryTx) ListDefinitions() ([]model.ShardMappingDefinition, error) {
	out := make([]model.ShardMappingDefinition, 0, len(t.work.definitions))
	for _, d := range t.work.definitions {
		out = append(out, d)
	}
	return out, nil
}

func (t *memoryTx) PutMapping(m model.ShardMapping) error {
	for i, existing := range t.work.mappings {
		if existing.DefinitionID == m.DefinitionID && existing.Table == m.Table {
			t.work.mappings[i] = m
			return nil
		}
	}
	t.work.mappings = append(t.work.mappings, m)
	return nil
}

func (t *memoryTx) DeleteMapping(definitionID int, table string) error {
	for i, existing := range t.work.mappings {
		if existing.DefinitionID == definitionID && existing.Table == table {
			t.work.mappings = append(t.work.mappings[:i], t.work.mappings[i+1:]...)
			return nil
		}
	}
	return NotFound("shard mapping", table)
}

func (t *memoryTx) ListMappings(definitionID int) ([]model.ShardMapping, error) {
	var out []model.ShardMapping
	for _, m := range t.work.mappings {
		if m.DefinitionID == definitionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memoryTx) PutShard(sh model.Shard) error {
	t.work.shards[sh.ID] = sh
	return nil
}

func (t *memoryTx) GetShard(id int) (model.Shard, error) {
	sh, ok := t.work.shards[id]
	if !ok {
		return model.Shard{}, NotFound("shard", strconv.Itoa(id))
	}
	return sh, nil
}

func (t *memoryTx) DeleteShard(id int) error {
	if _, ok := t.work.shards[id]; !ok {
		return NotFound("shard", strconv.Itoa(id))
	}
	delete(t.work.shards, id)
	return nil
}

func (t *memoryTx) ListShards(definitionID int) ([]model.Shard, error) {
	var out []model.Shard
	for _, sh := range t.work.shards {
		if definitionID == 0 || sh.DefinitionID == definitionID {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (t *memoryTx) PutRange(r model.RangeSpec) error {
	for i, existing := range t.work.ranges {
		if existing.ShardID == r.ShardID {
			t.work.ranges[i] = r
			return nil
		}
	}
	t.work.ranges = append(t.work.ranges, r)
	return nil
}

func (t *memoryTx) ListRanges(definitionID int) ([]model.RangeSpec, error) {
	var out []model.RangeSpec
	for _, r := range t.work.ranges {
		sh, ok := t.work.shards[r.ShardID]
		if !ok {
			continue
		}
		if definitionID == 0 || sh.DefinitionID == definitionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryTx) PutProcedure(p ProcedureRecord) error {
	t.work.procedures[p.UUID] = p
	return nil
}

func (t *memoryTx) GetProcedure(uuid string) (ProcedureRecord, error) {
	p, ok := t.work.procedures[uuid]
	if !ok {
		return ProcedureRecord{}, NotFound("procedure", uuid)
	}
	return p, nil
}

func (t *memoryTx) ListUnterminatedProcedures() ([]ProcedureRecord, error) {
	var out []ProcedureRecord
	for _, p := range t.work.procedures {
		if p.State != "COMPLETE" && p.State != "ERROR" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memoryTx) AppendStatusRow(row StatusRow) error {
	t.work.statusRows = append(t.work.statusRows, row)
	return nil
}

func (t *memoryTx) ListStatusRows(procedureUUID string) ([]StatusRow, error) {
	var out []StatusRow
	for _, r := range t.work.statusRows {
		if r.ProcedureUUID == procedureUUID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryTx) Snapshot() (model.Snapshot, error) {
	snap := model.Snapshot{}
	for _, s := range t.work.servers {
		snap.Servers = append(snap.Servers, s)
	}
	for _, g := range t.work.groups {
		snap.Groups = append(snap.Groups, g)
	}
	for _, d := range t.work.definitions {
		snap.Definitions = append(snap.Definitions, d)
	}
	for _, sh := range t.work.shards {
		snap.Shards = append(snap.Shards, sh)
	}
	snap.Ranges = append(snap.Ranges, t.work.ranges...)
	return snap, nil
}

