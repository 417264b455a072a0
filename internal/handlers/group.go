package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/mysql-fabric-manager/internal/executor"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

func currentTx(ctx context.Context) (store.Tx, error) {
	tx, ok := executor.TxFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("handler invoked outside a procedure transaction")
	}
	return tx, nil
}

// GroupCreate handles group.create(group_id, description?). It registers
// the group with the failure detector unconditionally; if the enclosing
// procedure later rolls back, the detector finds no such group on its
// next tick and skips it, since it reads live store state.
func (h *Handlers) GroupCreate(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	description := argStringOpt(args, 1, "")

	if _, err := tx.GetGroup(groupID); err == nil {
		return nil, model.GroupError("group (%s) already exists", groupID)
	}

	if err := tx.PutGroup(model.Group{ID: groupID, Description: description, Status: model.GroupActive}); err != nil {
		return nil, err
	}
	if h.deps.Detector != nil {
		h.deps.Detector.RegisterGroup(groupID)
	}
	return groupID, nil
}

// GroupDestroy handles group.destroy(group_id, force?). Without force, a
// group with any remaining server cannot be destroyed.
func (h *Handlers) GroupDestroy(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	force := argBoolOpt(args, 1, false)

	if _, err := tx.GetGroup(groupID); err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}
	servers, err := tx.ListServers(groupID)
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 && !force {
		return nil, model.GroupError("group (%s) still has %d server(s), pass force", groupID, len(servers))
	}
	for _, srv := range servers {
		h.detachReplication(ctx, srv)
		if err := tx.DeleteServer(srv.UUID); err != nil {
			return nil, err
		}
		if h.deps.Pool != nil {
			h.deps.Pool.PurgeConnections(srv.UUID)
		}
	}
	if err := tx.DeleteGroup(groupID); err != nil {
		return nil, err
	}
	if h.deps.Detector != nil {
		h.deps.Detector.UnregisterGroup(groupID)
	}
	return nil, nil
}

// GroupAdd handles group.add(group_id, address, user, password). It
// discovers the server's UUID, rejects servers below the minimum
// supported version and duplicate UUIDs, then registers the server as a
// SPARE; group.promote is what gives a group its master.
func (h *Handlers) GroupAdd(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	address, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	user := argStringOpt(args, 2, "")
	password := argStringOpt(args, 3, "")

	if _, err := tx.GetGroup(groupID); err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}

	uuid, err := h.deps.Prober.DiscoverUUID(ctx, address, user, password)
	if err != nil {
		return nil, model.ServerError("cannot discover uuid for (%s): %v", address, err)
	}
	if _, err := tx.GetServer(uuid); err == nil {
		return nil, model.ServerError("server (%s) already exists", uuid)
	}

	ok, err := h.deps.Prober.HasRootPrivileges(ctx, address, user, password)
	if err != nil {
		return nil, model.ServerError("cannot check privileges on (%s): %v", address, err)
	}
	if !ok {
		return nil, fmt.Errorf("user on (%s): %w", address, model.ErrAuthInsufficient)
	}

	status, err := h.deps.Prober.Probe(ctx, uuid, address, user, password)
	if err != nil {
		return nil, model.ServerError("cannot probe (%s): %v", address, err)
	}
	if status.Version.Compare(h.deps.MinServerVersion) < 0 {
		return nil, fmt.Errorf("server (%s) version %+v: %w", address, status.Version, model.ErrVersionMismatch)
	}

	srv := model.Server{
		UUID:           uuid,
		GroupID:        groupID,
		Address:        address,
		User:           user,
		Password:       password,
		Role:           model.RoleSpare,
		Mode:           model.ModeReadOnly,
		Weight:         1,
		Version:        status.Version,
		LastSeen:       now(),
		BinlogFile:     status.BinlogFile,
		BinlogPosition: status.BinlogPosition,
	}
	if err := tx.PutServer(srv); err != nil {
		return nil, err
	}
	return uuid, nil
}

// GroupRemove handles group.remove(group_id, uuid). A server currently
// holding PRIMARY role cannot be removed directly: demote or promote
// another candidate first.
func (h *Handlers) GroupRemove(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	uuid, err := argString(args, 1)
	if err != nil {
		return nil, err
	}

	srv, err := tx.GetServer(uuid)
	if err != nil {
		return nil, model.ServerError("server (%s) does not exist: %v", uuid, err)
	}
	if srv.GroupID != groupID {
		return nil, model.ServerError("server (%s) does not belong to group (%s)", uuid, groupID)
	}
	if srv.Role == model.RolePrimary {
		return nil, model.ServerError("server (%s) is group (%s)'s master, demote or promote a replacement first", uuid, groupID)
	}
	h.detachReplication(ctx, srv)
	if err := tx.DeleteServer(uuid); err != nil {
		return nil, err
	}
	if h.deps.Pool != nil {
		h.deps.Pool.PurgeConnections(uuid)
	}
	return nil, nil
}

// detachReplication stops a server replicating before its record goes
// away. Best effort: removal must still succeed for a server that no
// longer answers.
func (h *Handlers) detachReplication(ctx context.Context, srv model.Server) {
	if err := h.deps.Prober.ConfigureReplication(ctx, srv.Address, srv.User, srv.Password, "", ""); err != nil {
		h.deps.Log.WithError(err).WithField("server", srv.UUID).Warn("could not detach replication on removed server")
	}
}

// GroupPromote handles group.promote(group_id, candidate_uuid?). With no
// candidate, the best replica is elected by smallest replication lag,
// weight as tie-break, then UUID order. The candidate first catches up to
// the outgoing master's binlog position; every remaining server is then
// reconfigured to replicate from it and polled until it reaches the new
// master's position.
//
// Promotion also re-points replication across the global/shard boundary:
// if group_id is itself a shard group, the new master replicates from its
// definition's global group master (or nothing, if the global group
// currently has none) instead of going standalone; if group_id is a
// global group, every shard group fed by it has its own master re-pointed
// to replicate from the new global master.
func (h *Handlers) GroupPromote(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	candidateUUID := argStringOpt(args, 1, "")

	group, err := tx.GetGroup(groupID)
	if err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}
	servers, err := tx.ListServers(groupID)
	if err != nil {
		return nil, err
	}

	candidate, err := h.electCandidate(servers, candidateUUID)
	if err != nil {
		return nil, err
	}

	// The candidate must reach the outgoing master's binlog position
	// before it takes writes: the position read from a live probe when
	// the old master still answers, or its last successfully probed
	// position when it does not.
	oldMasterUUID := group.Master
	if oldMasterUUID != "" && oldMasterUUID != candidate.UUID {
		oldMaster, err := tx.GetServer(oldMasterUUID)
		if err != nil {
			return nil, err
		}
		targetFile, targetPos := oldMaster.BinlogFile, oldMaster.BinlogPosition
		if status, err := h.deps.Prober.Probe(ctx, oldMaster.UUID, oldMaster.Address, oldMaster.User, oldMaster.Password); err == nil && status.Reachable {
			targetFile, targetPos = status.BinlogFile, status.BinlogPosition
		}
		if err := h.waitForCatchUp(ctx, candidate, targetFile, targetPos); err != nil {
			return nil, err
		}
	}
	targetFile, targetPos := candidate.BinlogFile, candidate.BinlogPosition

	globalMaster, err := globalMasterForShardGroup(tx, groupID)
	if err != nil {
		return nil, err
	}
	sourceUUID, sourceAddress := "", ""
	if globalMaster != nil {
		sourceUUID, sourceAddress = globalMaster.UUID, globalMaster.Address
	}

	if err := h.deps.Prober.ConfigureReplication(ctx, candidate.Address, candidate.User, candidate.Password, sourceUUID, sourceAddress); err != nil {
		return nil, model.ServerError("cannot configure replication on candidate (%s): %v", candidate.UUID, err)
	}
	candidate.Role = model.RolePrimary
	candidate.Mode = model.ModeReadWrite
	candidate.ReplicationSource = sourceUUID
	if err := tx.PutServer(*candidate); err != nil {
		return nil, err
	}

	for i := range servers {
		srv := servers[i]
		if srv.UUID == candidate.UUID {
			continue
		}
		if err := h.deps.Prober.ConfigureReplication(ctx, srv.Address, srv.User, srv.Password, candidate.UUID, candidate.Address); err != nil {
			return nil, model.ServerError("cannot repoint (%s) to new master (%s): %v", srv.UUID, candidate.UUID, err)
		}
		srv.ReplicationSource = candidate.UUID
		if srv.UUID == oldMasterUUID {
			srv.Role = model.RoleSecondary
			srv.Mode = model.ModeReadOnly
		}
		if err := tx.PutServer(srv); err != nil {
			return nil, err
		}
		if err := h.waitForCatchUp(ctx, &srv, targetFile, targetPos); err != nil {
			return nil, err
		}
	}

	group.Master = candidate.UUID
	if err := tx.PutGroup(group); err != nil {
		return nil, err
	}

	if err := h.repointGlobalDependents(ctx, tx, groupID, candidate); err != nil {
		return nil, err
	}
	h.deps.Log.WithFields(logrus.Fields{"group": groupID, "master": candidate.UUID}).Info("promoted new master")
	return candidate.UUID, nil
}

// globalMasterForShardGroup reports the current master of groupID's
// global group, if groupID backs a shard of a definition that has one.
// Returns nil, nil if groupID is not a shard group, or its global group
// has no master yet.
func globalMasterForShardGroup(tx store.Tx, groupID string) (*model.Server, error) {
	defs, err := tx.ListDefinitions()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		shards, err := tx.ListShards(def.ID)
		if err != nil {
			return nil, err
		}
		for _, sh := range shards {
			if sh.GroupID == groupID {
				return globalMasterOf(tx, def)
			}
		}
	}
	return nil, nil
}

// repointGlobalDependents re-points the master of every shard group fed
// by globalGroupID to replicate from newMaster, called after
// globalGroupID's own master has just changed. A nil newMaster detaches
// every shard group master instead, for demotion of a global group.
// The per-master CHANGE MASTER calls fan out concurrently so the whole
// topology is re-established within one tick rather than one shard
// group at a time; the record writes stay on the job's transaction.
func (h *Handlers) repointGlobalDependents(ctx context.Context, tx store.Tx, globalGroupID string, newMaster *model.Server) error {
	masters, err := shardGroupMasters(tx, globalGroupID)
	if err != nil {
		return err
	}
	if len(masters) == 0 {
		return nil
	}
	sourceUUID, sourceAddress := "", ""
	if newMaster != nil {
		sourceUUID, sourceAddress = newMaster.UUID, newMaster.Address
	}

	fns := make([]func(ctx context.Context) error, len(masters))
	for i := range masters {
		m := masters[i]
		fns[i] = func(ctx context.Context) error {
			if err := h.deps.Prober.ConfigureReplication(ctx, m.Address, m.User, m.Password, sourceUUID, sourceAddress); err != nil {
				return model.ServerError("cannot repoint shard group (%s) master (%s) to global master (%s): %v", m.GroupID, m.UUID, sourceUUID, err)
			}
			return nil
		}
	}
	if err := executor.FanOut(ctx, fns...); err != nil {
		return err
	}

	for i := range masters {
		masters[i].ReplicationSource = sourceUUID
		if err := tx.PutServer(masters[i]); err != nil {
			return err
		}
	}
	return nil
}

// shardGroupMasters collects the master server of every distinct shard
// group fed by globalGroupID. Masterless shard groups are skipped; they
// pick up the global master on their next promote.
func shardGroupMasters(tx store.Tx, globalGroupID string) ([]model.Server, error) {
	defs, err := tx.ListDefinitions()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []model.Server
	for _, def := range defs {
		if def.GlobalGroupID != globalGroupID {
			continue
		}
		shards, err := tx.ListShards(def.ID)
		if err != nil {
			return nil, err
		}
		for _, sh := range shards {
			if sh.GroupID == "" || seen[sh.GroupID] {
				continue
			}
			seen[sh.GroupID] = true
			shardGroup, err := tx.GetGroup(sh.GroupID)
			if err != nil {
				return nil, err
			}
			if !shardGroup.HasMaster() {
				continue
			}
			shardMaster, err := tx.GetServer(shardGroup.Master)
			if err != nil {
				return nil, err
			}
			out = append(out, shardMaster)
		}
	}
	return out, nil
}

// electCandidate picks the promotion target: an explicit candidateUUID if
// given (validated as a non-faulty member), else the replica with the
// furthest-advanced replication position, breaking ties by larger weight
// then lexicographically smaller UUID.
func (h *Handlers) electCandidate(servers []model.Server, candidateUUID string) (*model.Server, error) {
	if candidateUUID != "" {
		for i := range servers {
			if servers[i].UUID == candidateUUID {
				if servers[i].Role == model.RoleFaulty {
					return nil, model.GroupError("candidate (%s) is FAULTY", candidateUUID)
				}
				out := servers[i]
				return &out, nil
			}
		}
		return nil, model.GroupError("candidate (%s) is not a member of this group", candidateUUID)
	}

	eligible := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		if s.Role != model.RoleFaulty && s.Role != model.RolePrimary {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil, model.GroupError("no eligible candidate to promote")
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.BinlogFile != b.BinlogFile {
			return a.BinlogFile > b.BinlogFile
		}
		if a.BinlogPosition != b.BinlogPosition {
			return a.BinlogPosition > b.BinlogPosition
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.UUID < b.UUID
	})
	out := eligible[0]
	return &out, nil
}

// waitForCatchUp polls srv's replication position until it reaches
// (file, pos) or the configured catch-up timeout elapses: a poll with a
// context deadline, never a fixed sleep.
func (h *Handlers) waitForCatchUp(ctx context.Context, srv *model.Server, file string, pos int64) error {
	deadline, cancel := context.WithTimeout(ctx, h.deps.CatchUpTimeout)
	defer cancel()

	ticker := time.NewTicker(h.deps.CatchUpPollInterval)
	defer ticker.Stop()

	for {
		status, err := h.deps.Prober.Probe(deadline, srv.UUID, srv.Address, srv.User, srv.Password)
		if err == nil && status.Reachable {
			srv.BinlogFile, srv.BinlogPosition = status.BinlogFile, status.BinlogPosition
			if srv.AheadOfOrEqual(file, pos) {
				return nil
			}
		}
		select {
		case <-deadline.Done():
			return model.ServerError("server (%s) did not catch up to (%s,%d) before timeout", srv.UUID, file, pos)
		case <-ticker.C:
		}
	}
}

// GroupDemote handles group.demote(group_id): strips the current master's
// PRIMARY role and clears the group's master, leaving it mastership-less
// until the next group.promote. When the group is the global group of a
// shard-mapping definition, every shard group's master stops replicating
// from it: a null global master means a null replication source.
func (h *Handlers) GroupDemote(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	group, err := tx.GetGroup(groupID)
	if err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}
	if !group.HasMaster() {
		return nil, nil
	}
	master, err := tx.GetServer(group.Master)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Prober.ConfigureReplication(ctx, master.Address, master.User, master.Password, "", ""); err != nil {
		return nil, model.ServerError("cannot stop replication on demoted master (%s): %v", master.UUID, err)
	}
	master.Role = model.RoleSecondary
	master.Mode = model.ModeReadOnly
	if err := tx.PutServer(master); err != nil {
		return nil, err
	}
	group.Master = ""
	if err := tx.PutGroup(group); err != nil {
		return nil, err
	}
	return nil, h.repointGlobalDependents(ctx, tx, groupID, nil)
}

// GroupLookupGroups handles group.lookup_groups(): returns every group.
func (h *Handlers) GroupLookupGroups(ctx context.Context, _ []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ListGroups()
}

// ServerTuple is the (uuid, address, is_master) view of a group/shard
// member returned by the lookup_servers commands.
type ServerTuple struct {
	UUID     string `json:"uuid"`
	Address  string `json:"address"`
	IsMaster bool   `json:"is_master"`
}

func serverTuples(servers []model.Server, masterUUID string) []ServerTuple {
	out := make([]ServerTuple, len(servers))
	for i, s := range servers {
		out[i] = ServerTuple{UUID: s.UUID, Address: s.Address, IsMaster: masterUUID != "" && s.UUID == masterUUID}
	}
	return out
}

// GroupLookupServers handles group.lookup_servers(group_id): returns the
// members of one group as (uuid, address, is_master) tuples.
func (h *Handlers) GroupLookupServers(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	group, err := tx.GetGroup(groupID)
	if err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}
	servers, err := tx.ListServers(groupID)
	if err != nil {
		return nil, err
	}
	return serverTuples(servers, group.Master), nil
}

// GroupDescription handles group.description(group_id, description?): a
// getter when description is omitted, a setter when given.
func (h *Handlers) GroupDescription(ctx context.Context, args []interface{}) (interface{}, error) {
	tx, err := currentTx(ctx)
	if err != nil {
		return nil, err
	}
	groupID, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	group, err := tx.GetGroup(groupID)
	if err != nil {
		return nil, model.GroupError("group (%s) does not exist: %v", groupID, err)
	}
	if len(args) > 1 && args[1] != nil {
		group.Description = argStringOpt(args, 1, group.Description)
		if err := tx.PutGroup(group); err != nil {
			return nil, err
		}
	}
	return group.Description, nil
}

// ServerLookupUUID handles server.lookup_uuid(address, user, password): a
// read-only probe with no group/tx side effects beyond the transaction
// every job runs inside.
func (h *Handlers) ServerLookupUUID(ctx context.Context, args []interface{}) (interface{}, error) {
	address, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	user := argStringOpt(args, 1, "")
	password := argStringOpt(args, 2, "")
	return h.deps.Prober.DiscoverUUID(ctx, address, user, password)
}

func now() time.Time { return time.Now() }
