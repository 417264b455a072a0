package model

import "context"

// ReplicationStatus is a point-in-time snapshot of a server's replication
// position and health, as read from a lightweight probe: a short-lived
// connection with a ping-and-select.
type ReplicationStatus struct {
	UUID           string
	BinlogFile     string
	BinlogPosition int64
	SourceUUID     string
	Version        ServerVersion
	Reachable      bool
}

// Prober is the core's one seam into the live MySQL fleet: everything
// the handlers and the failure detector need to ask an actual server,
// behind an interface so the wire-level driver stays decoupled from the
// rest of the core and tests can substitute a fake. A production Prober
// implementation lives alongside internal/store's connection pool, since
// both dial the same managed servers.
type Prober interface {
	// DiscoverUUID opens a short-lived connection to address and returns
	// the server's reported UUID, used to reject duplicate registrations.
	DiscoverUUID(ctx context.Context, address, user, password string) (string, error)

	// Probe returns the server's current replication status. Reachable
	// is false (with no error) when the server cannot be contacted at
	// all, which the failure detector treats as a strike rather than a
	// fatal error.
	Probe(ctx context.Context, uuid, address, user, password string) (ReplicationStatus, error)

	// HasRootPrivileges reports whether user has sufficient privileges
	// on address to be managed.
	HasRootPrivileges(ctx context.Context, address, user, password string) (bool, error)

	// ConfigureReplication points the server at address to replicate
	// from source (sourceAddress == "" clears replication). Used by the
	// HA handlers to reconfigure topology during promote/demote/
	// enable/disable.
	ConfigureReplication(ctx context.Context, address, user, password, sourceUUID, sourceAddress string) error
}
