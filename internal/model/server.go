package model

import "time"

// Role is a server's replication role within its group.
type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleSecondary Role = "SECONDARY"
	RoleSpare     Role = "SPARE"
	RoleFaulty    Role = "FAULTY"
)

// Mode is a server's write-acceptance mode.
type Mode string

const (
	ModeOffline   Mode = "OFFLINE"
	ModeReadOnly  Mode = "READ_ONLY"
	ModeReadWrite Mode = "READ_WRITE"
)

// MinServerVersion is the reference minimum version accepted by
// group.add's version check.
var MinServerVersion = ServerVersion{Major: 5, Minor: 6, Patch: 8}

// ServerVersion is a MySQL-style three-part version number.
type ServerVersion struct {
	Major, Minor, Patch int
}

// Compare returns -1, 0 or 1 the way sort comparators expect.
func (v ServerVersion) Compare(o ServerVersion) int {
	if v.Major != o.Major {
		return cmp(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmp(v.Minor, o.Minor)
	}
	return cmp(v.Patch, o.Patch)
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Server is a MySQL instance known to the fleet. Identity is its UUID,
// discovered from the live instance on first contact (discover_uuid).
type Server struct {
	UUID          string        `db:"uuid" json:"uuid"`
	GroupID       string        `db:"group_id" json:"group_id"`
	Address       string        `db:"address" json:"address"`
	User          string        `db:"user" json:"user"`
	Password      string        `db:"password" json:"-"`
	Role          Role          `db:"role" json:"role"`
	Mode          Mode          `db:"mode" json:"mode"`
	Weight        float64       `db:"weight" json:"weight"`
	Version       ServerVersion `db:"-" json:"version"`
	VersionString string        `db:"version_string" json:"version_string"`
	LastSeen      time.Time     `db:"last_seen" json:"last_seen"`

	// Replication position, populated by the last successful probe.
	BinlogFile        string `db:"binlog_file" json:"binlog_file"`
	BinlogPosition    int64  `db:"binlog_position" json:"binlog_position"`
	ReplicationSource string `db:"replication_source" json:"replication_source"`
}

// IsReplicatingFrom reports whether s is configured to replicate from the
// server identified by sourceUUID. An empty sourceUUID means "no source".
func (s *Server) IsReplicatingFrom(sourceUUID string) bool {
	return s.ReplicationSource == sourceUUID
}

// AheadOfOrEqual reports whether s's replication position is at least as
// advanced as the given binlog coordinates, used by the catch-up poll.
func (s *Server) AheadOfOrEqual(file string, pos int64) bool {
	if s.BinlogFile != file {
		return s.BinlogFile > file
	}
	return s.BinlogPosition >= pos
}
