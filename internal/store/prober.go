package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/signal18/mysql-fabric-manager/internal/model"
)

// MySQLProber is the production model.Prober: short-lived connections to
// the fleet's managed servers. Each call dials its own sql.DB and closes
// it afterwards; connections are not checked out from the Pool it holds.
// Query text here is intentionally minimal, but real enough to exercise
// the go-sql-driver/mysql dependency end to end.
type MySQLProber struct {
	pool *Pool
}

// NewMySQLProber builds a prober backed by pool.
func NewMySQLProber(pool *Pool) *MySQLProber {
	return &MySQLProber{pool: pool}
}

func dial(ctx context.Context, address, user, password string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/", user, password, address)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (p *MySQLProber) DiscoverUUID(ctx context.Context, address, user, password string) (string, error) {
	db, err := dial(ctx, address, user, password)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnreachableServer, err)
	}
	defer db.Close()

	var uuid string
	if err := db.QueryRowContext(ctx, "SELECT @@server_uuid").Scan(&uuid); err != nil {
		return "", fmt.Errorf("discover uuid on (%s): %w", address, err)
	}
	return uuid, nil
}

func (p *MySQLProber) Probe(ctx context.Context, uuid, address, user, password string) (model.ReplicationStatus, error) {
	db, err := dial(ctx, address, user, password)
	if err != nil {
		return model.ReplicationStatus{UUID: uuid, Reachable: false}, nil
	}
	defer db.Close()

	status := model.ReplicationStatus{UUID: uuid, Reachable: true}

	var versionString string
	if err := db.QueryRowContext(ctx, "SELECT @@version").Scan(&versionString); err == nil {
		status.Version = parseVersion(versionString)
	}

	row := db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	var file string
	var pos int64
	var binlogDoDB, binlogIgnoreDB, executedGtid sql.NullString
	if err := row.Scan(&file, &pos, &binlogDoDB, &binlogIgnoreDB, &executedGtid); err == nil {
		status.BinlogFile = file
		status.BinlogPosition = pos
	}

	return status, nil
}

func (p *MySQLProber) HasRootPrivileges(ctx context.Context, address, user, password string) (bool, error) {
	db, err := dial(ctx, address, user, password)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrUnreachableServer, err)
	}
	defer db.Close()

	var grant string
	if err := db.QueryRowContext(ctx, "SHOW GRANTS FOR CURRENT_USER()").Scan(&grant); err != nil {
		return false, fmt.Errorf("check privileges on (%s): %w", address, err)
	}
	return grantImpliesRoot(grant), nil
}

func (p *MySQLProber) ConfigureReplication(ctx context.Context, address, user, password, sourceUUID, sourceAddress string) error {
	db, err := dial(ctx, address, user, password)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnreachableServer, err)
	}
	defer db.Close()

	if sourceAddress == "" {
		_, err := db.ExecContext(ctx, "STOP SLAVE")
		return err
	}
	_, err = db.ExecContext(ctx, "CHANGE MASTER TO MASTER_HOST=?, MASTER_USER=?, MASTER_PASSWORD=?, MASTER_AUTO_POSITION=1",
		sourceAddress, user, password)
	if err != nil {
		return fmt.Errorf("configure replication from (%s): %w", sourceAddress, err)
	}
	_, err = db.ExecContext(ctx, "START SLAVE")
	return err
}

func grantImpliesRoot(grant string) bool {
	return strings.Contains(grant, "ALL PRIVILEGES") || strings.Contains(grant, "SUPER")
}

func parseVersion(s string) model.ServerVersion {
	var v model.ServerVersion
	fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	return v
}
