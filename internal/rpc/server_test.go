package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/executor"
	"github.com/signal18/mysql-fabric-manager/internal/handlers"
	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/model"
	"github.com/signal18/mysql-fabric-manager/internal/rpc"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

type noopProber struct{}

func (noopProber) DiscoverUUID(_ context.Context, address, _, _ string) (string, error) {
	return "uuid-" + address, nil
}
func (noopProber) Probe(_ context.Context, uuid, _, _, _ string) (model.ReplicationStatus, error) {
	return model.ReplicationStatus{UUID: uuid, Reachable: true, Version: model.ServerVersion{Major: 8}}, nil
}
func (noopProber) HasRootPrivileges(_ context.Context, _, _, _ string) (bool, error) { return true, nil }
func (noopProber) ConfigureReplication(_ context.Context, _, _, _, _, _ string) error { return nil }

func newTestServer(t *testing.T) *rpc.Server {
	t.Helper()
	gw := store.NewMemory()
	locks := lockmgr.New()
	exec, err := executor.New(context.Background(), gw, locks, executor.Config{Workers: 2}, nil)
	require.NoError(t, err)
	h := handlers.New(handlers.Deps{Prober: noopProber{}, Gateway: gw})
	reg := event.New(exec)
	h.Register(reg)
	return rpc.New(reg, nil)
}

func postJSON(t *testing.T, srv *rpc.Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRPCAsynchronousReturnsProcedureHandle(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/rpc/group.create", map[string]interface{}{
		"args": []interface{}{"group1", "first group"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["procedure_uuid"])
	require.Equal(t, false, body["final"])
}

func TestRPCSynchronousWaitsForCompletion(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/rpc/group.create", map[string]interface{}{
		"args":        []interface{}{"group1", "first group"},
		"synchronous": "true",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["final"])
	log, ok := body["status_log"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, log)
}

func TestRPCRejectsBadSynchronousValue(t *testing.T) {
	srv := newTestServer(t)
	rec := postJSON(t, srv, "/rpc/group.create", map[string]interface{}{
		"args":        []interface{}{"group1"},
		"synchronous": "maybe",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
