// Package rpc is the thin JSON/HTTP transport: one route,
// POST /rpc/{command}, that decodes a positional argument array,
// normalizes the dynamic "synchronous" flag to a strict bool, triggers
// the matching event, and replies with the procedure handle (async) or
// its final status log (sync).
//
// A gorilla/mux router with negroni-wrapped routes
// (negroni.New(negroni.Wrap(...))), imported under negroni's current
// module path github.com/urfave/negroni.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/signal18/mysql-fabric-manager/internal/event"
	"github.com/signal18/mysql-fabric-manager/internal/executor"
)

// Server is the RPC surface's HTTP handler.
type Server struct {
	router     *mux.Router
	dispatcher *event.Registry
	log        *logrus.Entry
}

// New builds a Server that dispatches every request through dispatcher.
func New(dispatcher *event.Registry, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{router: mux.NewRouter(), dispatcher: dispatcher, log: log}
	s.router.Handle("/rpc/{command}", negroni.New(
		negroni.HandlerFunc(s.logRequest),
		negroni.Wrap(http.HandlerFunc(s.handleCommand)),
	)).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Info("rpc request")
	next(w, r)
}

// request is the RPC call envelope: a positional argument list, plus a
// dynamic "synchronous" flag that is normalized to a strict bool at the
// transport boundary rather than passed through to handler code as a
// dynamically typed value.
type request struct {
	Args        []interface{} `json:"args"`
	Synchronous interface{}   `json:"synchronous"`
}

type response struct {
	ProcedureUUID string           `json:"procedure_uuid"`
	StatusLog     []statusLogEntry `json:"status_log,omitempty"`
	Final         bool             `json:"final"`
}

type statusLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	JobID       int       `json:"job_id"`
	State       string    `json:"state"`
	Success     bool      `json:"success"`
	Description string    `json:"description,omitempty"`
	Diagnosis   string    `json:"diagnosis,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	sync, err := normalizeSynchronous(req.Synchronous)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	proc, err := s.dispatcher.Trigger(context.Background(), event.Event(command), req.Args...)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("trigger %s: %w", command, err))
		return
	}

	if !sync {
		writeJSON(w, http.StatusAccepted, response{ProcedureUUID: proc.UUID(), Final: false})
		return
	}

	p, ok := proc.(*executor.Procedure)
	if !ok {
		writeJSON(w, http.StatusAccepted, response{ProcedureUUID: proc.UUID(), Final: false})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	rows := p.Wait(ctx)

	entries := make([]statusLogEntry, len(rows))
	for i, row := range rows {
		entries[i] = statusLogEntry{Timestamp: row.Timestamp, JobID: row.JobID, State: row.State, Success: row.Success, Description: row.Description, Diagnosis: row.Diagnosis}
	}
	writeJSON(w, http.StatusOK, response{ProcedureUUID: p.UUID(), StatusLog: entries, Final: true})
}

// normalizeSynchronous coerces the dynamic "synchronous" JSON value into
// a strict bool: JSON booleans pass through, the strings "true"/"false"
// (case-insensitive) and "1"/"0" are accepted for clients that can only
// send strings, the integers 1/0 likewise, a missing value or an empty
// string defaults to false (asynchronous), and anything else is a usage error rather than
// a silently-wrong truthiness coercion.
func normalizeSynchronous(v interface{}) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case float64:
		if t == 1 {
			return true, nil
		}
		if t == 0 {
			return false, nil
		}
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("synchronous must be a bool, got %v (%T)", v, v)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
