package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signal18/mysql-fabric-manager/internal/lockmgr"
	"github.com/signal18/mysql-fabric-manager/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, store.Gateway) {
	t.Helper()
	gw := store.NewMemory()
	locks := lockmgr.New()
	ex, err := New(context.Background(), gw, locks, Config{Workers: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ex, gw
}

func TestSubmitRunsJobsInOrderAndCompletes(t *testing.T) {
	ex, _ := newTestExecutor(t)

	var order []int
	job := func(i int) func(context.Context) (interface{}, error) {
		return func(ctx context.Context) (interface{}, error) {
			order = append(order, i)
			return i, nil
		}
	}

	proc, err := ex.Submit(context.Background(), "test.event", nil, []func(context.Context) (interface{}, error){
		job(0), job(1), job(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	p := proc.(*Procedure)
	<-p.Done()

	if p.State() != StateComplete {
		t.Fatalf("expected COMPLETE, got %s", p.State())
	}
	for i, v := range order {
		if i != v {
			t.Fatalf("expected jobs to run in enqueue order, got %v", order)
		}
	}
	log := p.StatusLog()
	if len(log) != 3 {
		t.Fatalf("expected 3 status rows, got %d", len(log))
	}
	for _, row := range log {
		if row.State != JobSuccess {
			t.Fatalf("expected all jobs to succeed, got %+v", row)
		}
	}
}

func TestFailedJobSkipsRemaining(t *testing.T) {
	ex, _ := newTestExecutor(t)

	ran := []string{}
	ok := func(name string) func(context.Context) (interface{}, error) {
		return func(ctx context.Context) (interface{}, error) {
			ran = append(ran, name)
			return nil, nil
		}
	}
	fail := func(ctx context.Context) (interface{}, error) {
		ran = append(ran, "fail")
		return nil, errors.New("boom")
	}

	proc, err := ex.Submit(context.Background(), "test.event", nil, []func(context.Context) (interface{}, error){
		ok("first"), fail, ok("third"),
	})
	if err != nil {
		t.Fatal(err)
	}
	p := proc.(*Procedure)
	<-p.Done()

	if p.State() != StateError {
		t.Fatalf("expected ERROR, got %s", p.State())
	}
	if len(ran) != 2 {
		t.Fatalf("expected third job to be skipped, ran=%v", ran)
	}
	log := p.StatusLog()
	if log[2].State != JobSkipped {
		t.Fatalf("expected third status row SKIPPED, got %+v", log[2])
	}
}

func TestLockedProceduresSerializeOnSharedPath(t *testing.T) {
	ex, _ := newTestExecutor(t)

	var concurrent, peak int32
	slow := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	}

	p1, err := ex.Submit(context.Background(), "e1", []string{lockmgr.GroupPath("G1")}, []func(context.Context) (interface{}, error){slow})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ex.Submit(context.Background(), "e2", []string{lockmgr.GroupPath("G1")}, []func(context.Context) (interface{}, error){slow})
	if err != nil {
		t.Fatal(err)
	}

	<-p1.(*Procedure).Done()
	<-p2.(*Procedure).Done()

	if p1.(*Procedure).State() != StateComplete || p2.(*Procedure).State() != StateComplete {
		t.Fatalf("expected both procedures to complete")
	}
	if atomic.LoadInt32(&peak) > 1 {
		t.Fatalf("expected procedures sharing a lock path to serialize, saw %d running at once", peak)
	}
}

func TestCrashRecoveryMarksUnterminatedProceduresError(t *testing.T) {
	gw := store.NewMemory()
	ctx := context.Background()
	tx, _ := gw.Begin(ctx)
	tx.PutProcedure(store.ProcedureRecord{UUID: "stale-1", Event: "group.promote", State: StateRunning, CreatedAt: time.Now()})
	tx.Commit()

	locks := lockmgr.New()
	if _, err := New(ctx, gw, locks, Config{}, nil); err != nil {
		t.Fatal(err)
	}

	tx2, _ := gw.Begin(ctx)
	defer tx2.Rollback()
	rec, err := tx2.GetProcedure("stale-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateError {
		t.Fatalf("expected crash recovery to mark ERROR, got %s", rec.State)
	}
	rows, _ := tx2.ListStatusRows("stale-1")
	if len(rows) != 1 || rows[0].Diagnosis != "executor restarted" {
		t.Fatalf("expected a restart diagnosis row, got %+v", rows)
	}
}
