package executor

import (
	"context"

	"github.com/signal18/mysql-fabric-manager/internal/store"
)

type txKey struct{}

// WithTx attaches a transaction to ctx for the duration of one job's
// execution, so a handler registered with the event dispatcher can reach
// the snapshot it is meant to read/mutate without the executor leaking
// its Tx type across package boundaries.
func WithTx(ctx context.Context, tx store.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext retrieves the transaction a handler should use. Handlers
// in internal/handlers call this at the top of every function.
func TxFromContext(ctx context.Context) (store.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(store.Tx)
	return tx, ok
}
