// Package event is the event dispatcher: a registry mapping an event
// identifier to an ordered list of handlers. Trigger enqueues one job
// per handler, in registration order, onto the executor and returns a
// procedure handle immediately.
//
// Handlers are registered once via an explicit Register call from
// process initialization, never implicitly through import order.
package event

import "context"

// Event identifies a command that may have zero or more handlers
// registered against it. The identifier is the dotted RPC command name,
// e.g. "group.promote".
type Event string

// Handler is one step of a procedure's pipeline. It receives the
// triggering arguments and returns a result (folded into the job's
// status-log description on success) or an error (recorded as the job's
// diagnosis on failure).
type Handler func(ctx context.Context, args []interface{}) (interface{}, error)

// Submitter is the dependency the dispatcher needs from the executor: a
// way to enqueue an ordered job list under a declared lock set and get a
// procedure handle back. Kept as an interface here so event has no
// import-time dependency on executor's concrete type.
type Submitter interface {
	Submit(ctx context.Context, event string, lockPaths []string, jobs []func(ctx context.Context) (interface{}, error)) (Procedure, error)
}

// Procedure is the minimal handle the dispatcher needs back from the
// executor: enough to let callers await completion if synchronous was
// requested.
type Procedure interface {
	UUID() string
}

// Registry is the event -> ordered-handlers map.
type Registry struct {
	submitter Submitter
	handlers  map[Event][]registeredHandler
	locks     map[Event]func(args []interface{}) []string
}

type registeredHandler struct {
	name string
	fn   Handler
}

// New constructs a dispatcher that submits jobs to submitter.
func New(submitter Submitter) *Registry {
	return &Registry{
		submitter: submitter,
		handlers:  map[Event][]registeredHandler{},
		locks:     map[Event]func(args []interface{}) []string{},
	}
}

// OnEvent appends handler to ev's ordered handler list. The order of
// OnEvent calls is the order jobs run in and must be preserved across
// restarts.
func (r *Registry) OnEvent(ev Event, name string, handler Handler) {
	r.handlers[ev] = append(r.handlers[ev], registeredHandler{name: name, fn: handler})
}

// DeclareLocks registers the function used to compute the lock paths a
// trigger of ev must acquire before its jobs run, from the trigger
// arguments (e.g. "group/<id>" from the first argument).
func (r *Registry) DeclareLocks(ev Event, lockPaths func(args []interface{}) []string) {
	r.locks[ev] = lockPaths
}

// Trigger enqueues one job per handler registered against ev, in
// registration order, and returns the procedure handle immediately
// without blocking on job completion.
func (r *Registry) Trigger(ctx context.Context, ev Event, args ...interface{}) (Procedure, error) {
	handlers := r.handlers[ev]
	jobs := make([]func(ctx context.Context) (interface{}, error), len(handlers))
	for i, h := range handlers {
		h := h
		jobs[i] = func(ctx context.Context) (interface{}, error) {
			return h.fn(ctx, args)
		}
	}

	var lockPaths []string
	if declare, ok := r.locks[ev]; ok {
		lockPaths = declare(args)
	}

	return r.submitter.Submit(ctx, string(ev), lockPaths, jobs)
}

// HandlerCount reports how many handlers are registered for ev, mainly
// useful in tests asserting registration order/count.
func (r *Registry) HandlerCount(ev Event) int {
	return len(r.handlers[ev])
}
