// Package controller routes management operations to their handlers.
//
// A Registry maps (address pattern, operation name) pairs to Handlers. The
// Dispatcher resolves the handler for an operation, authorizes it, takes an
// address-scoped lock, and runs the handler with a capability-flagged Context.
// Every handler reports exactly once through its ResultHandler, either with a
// compensating operation that undoes it or with an error.
//
// # Locking
//
// Queries take a shared lock on their address. Every other operation takes an
// exclusive lock, which conflicts with any lock on the same address, its ancestors
// or its descendants. Operations on disjoint subtrees run concurrently. Nested
// steps started with Context.Step run under the caller's lock.
//
// # Failures
//
// Failures are reported as *OperationError values with a class and a stable code.
// Classify maps model, validation and service errors onto those classes.
//
// # Cancellation
//
// Cancelling the context passed to Dispatch asks the handler to stop. The lock stays
// held until the handler reports. If the handler still succeeds, its compensating
// operation is applied under the same lock and the outcome is cancelled.
package controller
