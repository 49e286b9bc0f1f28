// Package worker runs stepflow steps.
//
// A Worker loops over a single iteration (RunOnce): open a transaction,
// claim one eligible ready step, look up its implementation, run it and
// persist the resulting transition together with any steps it created,
// then commit. Claiming relies on the store's row locking, so any number
// of workers, in any number of processes, can share one store.
//
// Each iteration ends in one of four outcomes:
//
//   - OutcomeContinue: a step was handled; poll again right away and offer
//     the pool a chance to add a worker.
//   - OutcomeNoWorkDone: nothing was eligible; ask the pool whether this
//     worker may exit, otherwise extend the shared Throttle.
//   - OutcomeError: the store failed; sleep TransientErrorDelay.
//   - OutcomeStop: the context is done.
//
// # Step results
//
// An implementation returns an api.ExecutionResult or an error:
//
//   - Done and Failed move the step to the done or failed queue with the
//     same ID.
//   - Rerun keeps it ready, optionally with a new state and schedule.
//   - api.FailNow fails the step without retries.
//   - Any other error, a panic or an invalid result keeps the step ready
//     with its state untouched and reschedules it after RetryDelay.
//
// A step with no registered implementation is rescheduled after
// MissingHandlerDelay.
//
// # Pool
//
// Coordinator keeps between MinWorkers and MaxWorkers workers alive.
// Workers run under a supervisor that recovers panics, reports them
// through api.Observer and reconciles the live count.
package worker
