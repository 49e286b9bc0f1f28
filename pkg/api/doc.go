// Package api contains the core building blocks used by the stepflow step
// engine: the persisted Step record, the ExecutionResult an implementation
// returns, and the contracts the engine depends on.
//
// Most users interact with the higher-level stepflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for implementing steps, custom formatters and observers.
//
// # Steps
//
// A Step is a persisted unit of work. It lives in exactly one of three
// queues:
//
//   - ready: waiting to be claimed once its ScheduleTime has passed
//   - done: completed successfully
//   - failed: given up on
//
// Steps sharing a FlowID form one logical process. Steps sharing a
// CorrelationID share an external context, independently of flows.
//
// # Implementations
//
// An Implementation executes every step of one Name. It returns an
// ExecutionResult:
//
//   - Done() moves the step to the done queue
//   - Failed(desc) moves the step to the failed queue
//   - Rerun(), RerunAt(t) keep the step ready, optionally with new state
//
// Any result may carry NewSteps, which are inserted atomically with the
// transition and inherit the parent's FlowID and CorrelationID.
//
// Returning FailNow(desc, steps...) as the error fails the step without
// retrying. Any other error reruns the step with cubic backoff and leaves
// its state untouched.
//
// # Registry
//
// Implementations are looked up by name through a Registry. MapRegistry is
// the explicit, startup-populated map most applications use. A name with
// no implementation is not an error: the step is rescheduled so that the
// missing implementation can be deployed.
//
// # State
//
// Step state is persisted as a string produced by a Formatter. Inside
// Execute, DecodeState[T](ctx, step) decodes it with the engine's active
// formatter.
//
// # Observability
//
// Worker and step lifecycle events are reported through Observer.
// LoggingObserver writes them with log/slog and BasicMetrics keeps simple
// counters; CompositeObserver combines several observers.
package api
