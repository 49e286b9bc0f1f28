// Package stepflow is an embeddable, database-backed step execution engine.
//
// Work is expressed as steps: small persisted units with a name, an opaque
// state blob, a schedule time and lineage metadata. A step lives in one of
// three queues, ready, done or failed. Workers claim ready steps whose
// schedule time has passed, run the implementation registered under the
// step's name and persist the outcome in the same transaction as the claim.
//
// # Steps and results
//
// An Implementation returns an ExecutionResult:
//
//   - Done moves the step to the done queue.
//   - Failed, or returning FailNow as the error, moves it to the failed queue.
//   - Rerun, RerunAt and RerunAfter keep it ready, optionally with new state.
//
// Any result may carry NewSteps. They inherit the executing step's FlowID
// and CorrelationID and record it as their CreatedByStepID. A plain error or
// a panic reruns the step with a cubic backoff capped at Config.MaxRetryDelay,
// leaving its state untouched.
//
// # Engine
//
// An Engine owns a pool of workers sized between MinWorkerCount and
// MaxWorkerCount. Idle workers exit down to the minimum; new work adds
// workers up to the maximum. With StopWhenNoWork the engine stops once no
// step is eligible, which suits batch jobs and tests.
//
// Engines can be backed by:
//
//   - memory (non-durable, best for tests)
//   - SQLite
//   - PostgreSQL
//   - MySQL 8
//
// On PostgreSQL and MySQL any number of engines may share the tables; rows
// are claimed with FOR UPDATE SKIP LOCKED. Configure Redis to wake idle
// engines on other machines as soon as work is added.
//
// # Runtime
//
// Engine.Runtime adds, searches, activates, fails and re-executes steps.
// Inside a step implementation the runtime is available through
// RuntimeFromContext, and calls made with the step's context join the
// step's own transaction.
package stepflow
