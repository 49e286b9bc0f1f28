package api

import (
	stderrors "errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeStepNameRequired    = "STEP_NAME_REQUIRED"
	ErrCodeInvalidResult       = "STEP_INVALID_RESULT"
	ErrCodeStateFormat         = "STEP_STATE_FORMAT"
	ErrCodeStateFormatMismatch = "STEP_STATE_FORMAT_MISMATCH"
	ErrCodeReExecuteReady      = "STEP_REEXECUTE_READY"
	ErrCodeBulkInTransaction   = "STEP_BULK_IN_TRANSACTION"
	ErrCodeSingletonViolation  = "STEP_SINGLETON_VIOLATION"
	ErrCodeStepNotFound        = "STEP_NOT_FOUND"
)

var (
	// ErrStepNameRequired is returned when a step without a Name is added.
	ErrStepNameRequired = goerrors.New("step name is required", goerrors.CategoryValidation).
				WithTextCode(ErrCodeStepNameRequired)

	// ErrInvalidResult is returned by ExecutionResult.Validate.
	ErrInvalidResult = goerrors.New("invalid execution result", goerrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidResult)

	// ErrStateFormat wraps (de)serialization failures of step state.
	ErrStateFormat = goerrors.New("malformed step state", goerrors.CategoryBadInput).
			WithTextCode(ErrCodeStateFormat)

	// ErrStateFormatMismatch is returned when a write names a state format
	// other than the active formatter.
	ErrStateFormatMismatch = goerrors.New("state format does not match active formatter", goerrors.CategoryValidation).
				WithTextCode(ErrCodeStateFormatMismatch)

	// ErrReExecuteReady is returned when re-execution targets the ready queue.
	ErrReExecuteReady = goerrors.New("re-execution may only target done or failed steps", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeReExecuteReady)

	// ErrBulkInTransaction is returned when a bulk insert is attempted inside
	// an ambient transaction.
	ErrBulkInTransaction = goerrors.New("bulk insert cannot join an ambient transaction", goerrors.CategoryBadInput).
				WithTextCode(ErrCodeBulkInTransaction)

	// ErrSingletonViolation is returned by the in-memory persister when a
	// singleton name is already present in the ready queue. SQL persisters
	// return the driver's unique constraint error instead.
	ErrSingletonViolation = goerrors.New("singleton step already exists in ready queue", goerrors.CategoryConflict).
				WithTextCode(ErrCodeSingletonViolation)

	// ErrStepNotFound is returned when a step row does not exist.
	ErrStepNotFound = goerrors.New("step not found", goerrors.CategoryBadInput).
			WithTextCode(ErrCodeStepNotFound)
)

// ErrorCode returns the text code of the first go-errors error in err's
// chain, or "" if there is none.
func ErrorCode(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
