package errors

// EngineError reports failures in the lifecycle of the database, a session,
// or a transaction: operating on something already closed, committing or
// aborting twice, requesting a mode combination the mutation kernel refuses.
type EngineError struct {
	*baseError

	rootIndex int    // Which top-root table slot was involved, if any.
	operation string // The lifecycle operation being performed (Open, Close, Commit, Abort, ...).
}

// NewEngineError creates a new engine-lifecycle error.
func NewEngineError(err error, code ErrorCode, msg string) *EngineError {
	return &EngineError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while preserving the EngineError type.
func (ee *EngineError) WithMessage(msg string) *EngineError {
	ee.baseError.WithMessage(msg)
	return ee
}

// WithCode sets the error code while preserving the EngineError type.
func (ee *EngineError) WithCode(code ErrorCode) *EngineError {
	ee.baseError.WithCode(code)
	return ee
}

// WithDetail adds contextual information while preserving the EngineError type.
func (ee *EngineError) WithDetail(key string, value any) *EngineError {
	ee.baseError.WithDetail(key, value)
	return ee
}

// WithRootIndex records which top-root slot the failing operation targeted.
func (ee *EngineError) WithRootIndex(idx int) *EngineError {
	ee.rootIndex = idx
	return ee
}

// WithOperation records which lifecycle operation failed.
func (ee *EngineError) WithOperation(operation string) *EngineError {
	ee.operation = operation
	return ee
}

// RootIndex returns the top-root slot involved in the error, if any.
func (ee *EngineError) RootIndex() int {
	return ee.rootIndex
}

// Operation returns the lifecycle operation that failed.
func (ee *EngineError) Operation() string {
	return ee.operation
}

// ConcurrencyError reports failures in the lock-free coordination between
// readers, the writer, and the background compactor: a CAS retry loop that
// gave up, or a segment recycle attempted before it was safe.
type ConcurrencyError struct {
	*baseError

	attempts int // How many CAS attempts were made before giving up, if applicable.
}

// NewConcurrencyError creates a new concurrency-coordination error.
func NewConcurrencyError(err error, code ErrorCode, msg string) *ConcurrencyError {
	return &ConcurrencyError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while preserving the ConcurrencyError type.
func (ce *ConcurrencyError) WithMessage(msg string) *ConcurrencyError {
	ce.baseError.WithMessage(msg)
	return ce
}

// WithCode sets the error code while preserving the ConcurrencyError type.
func (ce *ConcurrencyError) WithCode(code ErrorCode) *ConcurrencyError {
	ce.baseError.WithCode(code)
	return ce
}

// WithDetail adds contextual information while preserving the ConcurrencyError type.
func (ce *ConcurrencyError) WithDetail(key string, value any) *ConcurrencyError {
	ce.baseError.WithDetail(key, value)
	return ce
}

// WithAttempts records how many CAS attempts were made before giving up.
func (ce *ConcurrencyError) WithAttempts(attempts int) *ConcurrencyError {
	ce.attempts = attempts
	return ce
}

// Attempts returns how many CAS attempts were made before giving up.
func (ce *ConcurrencyError) Attempts() int {
	return ce.attempts
}

// NewInterruptedError creates the error returned to a blocked ready-segment
// buffer caller when wake_blocked was invoked on it.
func NewInterruptedError(operation string) *ConcurrencyError {
	return NewConcurrencyError(nil, ErrorCodeInterrupted, "operation interrupted by shutdown").
		WithDetail("operation", operation)
}
