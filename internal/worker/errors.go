package worker

// ErrTimeout returns the error used when no reply arrives inside op's window.
func ErrTimeout(op string) error { return timeoutError{op: op} }

// ErrCrashed returns the error that fails calls swept by a worker crash.
func ErrCrashed() error { return crashedError{} }

// ErrUnavailable returns the fail-fast error for a worker in the given state.
func ErrUnavailable(state string) error { return unavailableError{state: state} }

// ErrAborted returns the error reported for caller-canceled work.
func ErrAborted() error { return abortedError{} }

// ErrRemote returns an error carrying a failure the worker reported for op.
func ErrRemote(op, msg string) error { return remoteError{op: op, msg: msg} }

// timeoutError signals that no reply arrived inside the call window.
// Recoverable; the caller may retry.
type timeoutError struct{ op string }

func (e timeoutError) Error() string { return "timeout waiting for worker reply: " + e.op }

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// crashedError fails every call that was pending when the worker died.
type crashedError struct{}

func (crashedError) Error() string { return "worker crashed" }

// IsCrashed reports whether err was caused by a worker crash sweep.
func IsCrashed(err error) bool {
	_, ok := err.(crashedError)
	return ok
}

// unavailableError fails fast when no worker is accepting calls: between
// restarts, before initialization, or after the restart budget is exhausted.
type unavailableError struct{ state string }

func (e unavailableError) Error() string { return "worker unavailable: " + e.state }

// IsUnavailable reports whether err indicates the worker is not accepting calls.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}

// abortedError is the expected outcome of caller-driven cancellation.
type abortedError struct{}

func (abortedError) Error() string { return "aborted" }

// IsAborted reports whether err is a caller-initiated abort.
func IsAborted(err error) bool {
	_, ok := err.(abortedError)
	return ok
}

// remoteError carries a failure reported by the worker itself.
type remoteError struct {
	op  string
	msg string
}

func (e remoteError) Error() string { return "worker error on " + e.op + ": " + e.msg }

// IsRemote reports whether err was reported by the worker rather than raised
// by the host protocol layer.
func IsRemote(err error) bool {
	_, ok := err.(remoteError)
	return ok
}
