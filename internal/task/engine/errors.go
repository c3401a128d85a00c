package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still queued or running")
)

// NoRetry makes the engine report err after the current attempt regardless
// of RetryMax. The broadcast cycle wraps every failure this way: the next
// trigger is its retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

// IsNoRetry reports whether err was wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var f *finalError
	return errors.As(err, &f)
}

type finalError struct{ err error }

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }
