package callengine

import "errors"

// Failure taxonomy. Transport and persistence failures on non-critical
// paths are logged and swallowed inside the engine; these sentinels only
// surface on operations whose result the caller genuinely needs.
var (
	// ErrBusy is returned by StartCall when the local user already holds a call.
	ErrBusy = errors.New("already in a call")

	// ErrTransport wraps channel publish/subscribe failures.
	ErrTransport = errors.New("transport failure")

	// ErrPersistence wraps session store read/write failures.
	ErrPersistence = errors.New("persistence failure")
)
