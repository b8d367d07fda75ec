package session

import "errors"

// Error kinds from spec.md §7 that are specific to the session controller
// rather than the transport (ipc) or interpreter (render) layers.
var (
	ErrAttachFailed = errors.New("session: attach failed: no attached reply within timeout")
	ErrProcessGone  = errors.New("session: target process is gone")
	ErrTimeout      = errors.New("session: operation timed out")
)
