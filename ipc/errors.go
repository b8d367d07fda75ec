package ipc

import "errors"

// Error kinds from spec.md §7. Each is a sentinel so callers can use
// errors.Is instead of matching on message text.
var (
	ErrInvalidPID        = errors.New("ipc: invalid pid")
	ErrPermissionDenied  = errors.New("ipc: permission denied signaling target")
	ErrAgentNotListening = errors.New("ipc: agent not listening")
	ErrQueueRemoved      = errors.New("ipc: queue removed")
	ErrInvalidQueue      = errors.New("ipc: invalid queue")
	ErrWouldBlock        = errors.New("ipc: would block")

	// errInterrupted is returned internally by Recv when a signal the
	// caller is watching for (typically user interrupt) arrived while
	// blocked in msgrcv, as opposed to a spurious wakeup that should
	// just be retried.
	errInterrupted = errors.New("ipc: interrupted by watched signal")
)
