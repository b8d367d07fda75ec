// Package ipc implements the queue transport (spec.md §4.1, component
// C1): opening the SysV message-queue pair keyed on a target PID, sending
// and receiving fixed-size message bodies over it, and waking the target
// with the agreed signal.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corpctl/rbtrace/wire"
)

// WakeupSignal is the doorbell the target polls its command queue on.
const WakeupSignal = unix.SIGURG

const (
	openAttempts  = 5
	openSpacing   = 150 * time.Millisecond
	ipcNoWait     = 04000 // IPC_NOWAIT, stable across SysV hosts
)

// Queue is an attached pair of SysV message queues for a single target
// PID: qin carries events from the target, qout carries commands to it.
type Queue struct {
	pid        int
	qin, qout  int
	ll         lowLevel
}

// lowLevel is the raw syscall surface, indirected so tests can substitute
// a fake queue without a live kernel SysV subsystem.
type lowLevel interface {
	msgget(key int32, flags int32) (int, error)
	msgsnd(qid int, payload []byte, flags int) error
	msgrcv(qid int, flags int) ([]byte, error)
	kill(pid int, sig unix.Signal) error
}

type sysLowLevel struct{}

func (sysLowLevel) msgget(key int32, flags int32) (int, error)    { return sysMsgget(key, flags) }
func (sysLowLevel) msgsnd(qid int, payload []byte, flags int) error { return sysMsgsnd(qid, payload, flags) }
func (sysLowLevel) msgrcv(qid int, flags int) ([]byte, error)     { return sysMsgrcv(qid, flags) }
func (sysLowLevel) kill(pid int, sig unix.Signal) error           { return unix.Kill(pid, sig) }

// Open attaches to the queue pair for pid, signaling the target and
// polling for up to openAttempts tries spaced openSpacing apart. Both
// queue handles must resolve before Open succeeds.
func Open(pid int) (*Queue, error) {
	return open(pid, sysLowLevel{})
}

func open(pid int, ll lowLevel) (*Queue, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrInvalidPID, pid)
	}

	q := &Queue{pid: pid, ll: ll}

	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if err := q.Signal(); err != nil {
			lastErr = err
		}

		qin, errIn := ll.msgget(int32(pid), 0)
		qout, errOut := ll.msgget(int32(-pid), 0)

		if qin >= 0 && qout >= 0 {
			q.qin, q.qout = qin, qout
			return q, nil
		}

		if errIn != nil {
			lastErr = errIn
		}
		if errOut != nil {
			lastErr = errOut
		}

		if attempt < openAttempts {
			time.Sleep(openSpacing)
		}
	}

	return nil, fmt.Errorf("%w: pid %d: %v", ErrAgentNotListening, pid, lastErr)
}

// Signal sends the wakeup signal to the target, prompting it to check its
// command queue.
func (q *Queue) Signal() error {
	if err := q.ll.kill(q.pid, WakeupSignal); err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return fmt.Errorf("%w: pid %d does not exist", ErrInvalidPID, q.pid)
		case errors.Is(err, unix.EPERM):
			return fmt.Errorf("%w: cannot signal pid %d", ErrPermissionDenied, q.pid)
		default:
			return fmt.Errorf("ipc: signal pid %d: %w", q.pid, err)
		}
	}
	return nil
}

// Send transmits payload (already encoded by wire.Encode, exactly
// wire.BufSize bytes) on the outbound queue. Interrupted syscalls are
// retried transparently.
func (q *Queue) Send(payload []byte) error {
	if len(payload) != wire.BufSize {
		return fmt.Errorf("ipc: payload must be exactly %d bytes, got %d", wire.BufSize, len(payload))
	}

	for {
		err := q.ll.msgsnd(q.qout, payload, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return q.classify(err)
	}
}

// Recv waits for a message on the inbound queue. If blocking, it waits
// indefinitely (subject to transparent EINTR retry, unless a signal on
// interruptCh arrives first, in which case Recv returns ErrInterrupted so
// the caller can decide how to unwind). If not blocking, it returns
// ErrWouldBlock immediately when no message is queued.
func (q *Queue) Recv(blocking bool, interruptCh <-chan os.Signal) ([]byte, error) {
	flags := 0
	if !blocking {
		flags = ipcNoWait
	}

	for {
		payload, err := q.ll.msgrcv(q.qin, flags)
		if err == nil {
			return payload, nil
		}

		if errors.Is(err, unix.EINTR) {
			if interruptCh != nil {
				select {
				case <-interruptCh:
					return nil, ErrInterrupted()
				default:
				}
			}
			continue
		}

		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMSG) {
			return nil, ErrWouldBlock
		}

		return nil, q.classify(err)
	}
}

// ErrInterrupted reports that Recv returned early because a watched
// signal (typically user interrupt) arrived while blocked.
func ErrInterrupted() error { return errInterrupted }

// IsInterrupted reports whether err is the sentinel Recv returns when a
// watched signal preempted a blocking receive.
func IsInterrupted(err error) bool { return errors.Is(err, errInterrupted) }

func (q *Queue) classify(err error) error {
	switch {
	case errors.Is(err, unix.EIDRM):
		return fmt.Errorf("%w: pid %d: %v", ErrQueueRemoved, q.pid, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: pid %d: %v", ErrInvalidQueue, q.pid, err)
	default:
		return fmt.Errorf("ipc: pid %d: %w", q.pid, err)
	}
}
