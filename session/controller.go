// Package session implements the attach/detach handshake, the poll-based
// wait primitive, outbound command dispatch, and the receive loop that
// drives the event interpreter (spec.md §4.3, component C3).
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/corpctl/rbtrace/ipc"
	"github.com/corpctl/rbtrace/render"
	"github.com/corpctl/rbtrace/selector"
	"github.com/corpctl/rbtrace/wire"
)

const pollInterval = 50 * time.Millisecond

// transport is the subset of *ipc.Queue the controller needs, indirected
// so tests can drive the handshake and event loop against a fake queue
// pair without a live kernel SysV subsystem.
type transport interface {
	Send(payload []byte) error
	Recv(blocking bool, interruptCh <-chan os.Signal) ([]byte, error)
	Signal() error
}

// Controller owns one target's queue pair and its render session, running
// the single-threaded handshake and event loop described in spec.md §4.3
// and §5. There is exactly one Controller per traced PID; a supervisor
// layered above (out of scope here, see spec.md §9) runs one per PID for
// multi-target invocations.
type Controller struct {
	logger *zap.SugaredLogger

	queue transport
	sess  *render.Session
	pid   int

	timeout     time.Duration
	evalTimeout time.Duration
	forkTimeout time.Duration

	interruptCh <-chan os.Signal

	lastEvaled *string
	lastForked *int64
}

// New builds a Controller for pid, using queue as its transport and sess
// as the destination for interpreted events. timeout governs the attach
// and detach waits (directive commands are sent without waiting for a
// reply); eval and fork use their own
// fixed budgets per spec.md §5 (15s and 30s respectively). interruptCh,
// if non-nil, is a channel the caller has already registered with
// os/signal.Notify — Recv and the wait loop watch it to stay responsive
// to Ctrl-C.
func New(logger *zap.SugaredLogger, sess *render.Session, queue transport, pid int, timeout time.Duration, interruptCh <-chan os.Signal) *Controller {
	return &Controller{
		logger:      logger,
		queue:       queue,
		sess:        sess,
		pid:         pid,
		timeout:     timeout,
		evalTimeout: 15 * time.Second,
		forkTimeout: 30 * time.Second,
		interruptCh: interruptCh,
	}
}

func (c *Controller) sendAndSignal(v wire.Value) error {
	payload, err := wire.Encode(v)
	if err != nil {
		return err
	}
	if err := c.queue.Send(payload); err != nil {
		return err
	}
	// spec.md §8 invariant 5: no byte reaches qout without a following
	// SIGURG in the same operation.
	return c.queue.Signal()
}

// Attach sends the attach command and polls until the target's reply
// resolves render.Session.Attached, at the controller's configured
// timeout. A foreign-controller reply (render.ErrForeignController)
// propagates immediately per spec.md §7's *already-traced* disposition.
func (c *Controller) Attach(ctx context.Context) error {
	c.logger.Infow("attaching", "pid", c.pid)

	if err := c.sendAndSignal(commandAttach(c.sess.ControllerPID)); err != nil {
		return fmt.Errorf("session: send attach: %w", err)
	}

	ok, err := c.pollUntil(ctx, "attach", c.timeout, func() bool { return c.sess.Attached })
	if err != nil {
		return err
	}
	if !ok {
		return ErrAttachFailed
	}

	c.logger.Infow("attached", "pid", c.pid)
	return nil
}

// Detach sends the detach command and waits for the attached flag to
// clear. A queue already torn down (target exited) is reported cleanly.
// Interrupt during detach is retried rather than abandoned, so the
// target is never left believing it is still bound (spec.md §5).
func (c *Controller) Detach(ctx context.Context) error {
	if err := c.sendAndSignal(commandDetach()); err != nil {
		if errors.Is(err, ipc.ErrQueueRemoved) || errors.Is(err, ipc.ErrInvalidQueue) {
			c.logger.Infow("target already gone at detach", "pid", c.pid)
			return nil
		}
		return fmt.Errorf("session: send detach: %w", err)
	}

	for {
		ok, err := c.pollUntil(ctx, "detach", c.timeout, func() bool { return !c.sess.Attached })
		switch {
		case err == nil:
			if !ok {
				return ErrTimeout
			}
			return nil
		case errors.Is(err, ErrProcessGone):
			return nil
		case errors.Is(err, context.Canceled):
			continue
		default:
			return err
		}
	}
}

// Wait polls at 50ms intervals, resignaling and draining events each
// tick, until predicate holds or timeout elapses. Interrupt during the
// wait is absorbed: a progress line is logged and polling resumes
// (spec.md §4.3's wait primitive).
func (c *Controller) Wait(ctx context.Context, reason string, timeout time.Duration, predicate func() bool) (bool, error) {
	return c.pollUntil(ctx, reason, timeout, predicate)
}

func (c *Controller) pollUntil(ctx context.Context, reason string, timeout time.Duration, predicate func() bool) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		for i := 0; i < 50; i++ {
			payload, err := c.queue.Recv(false, c.interruptCh)
			if err != nil {
				if errors.Is(err, ipc.ErrWouldBlock) || ipc.IsInterrupted(err) {
					break
				}
				if errors.Is(err, ipc.ErrQueueRemoved) || errors.Is(err, ipc.ErrInvalidQueue) {
					return false, ErrProcessGone
				}
				return false, fmt.Errorf("session: drain recv: %w", err)
			}
			if err := c.decodeAndProcess(payload); err != nil {
				return false, err
			}
		}

		if predicate() {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.interruptCh:
			c.logger.Infow("interrupt during wait, resuming",
				"reason", reason, "remaining", time.Until(deadline).Round(time.Second))
		case <-time.After(pollInterval):
		}

		if err := c.queue.Signal(); err != nil {
			return false, err
		}
	}
}

// RunEventLoop blocks on the inbound queue, dispatches to the render
// session, then non-blocking-drains up to 50 further messages before
// blocking again — the two-phase pattern that keeps the kernel queue
// from filling during bursts (spec.md §4.3). It returns nil on a clean
// target exit (queue removed/invalid) and a non-nil error on a malformed
// stream or transport failure.
func (c *Controller) RunEventLoop(ctx context.Context) error {
	for {
		payload, err := c.queue.Recv(true, c.interruptCh)
		if err != nil {
			if ipc.IsInterrupted(err) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, ipc.ErrQueueRemoved) || errors.Is(err, ipc.ErrInvalidQueue) {
				c.logger.Infow("target gone, exiting event loop", "pid", c.pid)
				return nil
			}
			return fmt.Errorf("session: recv: %w", err)
		}

		if err := c.decodeAndProcess(payload); err != nil {
			return err
		}

		for i := 0; i < 50; i++ {
			payload, err := c.queue.Recv(false, c.interruptCh)
			if err != nil {
				if errors.Is(err, ipc.ErrWouldBlock) || ipc.IsInterrupted(err) {
					break
				}
				if errors.Is(err, ipc.ErrQueueRemoved) || errors.Is(err, ipc.ErrInvalidQueue) {
					c.logger.Infow("target gone during drain", "pid", c.pid)
					return nil
				}
				return fmt.Errorf("session: drain recv: %w", err)
			}
			if err := c.decodeAndProcess(payload); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Controller) decodeAndProcess(payload []byte) error {
	v, err := wire.Decode(payload)
	if err != nil {
		c.logger.Errorw("malformed message, terminating", "err", err)
		return err
	}

	if c.interceptSpecialReply(v) {
		return nil
	}

	if err := c.sess.Process(v); err != nil {
		c.logger.Errorw("event processing failed, terminating", "err", err)
		return err
	}
	return nil
}

// interceptSpecialReply captures the "evaled"/"forked" command replies
// spec.md §4.3 promises for eval and fork. These are response
// correlation, C3's job per the component table, not part of C4's event
// model, so they never reach render.Session.Process.
func (c *Controller) interceptSpecialReply(v wire.Value) bool {
	elems, err := v.Elems()
	if err != nil || len(elems) == 0 {
		return false
	}
	name, err := elems[0].Str()
	if err != nil {
		return false
	}

	switch name {
	case "evaled":
		result := ""
		if len(elems) >= 2 {
			result = elems[1].String()
		}
		c.lastEvaled = &result
		return true
	case "forked":
		if len(elems) >= 2 {
			if pid, err := elems[1].Int(); err == nil {
				c.lastForked = &pid
			}
		}
		return true
	default:
		return false
	}
}

// Watch installs a wall-time slow-call threshold.
func (c *Controller) Watch(thresholdMs int64) error { return c.sendAndSignal(commandWatch(thresholdMs)) }

// WatchCPU installs a CPU-time slow-call threshold.
func (c *Controller) WatchCPU(thresholdMs int64) error {
	return c.sendAndSignal(commandWatchCPU(thresholdMs))
}

// Firehose enables reporting of every call and return.
func (c *Controller) Firehose() error { return c.sendAndSignal(commandFirehose()) }

// Devmode tolerates class/method redefinition in the target.
func (c *Controller) Devmode() error { return c.sendAndSignal(commandDevmode()) }

// GC enables GC bracket reporting.
func (c *Controller) GC() error { return c.sendAndSignal(commandGC()) }

// Add installs a tracer for sel, restricted to slow-watch if slow is
// true, followed by an addexpr per bound argument expression. Each
// expression is locally syntax-checked first, per spec.md §4.3's
// pre-validation rule for both eval and addexpr.
func (c *Controller) Add(sel selector.Selector, slow bool) error {
	for _, expr := range sel.Exprs {
		if err := selector.ValidateExpression(expr); err != nil {
			return err
		}
	}

	if err := c.sendAndSignal(commandAdd(sel.Qualified(), slow)); err != nil {
		return err
	}
	for _, expr := range sel.Exprs {
		if err := c.sendAndSignal(commandAddExpr(expr)); err != nil {
			return err
		}
	}
	return nil
}

// Eval validates source locally, sends it for evaluation in the target,
// and waits up to the eval timeout (15s) for the "evaled" reply.
func (c *Controller) Eval(ctx context.Context, source string) (string, error) {
	if err := selector.ValidateExpression(source); err != nil {
		return "", err
	}

	c.lastEvaled = nil
	if err := c.sendAndSignal(commandEval(source)); err != nil {
		return "", err
	}

	ok, err := c.pollUntil(ctx, "eval", c.evalTimeout, func() bool { return c.lastEvaled != nil })
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTimeout
	}
	return *c.lastEvaled, nil
}

// Fork asks the target to fork a paused sibling and waits up to the fork
// timeout (30s) for the "forked" reply carrying the sibling's pid.
func (c *Controller) Fork(ctx context.Context) (int64, error) {
	c.lastForked = nil
	if err := c.sendAndSignal(commandFork()); err != nil {
		return 0, err
	}

	ok, err := c.pollUntil(ctx, "fork", c.forkTimeout, func() bool { return c.lastForked != nil })
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrTimeout
	}
	return *c.lastForked, nil
}
