package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corpctl/rbtrace/internal/config"
	"github.com/corpctl/rbtrace/ipc"
	"github.com/corpctl/rbtrace/render"
	"github.com/corpctl/rbtrace/session"
)

// Exit codes per spec.md §6.
const (
	exitClean      = 0
	exitUserAbort  = 1
	exitAttachFail = -1
)

// supervisor is the thin outer layer spec.md §9 calls for: the core
// (session.Controller + render.Session) is single-target, so fanning out
// across PIDs is a goroutine-per-target wrapper around it, grounded on
// the teacher pack's errgroup.Group goroutine-pair shape.
type supervisor struct {
	logger     *zap.SugaredLogger
	out        io.Writer
	errOut     io.Writer
	directives []parsedDirective
	cfg        *config.Config
	interrupt  <-chan os.Signal

	attachFailures atomic.Bool
}

func newSupervisor(logger *zap.SugaredLogger, out io.Writer, errOut io.Writer, directives []parsedDirective, cfg *config.Config, interrupt <-chan os.Signal) *supervisor {
	return &supervisor{
		logger:     logger,
		out:        out,
		errOut:     errOut,
		directives: directives,
		cfg:        cfg,
		interrupt:  interrupt,
	}
}

func (s *supervisor) Run(ctx context.Context) (int, error) {
	if s.cfg.ReclaimStale {
		s.reclaimStale()
	}

	var group errgroup.Group
	var mu sync.Mutex

	multi := len(s.cfg.PIDs) > 1

	for _, pid := range s.cfg.PIDs {
		pid := pid
		group.Go(func() error {
			err := s.runOne(ctx, pid, multi, &mu)
			if err != nil && isAttachFailure(err) {
				s.attachFailures.Store(true)
			}
			return err
		})
	}

	err := group.Wait()

	switch {
	case s.attachFailures.Load():
		return exitAttachFail, err
	case errors.Is(ctx.Err(), context.Canceled):
		return exitUserAbort, nil
	case err != nil:
		return exitUserAbort, err
	default:
		return exitClean, nil
	}
}

// reclaimStale is a best-effort hygiene pass (spec.md §5): a queue pair
// left behind by a dead target never blocks attach on its own, so failures
// here are logged and swallowed rather than surfaced to the exit code.
func (s *supervisor) reclaimStale() {
	stale, err := ipc.FindStale(s.logger)
	if err != nil {
		s.logger.Warnw("stale queue scan failed", "err", err)
		return
	}
	for _, sq := range stale {
		result := ipc.Remove(sq)
		if result.RemoveError != nil {
			s.logger.Warnw("stale queue reclaim failed", "pid", sq.Pid, "err", result.RemoveError)
			continue
		}
		s.logger.Infow("reclaimed stale queue pair", "pid", sq.Pid, "qin", sq.QinID, "qout", sq.QoutID)
	}
}

func (s *supervisor) runOne(ctx context.Context, pid int, multi bool, mu *sync.Mutex) error {
	logger := s.logger.With("pid", pid)

	var sink io.Writer = s.out
	var errSink io.Writer = s.errOut
	if multi {
		prefix := fmt.Sprintf("[pid %d] ", pid)
		sink = render.NewPrefixedSink(mutexGuard(s.out, mu), prefix)
		if s.errOut != nil {
			errSink = render.NewPrefixedSink(mutexGuard(s.errOut, mu), prefix)
		}
	}

	queue, err := ipc.Open(pid)
	if err != nil {
		logger.Errorw("open queue pair failed", "err", err)
		return attachError{err}
	}

	sess := render.NewSession(logger, sink, errSink, os.Getpid())
	sess.ShowTime = s.cfg.ShowTime
	sess.ShowDuration = s.cfg.ShowDuration
	sess.PrefixString = spaces(s.cfg.PrefixSpaces)

	ctrl := session.New(logger, sess, queue, pid, s.cfg.Timeout, s.interrupt)
	sess.Resignal = queue.Signal

	if err := ctrl.Attach(ctx); err != nil {
		logger.Errorw("attach failed", "err", err)
		return attachError{err}
	}
	defer func() {
		if err := ctrl.Detach(context.Background()); err != nil {
			logger.Errorw("detach failed", "err", err)
		}
	}()

	if err := s.installDirectives(ctrl); err != nil {
		return err
	}

	if s.cfg.EvalExpr != "" {
		result, err := ctrl.Eval(ctx, s.cfg.EvalExpr)
		if err != nil {
			logger.Errorw("eval failed", "err", err)
		} else {
			fmt.Fprintf(errSinkOrStderr(errSink), "*** eval: %s\n", result)
		}
	}

	if s.cfg.Fork {
		childPID, err := ctrl.Fork(ctx)
		if err != nil {
			logger.Errorw("fork failed", "err", err)
		} else {
			fmt.Fprintf(errSinkOrStderr(errSink), "*** forked pid %d\n", childPID)
		}
	}

	if err := ctrl.RunEventLoop(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

func (s *supervisor) installDirectives(ctrl *session.Controller) error {
	if s.cfg.WatchMs > 0 {
		if err := ctrl.Watch(s.cfg.WatchMs); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	}
	if s.cfg.WatchCPUMs > 0 {
		if err := ctrl.WatchCPU(s.cfg.WatchCPUMs); err != nil {
			return fmt.Errorf("watchcpu: %w", err)
		}
	}
	if s.cfg.Firehose {
		if err := ctrl.Firehose(); err != nil {
			return fmt.Errorf("firehose: %w", err)
		}
	}
	if s.cfg.GC {
		if err := ctrl.GC(); err != nil {
			return fmt.Errorf("gc: %w", err)
		}
	}
	if s.cfg.Devmode {
		if err := ctrl.Devmode(); err != nil {
			return fmt.Errorf("devmode: %w", err)
		}
	}
	for _, d := range s.directives {
		if err := ctrl.Add(d.selector, d.slow); err != nil {
			return fmt.Errorf("add %s: %w", d.selector.Raw, err)
		}
	}
	return nil
}

// attachError marks a failure during queue open or the attach handshake,
// mapped to spec.md §6's -1 "unrecoverable attach error" exit code.
type attachError struct{ err error }

func (a attachError) Error() string { return fmt.Sprintf("attach: %v", a.err) }
func (a attachError) Unwrap() error { return a.err }

func isAttachFailure(err error) bool {
	var ae attachError
	return errors.As(err, &ae)
}

func spaces(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

// mutexGuard serializes writes to a shared writer across goroutines, one
// per traced PID, writing to the same -out destination.
func mutexGuard(w io.Writer, mu *sync.Mutex) io.Writer {
	return &guardedWriter{w: w, mu: mu}
}

type guardedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.w.Write(b)
}

func errSinkOrStderr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}
