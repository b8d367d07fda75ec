// Command rbtrace is the CLI surface for the controller core: it parses
// tracer directives, opens an output sink, and hands off to the
// supervisor to run one session per target PID (spec.md §6 — external,
// but must drive the core).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/corpctl/rbtrace/internal/config"
	"github.com/corpctl/rbtrace/selector"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := new(config.Config)

	flag.Func("pid", "Target process id; may be repeated or comma-separated.", func(v string) error {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			pid, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("invalid -pid %q: %w", part, err)
			}
			cfg.PIDs = append(cfg.PIDs, pid)
		}
		return nil
	})
	flag.Func("add", "Tracer selector, e.g. 'Class#method(arg)'; may be repeated.", func(v string) error {
		cfg.Directives = append(cfg.Directives, config.Directive{Selector: v})
		return nil
	})
	flag.Func("add-slow", "Same as -add, restricted to slow-watch reporting.", func(v string) error {
		cfg.Directives = append(cfg.Directives, config.Directive{Selector: v, Slow: true})
		return nil
	})
	flag.Int64Var(&cfg.WatchMs, "watch", 0, "Report calls slower than this wall-time threshold (ms).")
	flag.Int64Var(&cfg.WatchCPUMs, "watchcpu", 0, "Report calls slower than this CPU-time threshold (ms).")
	flag.BoolVar(&cfg.Firehose, "firehose", false, "Report every call and return.")
	flag.BoolVar(&cfg.GC, "gc", false, "Report garbage-collection brackets.")
	flag.BoolVar(&cfg.Devmode, "devmode", false, "Tolerate class/method redefinition in the target.")
	flag.StringVar(&cfg.EvalExpr, "eval", "", "Evaluate an expression in the target and print the result.")
	flag.BoolVar(&cfg.Fork, "fork", false, "Ask the target to fork a paused sibling.")
	flag.BoolVar(&cfg.ShowTime, "show-time", false, "Prefix each rendered line with a timestamp.")
	flag.BoolVar(&cfg.ShowDuration, "show-duration", true, "Append call/return durations.")
	flag.IntVar(&cfg.PrefixSpaces, "prefix-spaces", 2, "Indent width per nesting level.")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Attach/detach timeout.")
	flag.StringVar(&cfg.OutputPath, "out", "", "Output file; empty means stdout.")
	flag.BoolVar(&cfg.Append, "append", false, "Append to -out instead of overwriting.")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress stderr diagnostics.")
	flag.BoolVar(&cfg.ReclaimStale, "reclaim-stale", false, "Before attaching, remove sysv queue pairs left behind by dead targets.")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	directives, err := parseDirectives(cfg.Directives)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.Quiet)
	defer logger.Sync() //nolint:errcheck

	out, closeOut, err := openOutput(cfg)
	if err != nil {
		logger.Errorw("open output", "err", err)
		return 1
	}
	defer closeOut()

	var errOut io.Writer = os.Stderr
	if cfg.Quiet {
		errOut = nil
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	sup := newSupervisor(logger, out, errOut, directives, cfg, stop)
	code, err := sup.Run(ctx)
	if err != nil {
		logger.Errorw("run failed", "err", err)
	}
	return code
}

func parseDirectives(raw []config.Directive) ([]parsedDirective, error) {
	parsed := make([]parsedDirective, 0, len(raw))
	for _, d := range raw {
		sel, err := selector.Parse(d.Selector)
		if err != nil {
			return nil, fmt.Errorf("rbtrace: %w", err)
		}
		parsed = append(parsed, parsedDirective{selector: sel, slow: d.Slow})
	}
	return parsed, nil
}

type parsedDirective struct {
	selector selector.Selector
	slow     bool
}

func newLogger(quiet bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if quiet {
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap itself failed to build; fall back to a no-op logger rather
		// than crash the tracer over a logging misconfiguration.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func openOutput(cfg *config.Config) (*os.File, func(), error) {
	if cfg.OutputPath == "" {
		return os.Stdout, func() {}, nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(cfg.OutputPath, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.OutputPath, err)
	}
	return f, func() { f.Close() }, nil
}
