// Package config holds the CLI-facing configuration struct for rbtrace,
// grounded on mmat11-utrace/pkg/config's Config+Validate() convention.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Directive is one -add invocation: a raw selector (parsed later by the
// selector package) plus whether it is restricted to slow-watch.
type Directive struct {
	Selector string
	Slow     bool
}

// Config collects the CLI surface spec.md §6 requires the core to be
// drivable by. It is intentionally a plain struct filled in by flag
// parsing in cmd/rbtrace/main.go, exactly as mmat11-utrace/cmd/utrace
// populates its own config.Config.
type Config struct {
	PIDs       []int
	Directives []Directive

	WatchMs    int64
	WatchCPUMs int64
	Firehose   bool
	GC         bool
	Devmode    bool
	EvalExpr   string
	Fork       bool

	ShowTime     bool
	ShowDuration bool
	PrefixSpaces int

	Timeout time.Duration

	OutputPath   string
	Append       bool
	Quiet        bool
	ReclaimStale bool
}

// Validate fills in defaults and rejects configurations the core cannot
// act on.
func (c *Config) Validate() error {
	if len(c.PIDs) == 0 {
		return errors.New("rbtrace: at least one -pid is required")
	}
	for _, pid := range c.PIDs {
		if pid <= 0 {
			return fmt.Errorf("rbtrace: invalid pid %d", pid)
		}
	}

	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PrefixSpaces <= 0 {
		c.PrefixSpaces = 2
	}

	if len(c.Directives) == 0 && !c.Firehose && !c.GC && c.EvalExpr == "" && !c.Fork {
		return errors.New("rbtrace: nothing to do: supply -add, -firehose, -gc, -eval, or -fork")
	}

	return nil
}
