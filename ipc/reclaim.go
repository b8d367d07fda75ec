package ipc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// StaleQueue describes a queue pair left behind by a target process that
// has since exited. Reclaiming these is hygiene, not a functional
// requirement of attach (spec.md §5): a controller can attach correctly
// even if this probe never runs.
type StaleQueue struct {
	Pid         int
	QinID       int
	QoutID      int
	Removed     bool
	RemoveError error
}

const sysvMsgProcPath = "/proc/sysvipc/msg"

// FindStale scans /proc/sysvipc/msg for queue pairs whose positive-pid
// half names a process that is no longer alive, grouping the positive
// and negative keyed queues that share a pid. It never mutates kernel
// state; callers that want hygiene cleanup call Remove.
func FindStale(logger *zap.SugaredLogger) ([]StaleQueue, error) {
	return FindStaleAt(sysvMsgProcPath, logger)
}

// FindStaleAt is FindStale against an explicit path, so tests can point
// it at a fixture instead of the real /proc/sysvipc/msg.
func FindStaleAt(path string, logger *zap.SugaredLogger) ([]StaleQueue, error) {
	entries, err := parseSysvipcMsg(path)
	if err != nil {
		return nil, fmt.Errorf("ipc: failed to read %s: %w", path, err)
	}

	byPID := make(map[int]*StaleQueue)
	for _, e := range entries {
		pid := int(e.key)
		if pid < 0 {
			pid = -pid
		}
		if pid <= 0 {
			continue
		}

		sq, ok := byPID[pid]
		if !ok {
			sq = &StaleQueue{Pid: pid}
			byPID[pid] = sq
		}
		if e.key > 0 {
			sq.QinID = e.msqid
		} else {
			sq.QoutID = e.msqid
		}
	}

	candidates := make([]*StaleQueue, 0, len(byPID))
	for _, sq := range byPID {
		candidates = append(candidates, sq)
	}

	var group errgroup.Group
	alive := make([]bool, len(candidates))

	for i, sq := range candidates {
		i, sq := i, sq
		group.Go(func() error {
			alive[i] = processAliveFn(sq.Pid)
			return nil
		})
	}
	_ = group.Wait() // processAlive never errors; Wait only synchronizes

	stale := make([]StaleQueue, 0)
	for i, sq := range candidates {
		if !alive[i] {
			stale = append(stale, *sq)
			if logger != nil {
				logger.Infow("found stale sysv queue pair", "pid", sq.Pid, "qin", sq.QinID, "qout", sq.QoutID)
			}
		}
	}

	return stale, nil
}

// Remove attempts to remove both halves of a stale queue pair. It
// requires ownership (or privilege) of the queues; failures are returned
// per-queue rather than treated as fatal, since reclaim is advisory.
func Remove(sq StaleQueue) StaleQueue {
	result := sq

	if err := sysMsgctlRemove(sq.QinID); err != nil {
		result.RemoveError = fmt.Errorf("remove qin %d: %w", sq.QinID, err)
		return result
	}
	if err := sysMsgctlRemove(sq.QoutID); err != nil {
		result.RemoveError = fmt.Errorf("remove qout %d: %w", sq.QoutID, err)
		return result
	}

	result.Removed = true
	return result
}

// processAliveFn is indirected so tests can fake liveness without racing
// real system PIDs.
var processAliveFn = processAlive

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

type sysvipcMsgEntry struct {
	key   int32
	msqid int
}

// parseSysvipcMsg parses the fixed-width whitespace table the kernel
// exposes at /proc/sysvipc/msg. The first line is a header; columns are
// "key msqid perms cbytes qnum lspid lrpid uid gid cuid cgid stime rtime
// ctime".
func parseSysvipcMsg(path string) ([]sysvipcMsgEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []sysvipcMsgEntry

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		key, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		msqid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}

		entries = append(entries, sysvipcMsgEntry{key: int32(key), msqid: msqid})
	}

	return entries, scanner.Err()
}
