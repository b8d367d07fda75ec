//go:build !linux

package ipc

import "errors"

// SysV message-queue syscalls are only wired up for Linux; portability to
// other SysV IPC hosts is explicitly a non-goal (spec.md §1). BufSize is
// still correct for these hosts (see wire.BufSize), so the codec and
// interpreter remain portable even though the transport is not.
var errUnsupportedPlatform = errors.New("ipc: sysv message queue transport is only implemented for linux")

func sysMsgget(key int32, flags int32) (int, error) {
	return -1, errUnsupportedPlatform
}

func sysMsgsnd(qid int, payload []byte, flags int) error {
	return errUnsupportedPlatform
}

func sysMsgrcv(qid int, flags int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func sysMsgctlRemove(qid int) error {
	return errUnsupportedPlatform
}
