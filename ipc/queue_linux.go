//go:build linux

package ipc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/corpctl/rbtrace/wire"
)

// wireMsg mirrors the kernel's struct msgbuf { long mtype; char mtext[N]; }
// for a fixed N = wire.BufSize. mtype is always 1 for application traffic
// (spec.md §3).
type wireMsg struct {
	mtype int64
	mtext [wire.BufSize]byte
}

const appMsgType = 1

func sysMsgget(key int32, flags int32) (int, error) {
	id, _, errno := unix.Syscall(unix.SYS_MSGGET, uintptr(key), uintptr(flags), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(id), nil
}

func sysMsgsnd(qid int, payload []byte, flags int) error {
	if len(payload) != wire.BufSize {
		return fmt.Errorf("ipc: payload must be exactly %d bytes, got %d", wire.BufSize, len(payload))
	}

	var m wireMsg
	m.mtype = appMsgType
	copy(m.mtext[:], payload)

	_, _, errno := unix.Syscall6(
		unix.SYS_MSGSND,
		uintptr(qid),
		uintptr(unsafe.Pointer(&m)),
		uintptr(wire.BufSize),
		uintptr(flags),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

const ipcRMID = 0

func sysMsgctlRemove(qid int) error {
	_, _, errno := unix.Syscall(unix.SYS_MSGCTL, uintptr(qid), uintptr(ipcRMID), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func sysMsgrcv(qid int, flags int) ([]byte, error) {
	var m wireMsg

	_, _, errno := unix.Syscall6(
		unix.SYS_MSGRCV,
		uintptr(qid),
		uintptr(unsafe.Pointer(&m)),
		uintptr(wire.BufSize),
		uintptr(appMsgType),
		uintptr(flags),
		0,
	)
	if errno != 0 {
		return nil, errno
	}

	out := make([]byte, wire.BufSize)
	copy(out, m.mtext[:])
	return out, nil
}
