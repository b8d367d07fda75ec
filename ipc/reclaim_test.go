package ipc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sysvipcFixture = `       key      msqid perms      cbytes       qnum lspid lrpid   uid   gid  cuid  cgid      stime      rtime      ctime
      4242        100    600           0          0     0     0     0     0     0     0          0          0          0
     -4242        101    600           0          0     0     0     0     0     0     0          0          0          0
      9999        200    600           0          0     0     0     0     0     0     0          0          0          0
     -9999        201    600           0          0     0     0     0     0     0     0          0          0          0
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "msg")
	require.NoError(t, os.WriteFile(path, []byte(sysvipcFixture), 0o644))
	return path
}

func TestFindStaleAtGroupsPairsByPID(t *testing.T) {
	path := writeFixture(t)

	prev := processAliveFn
	defer func() { processAliveFn = prev }()
	processAliveFn = func(pid int) bool { return pid == 9999 } // 4242 is dead, 9999 alive

	stale, err := FindStaleAt(path, nil)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	assert.Equal(t, 4242, stale[0].Pid)
	assert.Equal(t, 100, stale[0].QinID)
	assert.Equal(t, 101, stale[0].QoutID)
}

func TestFindStaleAtAllAliveYieldsNone(t *testing.T) {
	path := writeFixture(t)

	prev := processAliveFn
	defer func() { processAliveFn = prev }()
	processAliveFn = func(pid int) bool { return true }

	stale, err := FindStaleAt(path, nil)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestParseSysvipcMsg(t *testing.T) {
	path := writeFixture(t)

	entries, err := parseSysvipcMsg(path)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, int32(4242), entries[0].key)
	assert.Equal(t, 100, entries[0].msqid)
}
