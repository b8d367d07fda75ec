//go:build !linux

package wire

// BufSize on non-Linux SysV hosts. See bufsize_linux.go.
const BufSize = 120
