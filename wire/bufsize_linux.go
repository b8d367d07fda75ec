//go:build linux

package wire

// BufSize is the number of bytes in a queue message body (mtext) on this
// platform. It is a kernel-enforced constant shared with the target agent
// and has no negotiation in the protocol: both sides must agree at build
// time.
const BufSize = 256
