package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corpctl/rbtrace/ipc"
	"github.com/corpctl/rbtrace/render"
	"github.com/corpctl/rbtrace/selector"
	"github.com/corpctl/rbtrace/wire"
)

// fakeTransport is a scripted in-memory stand-in for *ipc.Queue: sent
// payloads are recorded, and a queue of canned inbound payloads is
// served out by Recv.
type fakeTransport struct {
	sent    [][]byte
	inbound [][]byte
	signals int
}

func (f *fakeTransport) Send(payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Signal() error {
	f.signals++
	return nil
}

func (f *fakeTransport) Recv(blocking bool, interruptCh <-chan os.Signal) ([]byte, error) {
	if len(f.inbound) == 0 {
		return nil, ipc.ErrWouldBlock
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next, nil
}

func (f *fakeTransport) queueEvent(t *testing.T, v wire.Value) {
	t.Helper()
	payload, err := wire.Encode(v)
	require.NoError(t, err)
	f.inbound = append(f.inbound, payload)
}

func newTestController(t *testing.T, ft *fakeTransport, controllerPID int) *Controller {
	t.Helper()
	var out, errOut noopWriter
	sess := render.NewSession(zap.NewNop().Sugar(), out, errOut, controllerPID)
	return New(zap.NewNop().Sugar(), sess, ft, controllerPID, 200*time.Millisecond, nil)
}

type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }

func TestAttachSucceedsOnMatchingReply(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)
	ft.queueEvent(t, wire.Array(wire.String("attached"), wire.Int(4242)))

	err := ctrl.Attach(context.Background())
	require.NoError(t, err)
	assert.True(t, ctrl.sess.Attached)
	require.Len(t, ft.sent, 1)
}

func TestAttachFailsOnForeignController(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)
	ft.queueEvent(t, wire.Array(wire.String("attached"), wire.Int(9999)))

	err := ctrl.Attach(context.Background())
	require.Error(t, err)
	assert.False(t, ctrl.sess.Attached)
}

func TestAttachTimesOutWithoutReply(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)

	err := ctrl.Attach(context.Background())
	require.ErrorIs(t, err, ErrAttachFailed)
}

func TestDetachWaitsForAttachedFalse(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)
	ctrl.sess.Attached = true
	ft.queueEvent(t, wire.Array(wire.String("detached"), wire.Int(4242)))

	err := ctrl.Detach(context.Background())
	require.NoError(t, err)
	assert.False(t, ctrl.sess.Attached)
}

func TestEvalReturnsTargetResult(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)
	ft.queueEvent(t, wire.Array(wire.String("evaled"), wire.String("42")))

	result, err := ctrl.Eval(context.Background(), "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, "42", result)
}

func TestEvalRejectsInvalidExpressionLocally(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)

	_, err := ctrl.Eval(context.Background(), "foo(1")
	require.Error(t, err)
	assert.Empty(t, ft.sent)
}

func TestAddSendsSelectorAndBoundExpressions(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)

	sel := selector.Selector{Raw: "Foo#bar(x)", Class: "Foo", Method: "bar", Kind: selector.Instance, Exprs: []string{"x"}}
	err := ctrl.Add(sel, false)
	require.NoError(t, err)
	require.Len(t, ft.sent, 2)
}

func TestAddRejectsInvalidBoundExpressionLocally(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)

	sel := selector.Selector{Raw: "Foo#bar(x", Class: "Foo", Method: "bar", Kind: selector.Instance, Exprs: []string{"foo(1"}}
	err := ctrl.Add(sel, false)
	require.Error(t, err)
	assert.Empty(t, ft.sent)
}

func TestForkReturnsSiblingPID(t *testing.T) {
	ft := &fakeTransport{}
	ctrl := newTestController(t, ft, 4242)
	ft.queueEvent(t, wire.Array(wire.String("forked"), wire.Int(5555)))

	pid, err := ctrl.Fork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5555), pid)
}

func TestRunEventLoopExitsCleanlyOnQueueRemoved(t *testing.T) {
	ft := &recvErrTransport{err: ipc.ErrQueueRemoved}
	var out, errOut noopWriter
	sess := render.NewSession(zap.NewNop().Sugar(), out, errOut, 4242)
	ctrl := New(zap.NewNop().Sugar(), sess, ft, 4242, time.Second, nil)

	err := ctrl.RunEventLoop(context.Background())
	require.NoError(t, err)
}

type recvErrTransport struct{ err error }

func (r *recvErrTransport) Send(payload []byte) error { return nil }
func (r *recvErrTransport) Signal() error             { return nil }
func (r *recvErrTransport) Recv(blocking bool, interruptCh <-chan os.Signal) ([]byte, error) {
	return nil, r.err
}
