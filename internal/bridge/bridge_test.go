package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocalConn struct {
	written    [][]byte
	closed     bool
	closeWrote bool
}

func (f *fakeLocalConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.written = append(f.written, cp)
	return len(p), nil
}
func (f *fakeLocalConn) Close() error      { f.closed = true; return nil }
func (f *fakeLocalConn) CloseWrite() error { f.closeWrote = true; return nil }

func testCallbacks() (Callbacks, chan FlowInfo) {
	dialed := make(chan FlowInfo, 8)
	return Callbacks{
		Dial: func(ctx context.Context, info FlowInfo) { dialed <- info },
		WriteOut: func(handle string, data []byte) *WriteCtx {
			wc := NewWriteCtx()
			wc.Ack()
			return wc
		},
		Close:      func(handle string) {},
		CloseWrite: func(handle string) {},
		Host:       func(ctx context.Context, serviceID string) error { return nil },
	}, dialed
}

func TestNewRegistryRejectsMissingCallbacks(t *testing.T) {
	_, err := NewRegistry(Callbacks{})
	assert.Error(t, err)
}

func TestDialPendingToEstablishedToWrite(t *testing.T) {
	cb, dialed := testCallbacks()
	r, err := NewRegistry(cb)
	require.NoError(t, err)

	local := &fakeLocalConn{}
	f := r.Register(context.Background(), FlowInfo{Handle: "h1", Proto: "tcp"}, local)
	assert.Equal(t, DialPending, f.State())

	select {
	case info := <-dialed:
		assert.Equal(t, "h1", info.Handle)
	case <-time.After(time.Second):
		t.Fatal("Dial callback was never invoked")
	}

	require.NoError(t, r.DialCompleted("h1", nil))
	assert.Equal(t, Established, f.State())

	require.NoError(t, r.Write("h1", []byte("hello")))
	require.Len(t, local.written, 1)
	assert.Equal(t, "hello", string(local.written[0]))
}

func TestDialFailureTearsDownAndLocalCloses(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h2"}, local)

	require.NoError(t, r.DialCompleted("h2", errors.New("dial refused")))
	assert.True(t, local.closed, "local conn should be closed when the dial fails")
	assert.False(t, r.Active("h2"), "flow should no longer be active after a failed dial")
}

func TestCloseIsIdempotent(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h3"}, local)
	r.DialCompleted("h3", nil)

	require.NoError(t, r.Close("h3"))
	assert.NoError(t, r.Close("h3"), "second Close must be a harmless no-op")
	assert.Error(t, r.Write("h3", []byte("x")), "Write after Close should fail")
}

func TestCloseWriteHalfClosesLocal(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h4"}, local)
	r.DialCompleted("h4", nil)

	require.NoError(t, r.CloseWrite("h4"))
	assert.True(t, local.closeWrote, "expected local.CloseWrite to be invoked")
	assert.Error(t, r.Write("h4", []byte("x")), "Write should be rejected once half-closed from the remote side")
}

func TestBothSidesHalfClosedPromotesToClosed(t *testing.T) {
	closed := make(chan string, 1)
	cb, _ := testCallbacks()
	cb.Close = func(handle string) { closed <- handle }
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h7"}, local)
	r.DialCompleted("h7", nil)

	r.NotifyLocalHalfClosed("h7")
	assert.False(t, local.closed, "local must stay open after only one side half-closes")
	assert.True(t, r.Active("h7"))

	require.NoError(t, r.CloseWrite("h7"))
	assert.True(t, local.closed, "local should be fully closed once both sides have half-closed")
	assert.False(t, r.Active("h7"), "flow should be removed from the registry once fully closed")
	select {
	case handle := <-closed:
		assert.Equal(t, "h7", handle)
	case <-time.After(time.Second):
		t.Fatal("Close callback was never invoked for the overlay side")
	}
}

func TestBothSidesHalfClosedOtherOrderPromotesToClosed(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h8"}, local)
	r.DialCompleted("h8", nil)

	require.NoError(t, r.CloseWrite("h8"))
	assert.False(t, local.closed)

	r.NotifyLocalHalfClosed("h8")
	assert.True(t, local.closed, "local should be fully closed once both sides have half-closed, regardless of order")
	assert.False(t, r.Active("h8"))
}

func TestSetIdleTimeoutFiresOnce(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	local := &fakeLocalConn{}
	r.Register(context.Background(), FlowInfo{Handle: "h5"}, local)
	r.DialCompleted("h5", nil)

	fired := make(chan struct{}, 1)
	require.NoError(t, r.SetIdleTimeout("h5", 10*time.Millisecond, func() { fired <- struct{}{} }))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func TestWriteOutAckUnblocksWait(t *testing.T) {
	cb, _ := testCallbacks()
	r, _ := NewRegistry(cb)
	wc := r.WriteOut("h6", []byte("data"))
	assert.NoError(t, wc.Wait(context.Background()), "Wait should return immediately once acked")
}
