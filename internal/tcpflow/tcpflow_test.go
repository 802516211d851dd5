package tcpflow

import (
	"context"
	"io"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"tunneler/internal/bridge"
)

type fakeConn struct {
	reads      chan []byte
	closed     chan struct{}
	closeWrote bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	select {
	case b, ok := <-f.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-f.closed:
		return 0, io.EOF
	}
}
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
func (f *fakeConn) CloseWrite() error { f.closeWrote = true; return nil }

func TestAcceptRegistersAndPumpsData(t *testing.T) {
	written := make(chan []byte, 8)
	reg, err := bridge.NewRegistry(bridge.Callbacks{
		Dial: func(ctx context.Context, info bridge.FlowInfo) {},
		WriteOut: func(handle string, data []byte) *bridge.WriteCtx {
			written <- data
			wc := bridge.NewWriteCtx()
			wc.Ack()
			return wc
		},
		Close:      func(handle string) {},
		CloseWrite: func(handle string) {},
		Host:       func(ctx context.Context, serviceID string) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEngine(reg)
	conn := newFakeConn()
	id := stack.TransportEndpointID{
		LocalAddress:  tcpip.AddrFrom4([4]byte{10, 0, 0, 1}),
		LocalPort:     443,
		RemoteAddress: tcpip.AddrFrom4([4]byte{10, 0, 0, 100}),
		RemotePort:    51000,
	}
	e.Accept(context.Background(), "svc", conn, id)

	conn.reads <- []byte("payload")
	select {
	case got := <-written:
		if string(got) != "payload" {
			t.Fatalf("WriteOut got %q, want payload", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected pump to forward local data to WriteOut")
	}
}
