package udpflow

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"tunneler/internal/bridge"
)

type fakeUDPConn struct {
	reads  chan []byte
	closed chan struct{}
}

func newFakeUDPConn() *fakeUDPConn {
	return &fakeUDPConn{reads: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeUDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b, ok := <-f.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return copy(p, b), nil, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}
func (f *fakeUDPConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeUDPConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func testID() stack.TransportEndpointID {
	return stack.TransportEndpointID{
		LocalAddress:  tcpip.AddrFrom4([4]byte{10, 0, 0, 1}),
		LocalPort:     53,
		RemoteAddress: tcpip.AddrFrom4([4]byte{10, 0, 0, 100}),
		RemotePort:    40000,
	}
}

func TestDatagramsBufferedBeforeDialCompletes(t *testing.T) {
	var delivered [][]byte
	deliveredCh := make(chan struct{}, 8)
	var dialHandle string

	reg, err := bridge.NewRegistry(bridge.Callbacks{
		Dial: func(ctx context.Context, info bridge.FlowInfo) { dialHandle = info.Handle },
		WriteOut: func(handle string, data []byte) *bridge.WriteCtx {
			delivered = append(delivered, data)
			deliveredCh <- struct{}{}
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
	conn := newFakeUDPConn()
	e.Accept(context.Background(), "svc", conn, testID())

	conn.reads <- []byte("pre-dial-1")
	conn.reads <- []byte("pre-dial-2")

	time.Sleep(50 * time.Millisecond)
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery before dial completes, got %d", len(delivered))
	}

	if dialHandle == "" {
		t.Fatal("Dial callback was never invoked")
	}
	if err := reg.DialCompleted(dialHandle, nil); err != nil {
		t.Fatal(err)
	}

	conn.reads <- []byte("post-dial")

	for i := 0; i < 3; i++ {
		select {
		case <-deliveredCh:
		case <-time.After(time.Second):
			t.Fatalf("expected 3 deliveries, got %d", i)
		}
	}
	if string(delivered[0]) != "pre-dial-1" || string(delivered[1]) != "pre-dial-2" || string(delivered[2]) != "post-dial" {
		t.Fatalf("delivered out of order: %v", delivered)
	}
}

// TestSingleBufferedDatagramFlushesWithoutFurtherTraffic exercises the case
// where exactly one datagram arrives before the dial completes and nothing
// else ever arrives afterward: the flush must happen off DialCompleted
// itself, not as a side effect of a later ReadFrom returning.
func TestSingleBufferedDatagramFlushesWithoutFurtherTraffic(t *testing.T) {
	var delivered [][]byte
	deliveredCh := make(chan struct{}, 8)
	var dialHandle string

	reg, err := bridge.NewRegistry(bridge.Callbacks{
		Dial: func(ctx context.Context, info bridge.FlowInfo) { dialHandle = info.Handle },
		WriteOut: func(handle string, data []byte) *bridge.WriteCtx {
			delivered = append(delivered, data)
			deliveredCh <- struct{}{}
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
	conn := newFakeUDPConn()
	e.Accept(context.Background(), "svc", conn, testID())

	conn.reads <- []byte("only-datagram")
	time.Sleep(50 * time.Millisecond)
	if len(delivered) != 0 {
		t.Fatalf("expected no delivery before dial completes, got %d", len(delivered))
	}

	if dialHandle == "" {
		t.Fatal("Dial callback was never invoked")
	}
	if err := reg.DialCompleted(dialHandle, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-deliveredCh:
	case <-time.After(time.Second):
		t.Fatal("expected the single buffered datagram to flush once the dial completed, with no further traffic")
	}
	if len(delivered) != 1 || string(delivered[0]) != "only-datagram" {
		t.Fatalf("unexpected delivery: %v", delivered)
	}
}

func TestIdleEvictionClosesFlow(t *testing.T) {
	reg, err := bridge.NewRegistry(bridge.Callbacks{
		Dial: func(ctx context.Context, info bridge.FlowInfo) {},
		WriteOut: func(handle string, data []byte) *bridge.WriteCtx {
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

	e := NewEngine(reg).WithIdleTimeout(20 * time.Millisecond)
	conn := newFakeUDPConn()
	f := e.Accept(context.Background(), "svc", conn, testID())
	_ = f

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected idle eviction to close the local connection")
	}
}
