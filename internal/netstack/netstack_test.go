package netstack

import (
	"context"
	"errors"
	"testing"
	"time"

	"tunneler/internal/bridge"
	"tunneler/internal/intercept"
	"tunneler/internal/tcpflow"
	"tunneler/internal/udpflow"
)

type fakeDriver struct {
	frames chan []byte
}

func (f *fakeDriver) Name() string { return "fake0" }
func (f *fakeDriver) MTU() int     { return 1500 }
func (f *fakeDriver) ReadFrame(buf []byte) (int, error) {
	b, ok := <-f.frames
	if !ok {
		return 0, errors.New("closed")
	}
	return copy(buf, b), nil
}
func (f *fakeDriver) WriteFrame(buf []byte) (int, error)      { return len(buf), nil }
func (f *fakeDriver) Close() error                             { close(f.frames); return nil }
func (f *fakeDriver) AddLocalAddress(ip string) error          { return nil }
func (f *fakeDriver) DeleteLocalAddress(ip string) error       { return nil }
func (f *fakeDriver) AddRoute(cidr string) error                { return nil }
func (f *fakeDriver) ExcludeRoute(ctx context.Context, dst string) error { return nil }

func noopCallbacks() bridge.Callbacks {
	return bridge.Callbacks{
		Dial:       func(ctx context.Context, info bridge.FlowInfo) {},
		WriteOut:   func(handle string, data []byte) *bridge.WriteCtx { wc := bridge.NewWriteCtx(); wc.Ack(); return wc },
		Close:      func(handle string) {},
		CloseWrite: func(handle string) {},
		Host:       func(ctx context.Context, serviceID string) error { return nil },
	}
}

func TestAdapterConstructsAndCloses(t *testing.T) {
	tcpReg, err := bridge.NewRegistry(noopCallbacks())
	if err != nil {
		t.Fatal(err)
	}
	udpReg, err := bridge.NewRegistry(noopCallbacks())
	if err != nil {
		t.Fatal(err)
	}

	drv := &fakeDriver{frames: make(chan []byte, 4)}
	a, err := New(drv, intercept.NewRegistry(), tcpflow.NewEngine(tcpReg), udpflow.NewEngine(udpReg))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
}
