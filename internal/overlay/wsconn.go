package overlay

import (
	"context"
	"net"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// wsStreamConn adapts a websocket connection into a net.Conn carrying
// binary messages as a byte stream, grounded on the predecessor's
// WSStreamConn.
type wsStreamConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	c      *websocket.Conn
	rb     []byte

	closeOnce sync.Once
}

func newWSStreamConn(ctx context.Context, c *websocket.Conn) *wsStreamConn {
	ctx2, cancel := context.WithCancel(ctx)
	return &wsStreamConn{ctx: ctx2, cancel: cancel, c: c}
}

func (w *wsStreamConn) Read(p []byte) (int, error) {
	for len(w.rb) == 0 {
		typ, data, err := w.c.Read(w.ctx)
		if err != nil {
			return 0, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		w.rb = data
	}
	n := copy(p, w.rb)
	w.rb = w.rb[n:]
	return n, nil
}

func (w *wsStreamConn) Write(p []byte) (int, error) {
	if err := w.c.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStreamConn) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		_ = w.c.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// CloseWrite has no true half-close analogue over a websocket; closing the
// whole stream is the closest available signal.
func (w *wsStreamConn) CloseWrite() error { return w.Close() }

func (w *wsStreamConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (w *wsStreamConn) RemoteAddr() net.Addr               { return dummyAddr{} }
func (w *wsStreamConn) SetDeadline(time.Time) error        { return nil }
func (w *wsStreamConn) SetReadDeadline(time.Time) error    { return nil }
func (w *wsStreamConn) SetWriteDeadline(time.Time) error   { return nil }

// wsPacketConn adapts a websocket connection into a net.PacketConn, one
// binary message per datagram, grounded on the predecessor's WSPacketConn.
type wsPacketConn struct {
	ctx context.Context
	c   *websocket.Conn
}

func newWSPacketConn(ctx context.Context, c *websocket.Conn) *wsPacketConn {
	return &wsPacketConn{ctx: ctx, c: c}
}

func (w *wsPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		typ, data, err := w.c.Read(w.ctx)
		if err != nil {
			return 0, nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return copy(p, data), dummyAddr{}, nil
	}
}

func (w *wsPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if err := w.c.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsPacketConn) Close() error                      { return nil }
func (w *wsPacketConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (w *wsPacketConn) SetDeadline(time.Time) error        { return nil }
func (w *wsPacketConn) SetReadDeadline(time.Time) error    { return nil }
func (w *wsPacketConn) SetWriteDeadline(time.Time) error   { return nil }
