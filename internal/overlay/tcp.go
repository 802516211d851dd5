package overlay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"

	"tunneler/internal/bridge"
)

// TCP bridges TCP flows over a Shadowsocks-over-websocket stream transport,
// grounded on the predecessor's DialOutlineTCP/ProxyTCPOverOutlineWS.
type TCP struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]net.Conn
}

func NewTCP(cfg Config) *TCP {
	return &TCP{cfg: cfg, conns: make(map[string]net.Conn)}
}

// Callbacks builds the bridge.Callbacks this overlay drives. registry must
// be assigned (possibly after this call returns, e.g. immediately following
// bridge.NewRegistry) before any flow reaches DialPending, since Dial needs
// it to report completion.
func (t *TCP) Callbacks(registry **bridge.Registry) bridge.Callbacks {
	return bridge.Callbacks{
		Dial:       func(ctx context.Context, info bridge.FlowInfo) { t.dial(ctx, *registry, info) },
		WriteOut:   t.writeOut,
		Close:      t.closeHandle,
		CloseWrite: t.closeWriteHandle,
		Host: func(ctx context.Context, serviceID string) error {
			return fmt.Errorf("overlay: hosting local services is not implemented by this overlay")
		},
	}
}

func (t *TCP) dial(ctx context.Context, registry *bridge.Registry, info bridge.FlowInfo) {
	dialCtx := ctx
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := t.dialTarget(dialCtx, net.JoinHostPort(info.DstAddr, fmt.Sprintf("%d", info.DstPort)))
	if err != nil {
		registry.DialCompleted(info.Handle, err)
		return
	}

	t.mu.Lock()
	t.conns[info.Handle] = conn
	t.mu.Unlock()

	if err := registry.DialCompleted(info.Handle, nil); err != nil {
		_ = conn.Close()
		return
	}

	go t.pumpIn(registry, info.Handle, conn)
}

// dialTarget dials the configured websocket stream endpoint and negotiates
// the Shadowsocks cipher and destination-address header for dst.
func (t *TCP) dialTarget(ctx context.Context, dst string) (net.Conn, error) {
	wsc, err := dialWS(ctx, t.cfg.StreamURL, t.cfg.Mark)
	if err != nil {
		return nil, err
	}

	stream := newWSStreamConn(ctx, wsc)
	ciph, err := core.PickCipher(t.cfg.Cipher, nil, t.cfg.Secret)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("overlay: selecting cipher %q: %w", t.cfg.Cipher, err)
	}
	ss := ciph.StreamConn(stream)

	tgt := socks.ParseAddr(dst)
	if tgt == nil {
		_ = ss.Close()
		return nil, socks.ErrAddressNotSupported
	}
	if _, err := ss.Write(tgt); err != nil {
		_ = ss.Close()
		return nil, fmt.Errorf("overlay: writing destination header: %w", err)
	}
	return ss, nil
}

// pumpIn copies overlay-originated bytes into the local side via
// registry.Write until the overlay connection is exhausted. On a clean EOF
// this half-closes the local side's write direction (spec §4.5: overlay EOF
// -> core emits FIN, Established -> HalfClosedRemote) so a client still
// writing gets to finish instead of being reset; the bridge promotes the
// flow the rest of the way to Closed once the local side has also finished
// (bridge.CloseWrite if the local side finished first,
// NotifyLocalHalfClosed if it finishes later). Any other read error hard-closes the flow
// from the overlay side.
func (t *TCP) pumpIn(registry *bridge.Registry, handle string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := registry.Write(handle, buf[:n]); werr != nil {
				log.Printf("overlay: writing into local flow %s: %v", handle, werr)
				registry.Close(handle)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				registry.CloseWrite(handle)
			} else {
				log.Printf("overlay: reading from upstream for %s: %v", handle, err)
				registry.Close(handle)
			}
			return
		}
	}
}

// writeOut delivers local-originated data to the overlay connection. The
// WriteCtx is only acked once the underlying (blocking) websocket write
// returns, so backpressure on the local read side tracks real upstream
// throughput (spec §8 invariant 5).
func (t *TCP) writeOut(handle string, data []byte) *bridge.WriteCtx {
	wc := bridge.NewWriteCtx()
	t.mu.Lock()
	conn := t.conns[handle]
	t.mu.Unlock()
	if conn == nil {
		wc.Ack()
		return wc
	}
	if _, err := conn.Write(data); err != nil {
		log.Printf("overlay: writing to upstream for %s: %v", handle, err)
	}
	wc.Ack()
	return wc
}

func (t *TCP) closeHandle(handle string) {
	t.mu.Lock()
	conn := t.conns[handle]
	delete(t.conns, handle)
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *TCP) closeWriteHandle(handle string) {
	t.mu.Lock()
	conn := t.conns[handle]
	t.mu.Unlock()
	if conn == nil {
		return
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
