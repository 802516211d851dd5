// Package tcpflow implements the per-connection TCP state machine described
// in spec §4.5/§4.6 (component E): accepting a gVisor-terminated TCP
// connection that matched an intercept, registering it with the bridge
// layer, and pumping local-side reads out to the overlay under the
// write_ctx/ack backpressure rule (spec §8 invariant 5) — grounded on the
// predecessor's tunHandleTCP io.Copy bridge, generalized from a single
// fixed upstream to the handle-keyed overlay abstraction.
package tcpflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"tunneler/internal/bridge"
)

// Conn is the subset of *gonet.TCPConn this package depends on, so tests can
// supply a fake without standing up a real gVisor stack.
type Conn interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Engine bridges accepted TCP connections into a bridge.Registry.
type Engine struct {
	registry *bridge.Registry
}

func NewEngine(registry *bridge.Registry) *Engine {
	return &Engine{registry: registry}
}

// HandleTuple returns the canonical flow handle for a 4-tuple (spec §9:
// flows reference their intercept by handle value, never a borrowed
// pointer). Deterministic so the same connection always maps to the same
// handle across the Register/DialCompleted/Close path.
func HandleTuple(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16) string {
	return fmt.Sprintf("tcp:%s:%d>%s:%d", srcAddr, srcPort, dstAddr, dstPort)
}

// Accept registers a newly established local TCP connection and starts
// pumping its outbound data to the overlay. id identifies the 4-tuple the
// embedded stack assigned the connection; serviceID is the intercept entry
// that matched it.
func (e *Engine) Accept(ctx context.Context, serviceID string, conn Conn, id stack.TransportEndpointID) *bridge.Flow {
	handle := HandleTuple(
		net.IP(id.RemoteAddress.AsSlice()).String(), id.RemotePort,
		net.IP(id.LocalAddress.AsSlice()).String(), id.LocalPort,
	)
	info := bridge.FlowInfo{
		ServiceID: serviceID,
		Handle:    handle,
		ID:        uuid.NewString(),
		Proto:     "tcp",
		SrcAddr:   net.IP(id.RemoteAddress.AsSlice()).String(),
		SrcPort:   id.RemotePort,
		DstAddr:   net.IP(id.LocalAddress.AsSlice()).String(),
		DstPort:   id.LocalPort,
	}
	f := e.registry.Register(ctx, info, conn)
	go e.pump(ctx, handle, conn)
	return f
}

// pump reads local data and hands each chunk to the overlay, blocking on
// the returned WriteCtx's Ack before reading the next chunk. This is the
// entire implementation of invariant 5: backpressure on the local read side
// is driven purely by how quickly the overlay acks.
func (e *Engine) pump(ctx context.Context, handle string, conn Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			wc := e.registry.WriteOut(handle, chunk)
			if waitErr := wc.Wait(ctx); waitErr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				e.registry.NotifyLocalHalfClosed(handle)
			} else {
				log.Printf("tcpflow: local read error on %s: %v", handle, err)
				e.registry.NotifyLocalClosed(handle)
			}
			return
		}
	}
}
