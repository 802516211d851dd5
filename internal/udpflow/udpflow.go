// Package udpflow implements the per-5-tuple UDP pseudo-connection table
// described in spec §4.5/§4.6 (component F): unlike TCP, a UDP "connection"
// in the embedded stack is just a local 5-tuple that datagrams keep
// arriving on, so this package buffers datagrams that arrive before the
// overlay dial completes and evicts idle pseudo-connections on a timer —
// grounded on the predecessor's udpFlowTable/udpFlow (5-tuple keying, TTL
// GC) generalized from a single fixed upstream to the handle-keyed overlay
// abstraction.
package udpflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"tunneler/internal/bridge"
)

// DefaultIdleTimeout matches the predecessor's UDP flow GC default.
const DefaultIdleTimeout = 60 * time.Second

// DefaultMaxBuffered caps how many pre-dial datagrams are held per flow;
// once full, the oldest buffered datagram is dropped (UDP has no delivery
// guarantee to violate by doing so).
const DefaultMaxBuffered = 64

// Conn is the subset of *gonet.UDPConn this package depends on.
type Conn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	Write(p []byte) (int, error)
	Close() error
}

// localAdapter satisfies bridge.LocalConn for a UDP pseudo-connection. UDP
// has no half-close; CloseWrite is a no-op (spec: engines that can't
// support it return nil, treated as already done).
type localAdapter struct{ Conn }

func (localAdapter) CloseWrite() error { return nil }

// pending tracks pre-dial buffering state for one flow.
type pending struct {
	mu          sync.Mutex
	established bool
	buffered    [][]byte
}

// Engine bridges accepted UDP pseudo-connections into a bridge.Registry.
type Engine struct {
	registry    *bridge.Registry
	idleTimeout time.Duration
	maxBuffered int

	mu      sync.Mutex
	pending map[string]*pending
}

func NewEngine(registry *bridge.Registry) *Engine {
	return &Engine{
		registry:    registry,
		idleTimeout: DefaultIdleTimeout,
		maxBuffered: DefaultMaxBuffered,
		pending:     make(map[string]*pending),
	}
}

// WithIdleTimeout overrides the default idle eviction timeout.
func (e *Engine) WithIdleTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.idleTimeout = d
	}
	return e
}

// HandleTuple returns the canonical flow handle for a UDP 5-tuple.
func HandleTuple(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16) string {
	return fmt.Sprintf("udp:%s:%d>%s:%d", srcAddr, srcPort, dstAddr, dstPort)
}

// Accept registers a new UDP pseudo-connection and starts pumping datagrams.
func (e *Engine) Accept(ctx context.Context, serviceID string, conn Conn, id stack.TransportEndpointID) *bridge.Flow {
	handle := HandleTuple(
		net.IP(id.RemoteAddress.AsSlice()).String(), id.RemotePort,
		net.IP(id.LocalAddress.AsSlice()).String(), id.LocalPort,
	)
	info := bridge.FlowInfo{
		ServiceID: serviceID,
		Handle:    handle,
		ID:        uuid.NewString(),
		Proto:     "udp",
		SrcAddr:   net.IP(id.RemoteAddress.AsSlice()).String(),
		SrcPort:   id.RemotePort,
		DstAddr:   net.IP(id.LocalAddress.AsSlice()).String(),
		DstPort:   id.LocalPort,
	}
	f := e.registry.Register(ctx, info, localAdapter{conn})

	p := &pending{}
	e.mu.Lock()
	e.pending[handle] = p
	e.mu.Unlock()

	_ = e.registry.SetIdleTimeout(handle, e.idleTimeout, func() {
		e.evict(handle, conn)
	})

	go e.flushOnDial(handle, f, p)
	go e.pump(ctx, handle, conn, f, p)
	return f
}

// flushOnDial watches f's dial outcome independently of new datagrams
// arriving on the local pseudo-connection: a flow that receives exactly one
// pre-dial datagram and nothing else must still see it flushed as soon as
// the dial completes, not only as a side effect of pump's next ReadFrom
// returning. If p has already been flushed (or the dial failed) this is a
// no-op; p.mu arbitrates against pump so a datagram is never flushed twice.
func (e *Engine) flushOnDial(handle string, f *bridge.Flow, p *pending) {
	<-f.DialDone()
	if f.State() != bridge.Established {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.established {
		return
	}
	p.established = true
	for _, d := range p.buffered {
		e.registry.WriteOut(handle, d).Ack()
	}
	p.buffered = nil
}

func (e *Engine) evict(handle string, conn Conn) {
	e.registry.NotifyLocalClosed(handle)
	e.mu.Lock()
	delete(e.pending, handle)
	e.mu.Unlock()
	_ = conn.Close()
}

// pump reads datagrams from the local pseudo-connection. Datagrams that
// arrive while the flow is still DialPending are queued (bounded); once the
// overlay completes the dial, buffered datagrams flush in arrival order
// before live traffic continues.
func (e *Engine) pump(ctx context.Context, handle string, conn Conn, f *bridge.Flow, p *pending) {
	defer func() {
		e.mu.Lock()
		delete(e.pending, handle)
		e.mu.Unlock()
	}()

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("udpflow: local read error on %s: %v", handle, err)
			}
			e.registry.NotifyLocalClosed(handle)
			return
		}
		if n == 0 {
			continue
		}
		_ = e.registry.Touch(handle)
		datagram := append([]byte(nil), buf[:n]...)

		p.mu.Lock()
		if !p.established && f.State() == bridge.DialPending {
			if len(p.buffered) >= e.maxBuffered {
				p.buffered = p.buffered[1:]
			}
			p.buffered = append(p.buffered, datagram)
			p.mu.Unlock()
			continue
		}
		if !p.established {
			p.established = true
			for _, d := range p.buffered {
				e.registry.WriteOut(handle, d).Ack()
			}
			p.buffered = nil
		}
		p.mu.Unlock()

		e.registry.WriteOut(handle, datagram)
	}
}
