// Package netstack adapts github.com/songgao/water frames into a gVisor
// embedded dual-stack TCP/UDP network stack (spec §2/§4.4/§4.8, component
// D): NIC setup, route table, promiscuous/spoofing mode, and TCP/UDP
// forwarders that consult the intercept registry before handing an accepted
// connection to the flow engines — grounded on the predecessor's
// RunTunNative/tunToStack/stackToTun/tunHandleTCP/tunHandleUDP, generalized
// from a single fixed upstream dial to an intercept-routed, handle-keyed
// bridge.
package netstack

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tunneler/internal/device"
	"tunneler/internal/intercept"
	"tunneler/internal/tcpflow"
	"tunneler/internal/udpflow"
)

const nicID tcpip.NICID = 1

// Adapter owns the embedded stack and the pump goroutines moving frames
// between it and a device.Driver.
type Adapter struct {
	drv        device.Driver
	intercepts *intercept.Registry
	tcp        *tcpflow.Engine
	udp        *udpflow.Engine

	st *stack.Stack
	ep *channel.Endpoint
}

// New builds the embedded stack bound to drv and wires TCP/UDP forwarders
// that consult intercepts before handing connections to tcp/udp engines.
func New(drv device.Driver, intercepts *intercept.Registry, tcpEngine *tcpflow.Engine, udpEngine *udpflow.Engine) (*Adapter, error) {
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := channel.New(4096, uint32(drv.MTU()), "")
	if err := st.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("netstack: CreateNIC: %w", err)
	}
	// Spoofing and promiscuous mode let the stack originate and accept
	// traffic for arbitrary addresses, since the set of intercepted
	// addresses is dynamic (spec §4.2: intercepts can be added/removed at
	// runtime) rather than fixed at NIC configuration time.
	if err := st.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: SetPromiscuousMode: %w", err)
	}
	if err := st.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: SetSpoofing: %w", err)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	a := &Adapter{drv: drv, intercepts: intercepts, tcp: tcpEngine, udp: udpEngine, st: st, ep: ep}

	tcpFwd := tcp.NewForwarder(st, 0, 65535, a.handleTCP)
	st.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(st, a.handleUDP)
	st.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	return a, nil
}

func (a *Adapter) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	entry, matched := a.intercepts.Match(intercept.TCP, net.IP(id.LocalAddress.AsSlice()), id.LocalPort)
	if !matched {
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	conn := gonet.NewTCPConn(&wq, ep)
	a.tcp.Accept(context.Background(), entry.ServiceID, conn, id)
}

func (a *Adapter) handleUDP(r *udp.ForwarderRequest) {
	id := r.ID()
	entry, matched := a.intercepts.Match(intercept.UDP, net.IP(id.LocalAddress.AsSlice()), id.LocalPort)
	if !matched {
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}

	conn := gonet.NewUDPConn(&wq, ep)
	a.udp.Accept(context.Background(), entry.ServiceID, conn, id)
}

// Run drives the frame pumps between drv and the embedded stack until ctx
// is cancelled or an I/O error occurs. gVisor's stack manages its own
// internal retransmission/ack timers on its own goroutines; unlike the
// lwIP-based predecessor there is no external timer to drive here.
func (a *Adapter) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- a.deviceToStack(ctx) }()
	go func() { errCh <- a.stackToDevice(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *Adapter) deviceToStack(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := a.drv.ReadFrame(buf)
		if err != nil {
			return err
		}
		pkt := buf[:n]
		if len(pkt) == 0 {
			continue
		}

		var proto tcpip.NetworkProtocolNumber
		switch pkt[0] >> 4 {
		case 4:
			proto = ipv4.ProtocolNumber
		case 6:
			proto = ipv6.ProtocolNumber
		default:
			continue
		}

		pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
		})
		a.ep.InjectInbound(proto, pb)
		pb.DecRef()
	}
}

func (a *Adapter) stackToDevice(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pb := a.ep.Read()
		if pb == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		v := pb.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()

		if _, err := a.drv.WriteFrame(b); err != nil {
			return err
		}
	}
}

// Close tears down the embedded stack's NIC.
func (a *Adapter) Close() {
	a.st.RemoveNIC(nicID)
	log.Printf("netstack: NIC %d removed", nicID)
}
