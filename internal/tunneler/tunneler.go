// Package tunneler is the top-level supervisor (component H) that wires the
// intercept registry, device driver, raw-socket shadow forwarder, embedded
// stack adapter, and flow engines into the single object an application
// embeds, and exposes the public surface described by spec §6: Init,
// Intercept/StopIntercepting, the local-address/route operations, and the
// handle-keyed operations an overlay implementation drives (DialCompleted,
// Write, Close, CloseWrite, SetIdleTimeout; Ack travels on the WriteCtx an
// overlay's WriteOut callback already returns, so no separate Ack(handle)
// method is needed here).
//
// Where the predecessor CLI picked one upstream per run (or load-balanced
// across a fixed pool, internal/lb.go's LoadBalancer), this rendition lets
// each intercepted service carry its own overlay.Config, dispatched by
// service_id through the small router type below — the multi-upstream
// dispatch idiom generalized from "select by health" to "select by owning
// service."
package tunneler

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"tunneler/internal/addr"
	"tunneler/internal/bridge"
	"tunneler/internal/device"
	"tunneler/internal/intercept"
	"tunneler/internal/netstack"
	"tunneler/internal/overlay"
	"tunneler/internal/rawfwd"
	"tunneler/internal/tcpflow"
	"tunneler/internal/udpflow"
)

// version is the build identifier reported by Version. It is a var, not a
// const, so a release build can stamp it with -ldflags.
var version = "dev"

// Options configures Init.
type Options struct {
	Device device.Driver

	// Intercepts is the initial set of intercepted services. Additional
	// ones can be registered later via Intercept.
	Intercepts []intercept.Entry

	// Overlays maps each intercept entry's ServiceID to the overlay
	// upstream configuration its traffic bridges through.
	Overlays map[string]overlay.Config

	// UDPIdleTimeout bounds how long an idle UDP pseudo-connection is kept
	// open (spec §4.6).
	UDPIdleTimeout time.Duration
}

// Context is the handle returned by Init; every other operation in this
// file except Version is a method on it.
type Context struct {
	drv        device.Driver
	intercepts *intercept.Registry

	tcpReg *bridge.Registry
	udpReg *bridge.Registry
	tcpRt  *router
	udpRt  *router

	net *netstack.Adapter

	mu            sync.Mutex
	shadows       map[string]*rawfwd.Shadow // local address -> shadow forwarders
	localAddrRefs map[string]int

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// Init validates the supplied overlay configurations, brings up the
// embedded stack atop opts.Device, and starts frame ingestion. The returned
// Context owns everything constructed; Shutdown tears it all down exactly
// once (spec §9: a single idempotent teardown entry point).
func Init(opts Options) (*Context, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("tunneler: Options.Device is required")
	}
	for _, e := range opts.Intercepts {
		if _, ok := opts.Overlays[e.ServiceID]; !ok {
			return nil, fmt.Errorf("tunneler: service %q has no overlay configuration", e.ServiceID)
		}
	}

	intercepts := intercept.NewRegistry()
	for _, e := range opts.Intercepts {
		if err := intercepts.Add(e); err != nil {
			return nil, fmt.Errorf("tunneler: registering intercept %q: %w", e.ServiceID, err)
		}
	}

	tcpRt := newRouter()
	udpRt := newRouter()
	for serviceID, cfg := range opts.Overlays {
		tcpRt.add(serviceID, overlay.NewTCP(cfg))
		udpRt.add(serviceID, overlay.NewUDP(cfg))
	}

	tcpReg, err := bridge.NewRegistry(tcpRt.callbacks())
	if err != nil {
		return nil, fmt.Errorf("tunneler: building tcp registry: %w", err)
	}
	tcpRt.registry = tcpReg

	udpReg, err := bridge.NewRegistry(udpRt.callbacks())
	if err != nil {
		return nil, fmt.Errorf("tunneler: building udp registry: %w", err)
	}
	udpRt.registry = udpReg

	tcpEngine := tcpflow.NewEngine(tcpReg)
	udpEngine := udpflow.NewEngine(udpReg)
	if opts.UDPIdleTimeout > 0 {
		udpEngine = udpEngine.WithIdleTimeout(opts.UDPIdleTimeout)
	}

	na, err := netstack.New(opts.Device, intercepts, tcpEngine, udpEngine)
	if err != nil {
		return nil, fmt.Errorf("tunneler: building netstack adapter: %w", err)
	}

	ctx := &Context{
		drv:           opts.Device,
		intercepts:    intercepts,
		tcpReg:        tcpReg,
		udpReg:        udpReg,
		tcpRt:         tcpRt,
		udpRt:         udpRt,
		net:           na,
		shadows:       make(map[string]*rawfwd.Shadow),
		localAddrRefs: make(map[string]int),
		runDone:       make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ctx.runCancel = cancel
	go func() {
		defer close(ctx.runDone)
		if err := na.Run(runCtx); err != nil {
			// The adapter's frame pumps exited unexpectedly; Shutdown is
			// still the only way to release everything else, so this is
			// surfaced by the closed runDone channel rather than a panic.
			_ = err
		}
	}()

	return ctx, nil
}

// Intercept registers a new intercepted service at runtime (spec §4.2).
// entry.ServiceID must already have a matching overlay configuration
// supplied via Options.Overlays at Init time; this rendition does not
// support adding new overlay upstreams after Init. As a side effect, a
// route pointing at the virtual interface is requested for each of the
// entry's addresses (spec §4.2).
func (c *Context) Intercept(entry intercept.Entry) error {
	if !c.tcpRt.hasService(entry.ServiceID) && !c.udpRt.hasService(entry.ServiceID) {
		return fmt.Errorf("tunneler: service %q has no overlay configuration", entry.ServiceID)
	}
	if err := c.intercepts.Add(entry); err != nil {
		return err
	}
	for _, a := range entry.Addresses {
		if err := c.drv.AddRoute(a.String()); err != nil {
			log.Printf("tunneler: adding route for %s (service %q): %v", a, entry.ServiceID, err)
		}
	}
	return nil
}

// StopIntercepting removes the intercept entry for handle and tears down
// every flow currently bridged through it.
func (c *Context) StopIntercepting(handle string) {
	entry, ok := c.intercepts.Remove(handle)
	if !ok {
		return
	}
	c.tcpRt.killService(entry.ServiceID, c.tcpReg)
	c.udpRt.killService(entry.ServiceID, c.udpReg)
}

// AddLocalAddress assigns ip to the tunnel interface and starts a raw-socket
// shadow forwarder for it, refcounted so the same address can be requested
// by more than one intercept (spec §4.3/§4.8, component C). The set of
// forwarders created mirrors create_rawsock_forwarders: only the protocols
// of intercepts that actually cover ip get a forwarder (spec §4.3), not
// every protocol unconditionally.
func (c *Context) AddLocalAddress(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localAddrRefs[ip] > 0 {
		c.localAddrRefs[ip]++
		return nil
	}

	if err := c.drv.AddLocalAddress(ip); err != nil {
		return fmt.Errorf("tunneler: assigning local address %s: %w", ip, err)
	}

	protocols := c.protocolsCovering(ip)
	shadow, err := rawfwd.Create(context.Background(), ip, protocols, c.injectShadowed)
	if err != nil {
		_ = c.drv.DeleteLocalAddress(ip)
		return fmt.Errorf("tunneler: shadowing local address %s: %w", ip, err)
	}

	c.shadows[ip] = shadow
	c.localAddrRefs[ip] = 1
	return nil
}

// protocolsCovering returns the union, over every intercept currently
// registered whose Addresses match ip, of that intercept's protocols
// (spec §4.3: "for every currently-registered intercept that covers ip, for
// every protocol of that intercept, create a raw-socket forwarder").
func (c *Context) protocolsCovering(ip string) []string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	seen := make(map[string]bool, 2)
	var out []string
	for _, e := range c.intercepts.All() {
		if !addr.MatchAny(parsed, e.Addresses) {
			continue
		}
		for p := range e.Protocols {
			ps := string(p)
			if !seen[ps] {
				seen[ps] = true
				out = append(out, ps)
			}
		}
	}
	return out
}

// DeleteLocalAddress decrements ip's reference count and only unassigns it
// (and stops its shadow forwarder) once the count reaches exactly zero —
// matching the original's refcounted unassign-on-last-release semantics
// rather than unassigning on every call once the count has already hit
// zero.
func (c *Context) DeleteLocalAddress(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.localAddrRefs[ip]
	if !ok || n == 0 {
		return nil
	}
	n--
	if n > 0 {
		c.localAddrRefs[ip] = n
		return nil
	}
	delete(c.localAddrRefs, ip)

	if shadow, ok := c.shadows[ip]; ok {
		shadow.Close()
		delete(c.shadows, ip)
	}
	return c.drv.DeleteLocalAddress(ip)
}

// injectShadowed feeds a packet captured by a raw-socket shadow forwarder
// back into the tunnel interface, which the embedded stack adapter is
// already reading from (spec §4.3: "feeds back into the embedded stack").
func (c *Context) injectShadowed(packet []byte) {
	_, _ = c.drv.WriteFrame(packet)
}

// ExcludeRoute hands destination to the device driver's ExcludeRoute. With
// TUNDriver that only resolves destination (a literal IP needs no lookup);
// no route is installed, so destination is not carved out of the tunnel's
// routes, and it is not checked against local interface subnets.
func (c *Context) ExcludeRoute(ctx context.Context, destination string) error {
	return c.drv.ExcludeRoute(ctx, destination)
}

// DialCompleted, Write, Close, CloseWrite and SetIdleTimeout are the
// handle-keyed operations an overlay implementation drives (spec §6). proto
// selects which protocol's registry the handle belongs to.

func (c *Context) DialCompleted(proto, handle string, dialErr error) error {
	return c.registryFor(proto).DialCompleted(handle, dialErr)
}

func (c *Context) Write(proto, handle string, data []byte) error {
	return c.registryFor(proto).Write(handle, data)
}

func (c *Context) Close(proto, handle string) error {
	return c.registryFor(proto).Close(handle)
}

func (c *Context) CloseWrite(proto, handle string) error {
	return c.registryFor(proto).CloseWrite(handle)
}

func (c *Context) SetIdleTimeout(proto, handle string, d time.Duration, onIdle func()) error {
	return c.registryFor(proto).SetIdleTimeout(handle, d, onIdle)
}

// Host is an opaque passthrough to the overlay's host callback for
// serviceID; the core does not interpret what "hosting" means (spec §6).
func (c *Context) Host(ctx context.Context, proto, serviceID string) error {
	return c.registryFor(proto).Host(ctx, serviceID)
}

func (c *Context) registryFor(proto string) *bridge.Registry {
	if proto == "udp" {
		return c.udpReg
	}
	return c.tcpReg
}

// Version reports the build identifier (spec §6: version()).
func Version() string { return version }

// Shutdown tears everything down exactly once: it stops frame ingestion,
// kills every live flow, and releases every shadowed local address. Calling
// Shutdown more than once is safe.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.runCancel == nil {
		c.mu.Unlock()
		return
	}
	cancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()

	cancel()
	<-c.runDone

	c.tcpReg.KillAll()
	c.udpReg.KillAll()
	c.net.Close()

	c.mu.Lock()
	shadows := c.shadows
	c.shadows = nil
	c.localAddrRefs = nil
	c.mu.Unlock()
	for _, s := range shadows {
		s.Close()
	}

	_ = c.drv.Close()
}
