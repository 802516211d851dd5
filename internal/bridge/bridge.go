// Package bridge implements the protocol-agnostic flow lifecycle and
// backpressure mechanics shared by the TCP and UDP engines (spec §4.5-§4.7,
// §6, §8 invariant 5, component G). It owns the handle-keyed operations an
// external service side drives (DialCompleted, Write, Close, CloseWrite,
// SetIdleTimeout) and the callback bundle the embedded stack drives in the
// other direction (Dial, WriteOut, Close, CloseWrite, Host) — rendered as
// goroutines and channel handoffs rather than literal function pointers
// (spec §9), while preserving strict per-flow FIFO ordering.
package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"tunneler/internal/flowindex"
)

// State is a flow's position in its lifecycle (spec §4.5/§4.6).
type State int

const (
	DialPending State = iota
	Established
	HalfClosedLocal  // local (embedded-stack) side has closed its write direction
	HalfClosedRemote // overlay side has closed its write direction
	Closed
)

func (s State) String() string {
	switch s {
	case DialPending:
		return "dial_pending"
	case Established:
		return "established"
	case HalfClosedLocal:
		return "half_closed_local"
	case HalfClosedRemote:
		return "half_closed_remote"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FlowInfo describes a bridged flow's endpoints, passed to Callbacks.Dial and
// Callbacks.Host so an overlay implementation can decide how to route it.
type FlowInfo struct {
	ServiceID string
	Handle    string
	// ID is a process-unique correlation identifier for this flow,
	// independent of Handle (which is derived from the tuple and so can be
	// reused once a flow closes). Used for logging/metrics, never for
	// lookup.
	ID      string
	Proto   string // "tcp" or "udp"
	SrcAddr string
	SrcPort uint16
	DstAddr string
	DstPort uint16
}

// LocalConn is the embedded-stack side of a bridged flow: a gonet TCP/UDP
// conn, or anything a flow engine adapts to this shape.
type LocalConn interface {
	io.Writer
	Close() error
	// CloseWrite half-closes the local side's write direction. UDP
	// pseudo-connections have no half-close; engines that can't support it
	// return nil (treated as already done).
	CloseWrite() error
}

// WriteCtx is returned by Callbacks.WriteOut for every chunk of local data
// handed to the overlay. Per spec invariant 5, Ack is the ONLY mechanism
// that reopens the embedded stack's receive window for that flow; a flow
// engine must not read further local data until Ack fires. Ack is safe to
// call more than once and from any goroutine.
type WriteCtx struct {
	done chan struct{}
	once sync.Once
}

// NewWriteCtx constructs a WriteCtx for an overlay implementation to return
// from its WriteOut callback.
func NewWriteCtx() *WriteCtx {
	return &WriteCtx{done: make(chan struct{})}
}

// Ack lifts the backpressure this WriteCtx was holding.
func (w *WriteCtx) Ack() {
	w.once.Do(func() { close(w.done) })
}

// Wait blocks until Ack is called or ctx is done.
func (w *WriteCtx) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Callbacks is the set of overlay-facing hooks the core invokes. All five
// fields are required (mirrors the original packet loop's refusal to start
// without a complete callback table) — NewRegistry returns an error instead
// of a hard process exit if any is missing, since failing a constructor is
// the idiomatic Go analogue.
type Callbacks struct {
	// Dial is invoked once, from its own goroutine, when a new flow enters
	// DialPending. The overlay implementation is expected to eventually
	// call Registry.DialCompleted(handle, err) — possibly much later, from
	// any goroutine.
	Dial func(ctx context.Context, info FlowInfo)

	// WriteOut delivers one chunk of data the local side produced on an
	// Established (or HalfClosedRemote) flow. The returned WriteCtx is
	// acked by the overlay once the data has been durably handed off.
	WriteOut func(handle string, data []byte) *WriteCtx

	// Close tears down the overlay side because the local side closed.
	Close func(handle string)

	// CloseWrite propagates a local half-close to the overlay side.
	CloseWrite func(handle string)

	// Host is invoked once per hosted service registration (spec §6: host)
	// and should run an accept loop until ctx is cancelled.
	Host func(ctx context.Context, serviceID string) error
}

func (c Callbacks) validate() error {
	if c.Dial == nil || c.WriteOut == nil || c.Close == nil || c.CloseWrite == nil || c.Host == nil {
		return fmt.Errorf("bridge: Dial, WriteOut, Close, CloseWrite and Host callbacks are all required")
	}
	return nil
}

// Flow is one bridged connection's bookkeeping.
type Flow struct {
	Info FlowInfo

	mu          sync.Mutex
	state       State
	local       LocalConn
	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func()
	dialDone    chan struct{}
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// DialDone returns a channel that's closed the instant this flow's dial
// outcome is decided (DialCompleted called, successfully or not). A caller
// that buffers pre-dial data (e.g. udpflow) can select on this instead of
// waiting on unrelated activity, such as the arrival of more data, before
// flushing what it already has.
func (f *Flow) DialDone() <-chan struct{} {
	return f.dialDone
}

func (f *Flow) touch() {
	f.mu.Lock()
	timer := f.idleTimer
	f.mu.Unlock()
	if timer != nil {
		timer.Reset(f.idleTimeout)
	}
}

// Registry is the handle-keyed table of live flows (spec component G/H). A
// Registry is created once per overlay wiring; internal/tunneler composes
// one Registry per protocol family (or shares one — handles are unique
// across both, by construction of the caller).
type Registry struct {
	cb    Callbacks
	flows *flowindex.Index[string, *Flow]
}

func NewRegistry(cb Callbacks) (*Registry, error) {
	if err := cb.validate(); err != nil {
		return nil, err
	}
	return &Registry{cb: cb, flows: flowindex.New[string, *Flow]()}, nil
}

// Register enters a new flow into DialPending and asynchronously invokes
// Callbacks.Dial. Both directions key on info.Handle from this point on.
func (r *Registry) Register(ctx context.Context, info FlowInfo, local LocalConn) *Flow {
	f := &Flow{Info: info, local: local, state: DialPending, dialDone: make(chan struct{})}
	r.flows.Put(info.Handle, f)
	go r.cb.Dial(ctx, info)
	return f
}

func (r *Registry) lookup(handle string) (*Flow, error) {
	f, ok := r.flows.Get(handle)
	if !ok {
		return nil, fmt.Errorf("bridge: unknown flow handle %q", handle)
	}
	return f, nil
}

// DialCompleted transitions a DialPending flow to Established (err == nil)
// or tears it down (err != nil). Calling it on a flow that is not
// DialPending is a no-op, matching the idempotent-teardown requirement
// (spec §9) for the case where the local side already vanished.
func (r *Registry) DialCompleted(handle string, dialErr error) error {
	f, err := r.lookup(handle)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.state != DialPending {
		f.mu.Unlock()
		return nil
	}
	if dialErr != nil {
		f.state = Closed
		f.mu.Unlock()
		close(f.dialDone)
		r.flows.Delete(handle)
		_ = f.local.Close()
		return nil
	}
	f.state = Established
	f.mu.Unlock()
	close(f.dialDone)
	return nil
}

// Write delivers overlay-originated bytes into the local (embedded-stack)
// side of a flow (spec §6: write(handle, bytes, len)).
func (r *Registry) Write(handle string, data []byte) error {
	f, err := r.lookup(handle)
	if err != nil {
		return err
	}
	f.mu.Lock()
	st := f.state
	f.mu.Unlock()
	if st == Closed || st == HalfClosedRemote {
		return fmt.Errorf("bridge: flow %q is not writable in state %s", handle, st)
	}
	f.touch()
	_, err = f.local.Write(data)
	return err
}

// Close tears a flow down from the overlay side (spec §6: close(handle)).
// Idempotent: closing an already-closed or unknown handle is not an error.
func (r *Registry) Close(handle string) error {
	f, ok := r.flows.Delete(handle)
	if !ok {
		return nil
	}
	f.mu.Lock()
	already := f.state == Closed
	f.state = Closed
	if f.idleTimer != nil {
		f.idleTimer.Stop()
	}
	f.mu.Unlock()
	if already {
		return nil
	}
	return f.local.Close()
}

// CloseWrite half-closes the local side's write direction from the overlay
// side (spec §6: close_write(handle)): the local peer will observe EOF on
// its next read but can still send. If the local side had already
// half-closed its own write direction (HalfClosedLocal), both directions are
// now finished and the flow is promoted straight to Closed instead of
// lingering (spec §4.5/invariant 6).
func (r *Registry) CloseWrite(handle string) error {
	f, err := r.lookup(handle)
	if err != nil {
		return err
	}
	f.mu.Lock()
	switch f.state {
	case Closed, HalfClosedRemote:
		f.mu.Unlock()
		return nil
	case HalfClosedLocal:
		f.state = Closed
		if f.idleTimer != nil {
			f.idleTimer.Stop()
		}
		f.mu.Unlock()
		r.flows.Delete(handle)
		_ = f.local.Close()
		r.cb.Close(handle)
		return nil
	}
	f.state = HalfClosedRemote
	f.mu.Unlock()
	return f.local.CloseWrite()
}

// Touch resets handle's idle timer, if one is armed, without performing any
// I/O. Flow engines call this on local-side activity that SetIdleTimeout
// would otherwise not observe (Write only touches on overlay-originated
// traffic).
func (r *Registry) Touch(handle string) error {
	f, err := r.lookup(handle)
	if err != nil {
		return err
	}
	f.touch()
	return nil
}

// SetIdleTimeout arms (or re-arms) an inactivity timer for handle; onIdle is
// invoked from its own goroutine each time d elapses without an intervening
// Write/touch, and activity after it has fired re-arms the timer
// (spec §6: set_idle_timeout).
func (r *Registry) SetIdleTimeout(handle string, d time.Duration, onIdle func()) error {
	f, err := r.lookup(handle)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleTimer != nil {
		f.idleTimer.Stop()
	}
	f.idleTimeout = d
	f.onIdle = onIdle
	if d <= 0 {
		f.idleTimer = nil
		return nil
	}
	f.idleTimer = time.AfterFunc(d, func() {
		if cb := f.onIdle; cb != nil {
			cb()
		}
	})
	return nil
}

// WriteOut is called by a flow engine when the local side produced data
// that must be bridged out (the other half of the invariant-5 mechanism).
func (r *Registry) WriteOut(handle string, data []byte) *WriteCtx {
	wc := r.cb.WriteOut(handle, data)
	if wc == nil {
		wc = NewWriteCtx()
		wc.Ack()
	}
	return wc
}

// NotifyLocalClosed tells the overlay side the local side closed outright
// (spec §4.7: local-initiated teardown propagates to the overlay).
func (r *Registry) NotifyLocalClosed(handle string) {
	if _, ok := r.flows.Delete(handle); ok {
		r.cb.Close(handle)
	}
}

// NotifyLocalHalfClosed tells the overlay side the local side half-closed
// its write direction (spec §4.7). If the overlay side had already
// half-closed its own write direction (HalfClosedRemote), both directions
// are now finished and the flow is promoted straight to Closed instead of
// lingering (spec §4.5/invariant 6).
func (r *Registry) NotifyLocalHalfClosed(handle string) {
	f, ok := r.flows.Get(handle)
	if !ok {
		return
	}
	f.mu.Lock()
	switch f.state {
	case Closed, HalfClosedLocal:
		f.mu.Unlock()
		return
	case HalfClosedRemote:
		f.state = Closed
		if f.idleTimer != nil {
			f.idleTimer.Stop()
		}
		f.mu.Unlock()
		r.flows.Delete(handle)
		_ = f.local.Close()
		r.cb.Close(handle)
		return
	}
	f.state = HalfClosedLocal
	f.mu.Unlock()
	r.cb.CloseWrite(handle)
}

// Host delegates to Callbacks.Host for a hosted service registration.
func (r *Registry) Host(ctx context.Context, serviceID string) error {
	return r.cb.Host(ctx, serviceID)
}

// Active reports whether handle currently names a live flow (spec §9:
// active(handle) bookkeeping query used before issuing a Write/Ack/Close).
func (r *Registry) Active(handle string) bool {
	_, ok := r.flows.Get(handle)
	return ok
}

// KillAll tears down every live flow unconditionally — mass teardown for
// intercept removal or shutdown (spec §9, grounded on tunneler_kill_active;
// unlike the source, this is invoked exactly once per call, not twice).
func (r *Registry) KillAll() {
	for _, handle := range r.flows.Keys() {
		_ = r.Close(handle)
	}
}

// HandlesForService returns the handles of every live flow whose FlowInfo
// was registered under serviceID, for mass teardown when an intercept is
// removed (spec §4.2: removing an intercept tears down its flows).
func (r *Registry) HandlesForService(serviceID string) []string {
	var out []string
	r.flows.Each(func(handle string, f *Flow) {
		if f.Info.ServiceID == serviceID {
			out = append(out, handle)
		}
	})
	return out
}
