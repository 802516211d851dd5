package tunneler

import (
	"context"
	"fmt"
	"sync"

	"tunneler/internal/bridge"
)

// binding is the shape both overlay.TCP and overlay.UDP satisfy: a
// constructor for the bridge.Callbacks bound to one overlay upstream.
type binding interface {
	Callbacks(registry **bridge.Registry) bridge.Callbacks
}

// router dispatches bridge.Callbacks calls to the overlay bound to a flow's
// owning service, so one bridge.Registry can serve many intercepted
// services that each bridge through a different overlay upstream.
type router struct {
	mu        sync.Mutex
	byService map[string]binding
	byHandle  map[string]string

	registry *bridge.Registry
}

func newRouter() *router {
	return &router{byService: make(map[string]binding), byHandle: make(map[string]string)}
}

func (r *router) add(serviceID string, ov binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byService[serviceID] = ov
}

func (r *router) hasService(serviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byService[serviceID]
	return ok
}

func (r *router) lookupByHandle(handle string) binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	serviceID, ok := r.byHandle[handle]
	if !ok {
		return nil
	}
	return r.byService[serviceID]
}

func (r *router) regPtr() **bridge.Registry { return &r.registry }

// callbacks builds the bridge.Callbacks this router presents to
// bridge.NewRegistry. registry is filled in by the caller immediately after
// construction, following the forward-reference pattern overlay.TCP/UDP
// themselves use for the same reason (their Dial callback needs to call
// back into the registry that is built from these very callbacks).
func (r *router) callbacks() bridge.Callbacks {
	return bridge.Callbacks{
		Dial: func(ctx context.Context, info bridge.FlowInfo) {
			r.mu.Lock()
			ov, ok := r.byService[info.ServiceID]
			if ok {
				r.byHandle[info.Handle] = info.ServiceID
			}
			r.mu.Unlock()
			if !ok {
				r.registry.DialCompleted(info.Handle, fmt.Errorf("tunneler: no overlay bound to service %q", info.ServiceID))
				return
			}
			ov.Callbacks(r.regPtr()).Dial(ctx, info)
		},
		WriteOut: func(handle string, data []byte) *bridge.WriteCtx {
			ov := r.lookupByHandle(handle)
			if ov == nil {
				wc := bridge.NewWriteCtx()
				wc.Ack()
				return wc
			}
			return ov.Callbacks(r.regPtr()).WriteOut(handle, data)
		},
		Close: func(handle string) {
			ov := r.lookupByHandle(handle)
			r.mu.Lock()
			delete(r.byHandle, handle)
			r.mu.Unlock()
			if ov != nil {
				ov.Callbacks(r.regPtr()).Close(handle)
			}
		},
		CloseWrite: func(handle string) {
			if ov := r.lookupByHandle(handle); ov != nil {
				ov.Callbacks(r.regPtr()).CloseWrite(handle)
			}
		},
		Host: func(ctx context.Context, serviceID string) error {
			r.mu.Lock()
			ov, ok := r.byService[serviceID]
			r.mu.Unlock()
			if !ok {
				return fmt.Errorf("tunneler: no overlay bound to service %q", serviceID)
			}
			return ov.Callbacks(r.regPtr()).Host(ctx, serviceID)
		},
	}
}

// killService closes every flow currently routed to serviceID, e.g. because
// its intercept was just removed (spec §4.2).
func (r *router) killService(serviceID string, registry *bridge.Registry) {
	for _, handle := range registry.HandlesForService(serviceID) {
		_ = registry.Close(handle)
	}
}
