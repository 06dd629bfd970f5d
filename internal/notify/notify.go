// Package notify implements the callback registry behind the change signals
// exposed by streams and collections.
package notify

import "sync"

// Registry holds change callbacks. Emit calls every callback registered at the
// time of the call, outside the registry lock, in registration order.
//
// The zero value is ready to use. Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	next  uint64
	order []uint64
	fns   map[uint64]func()
}

// Subscribe registers fn and returns a function that removes it. The cancel
// function is idempotent.
func (r *Registry) Subscribe(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[uint64]func())
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fns, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// Emit invokes every registered callback.
func (r *Registry) Emit() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.order))
	for _, id := range r.order {
		fns = append(fns, r.fns[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
