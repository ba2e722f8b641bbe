package exec

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks reconciled orders for one account. Bindings between a
// submission key and an order id outlive eviction: Evict drops the order
// record but keeps the key, so it cannot be bound to a different order.
// Prune releases keys of evicted orders once their good-til-block has
// passed, which keeps keys and owners bounded by the live window.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]ReconciledOrder
	keys   map[SubmissionKey]string
	owners map[string]SubmissionKey
	expiry map[SubmissionKey]int64
}

func NewRegistry() *Registry {
	return &Registry{
		orders: make(map[string]ReconciledOrder),
		keys:   make(map[SubmissionKey]string),
		owners: make(map[string]SubmissionKey),
		expiry: make(map[SubmissionKey]int64),
	}
}

// Bind records order as the result of the submission identified by its key.
// Rebinding the same pair is a no-op that returns the stored order.
func (r *Registry) Bind(order ReconciledOrder) (ReconciledOrder, error) {
	key := order.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.keys[key]; ok {
		if id != order.OrderID {
			return ReconciledOrder{}, fmt.Errorf("%w: %s -> %s", ErrKeyBound, key, id)
		}
		if existing, ok := r.orders[id]; ok {
			return existing, nil
		}
		return ReconciledOrder{}, fmt.Errorf("%w: %s -> %s (evicted)", ErrKeyBound, key, id)
	}
	if owner, ok := r.owners[order.OrderID]; ok {
		return ReconciledOrder{}, fmt.Errorf("%w: order %s belongs to %s", ErrKeyBound, order.OrderID, owner)
	}
	r.keys[key] = order.OrderID
	r.owners[order.OrderID] = key
	r.orders[order.OrderID] = order
	if order.GoodTilBlock > 0 {
		r.expiry[key] = order.GoodTilBlock
	}
	return order, nil
}

// Bound reports whether key was ever bound, evicted or not.
func (r *Registry) Bound(key SubmissionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

func (r *Registry) Get(orderID string) (ReconciledOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderID]
	return o, ok
}

func (r *Registry) Lookup(key SubmissionKey) (ReconciledOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.keys[key]
	if !ok {
		return ReconciledOrder{}, false
	}
	o, ok := r.orders[id]
	return o, ok
}

// UpdateStatus sets the status of a live entry. A terminal status never
// moves back to a non-terminal one; such updates are ignored and reported
// as false.
func (r *Registry) UpdateStatus(orderID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return false
	}
	if o.Status.Terminal() && !status.Terminal() {
		return false
	}
	o.Status = status
	r.orders[orderID] = o
	return true
}

func (r *Registry) Evict(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[orderID]; !ok {
		return false
	}
	delete(r.orders, orderID)
	return true
}

// Prune forgets the bindings of evicted orders whose good-til-block is
// below height. Orders without a good-til-block are kept.
func (r *Registry) Prune(height int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, gtb := range r.expiry {
		if gtb >= height {
			continue
		}
		id := r.keys[key]
		if _, live := r.orders[id]; live {
			continue
		}
		delete(r.keys, key)
		delete(r.owners, id)
		delete(r.expiry, key)
		n++
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// Snapshot returns live entries, newest first.
func (r *Registry) Snapshot() []ReconciledOrder {
	r.mu.RLock()
	out := make([]ReconciledOrder, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtHeight != out[j].CreatedAtHeight {
			return out[i].CreatedAtHeight > out[j].CreatedAtHeight
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
