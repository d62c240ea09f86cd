package lightstreamer

import "sync"

// pendingAdd is a subscription's not-yet-flushed "add" control request,
// queued while the session is not yet SESSION_OPEN (§9).
type pendingAdd struct {
	subID int
}

// registry holds every Subscription handed to a Client, keyed by the
// id it assigns. Per §5, only the session driver's goroutine mutates
// it; the mutex exists solely to guard the read paths
// (getItemName/getFieldName/status reporting) that a caller may invoke
// from another goroutine.
type registry struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*Subscription
	pending []pendingAdd
}

func newRegistry() *registry {
	return &registry{nextID: 1, subs: make(map[int]*Subscription)}
}

// enqueue assigns a fresh id to sub, marks it active/not-subscribed,
// and buffers a pending "add" request in enqueue order.
func (r *registry) enqueue(sub *Subscription) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	sub.subscriptionID = id
	sub.active = true
	sub.subscribed = false
	r.subs[id] = sub
	r.pending = append(r.pending, pendingAdd{subID: id})
	return id
}

// flushPending drains and returns the pending "add" queue in enqueue
// order, for the driver to serialize on entry to SESSION_OPEN.
func (r *registry) flushPending() []pendingAdd {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// cancelPending removes subID from the pending "add" queue, used when
// a subscription is unsubscribed before its SUBOK arrives.
func (r *registry) cancelPending(subID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.subID == subID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// get returns the Subscription for id, or nil if unknown.
func (r *registry) get(id int) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[id]
}

// confirm applies a SUBOK: validates the server-reported item/field
// counts against any positionally-declared counts, allocates the field
// table, and marks the subscription subscribed. On mismatch it marks
// the subscription invalid and returns a ProtocolError instead.
func (r *registry) confirm(subID, nItems, nFields int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subID]
	if !ok {
		return newProtocolError("SUBOK for unknown subscription %d", subID)
	}
	if n := sub.declaredItemCount(); n > 0 && n != nItems {
		sub.invalid = true
		return newProtocolError("subscription %d: server reported %d items, declared %d", subID, nItems, n)
	}
	if n := sub.declaredFieldCount(); n > 0 && n != nFields {
		sub.invalid = true
		return newProtocolError("subscription %d: server reported %d fields, declared %d", subID, nFields, n)
	}
	sub.fields = newItemFieldTable(nItems, nFields)
	sub.subscribed = true
	return nil
}

// remove clears subscribed state and field data for subID, either on
// UNSUB or an explicit user unsubscribe. The descriptor itself is kept
// so status queries for the id remain answerable, unless release is
// true (the user dropped the handle entirely).
func (r *registry) remove(subID int, release bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subID]
	if !ok {
		return
	}
	sub.subscribed = false
	sub.fields = nil
	if release {
		delete(r.subs, subID)
	}
}

// removeInvalid drops subID from the registry entirely, used when a
// REQERR rejects a pending subscribe (§8 scenario S6).
func (r *registry) removeInvalid(subID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, subID)
}

// getItemName resolves a 1-based item index to its declared name.
func (r *registry) getItemName(subID, idx int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subID]
	if !ok {
		return "", false
	}
	return sub.itemName(idx)
}

// getFieldName resolves a 1-based field position to its declared name.
func (r *registry) getFieldName(subID, pos int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subID]
	if !ok {
		return "", false
	}
	return sub.fieldName(pos)
}

// all returns every subscription currently registered, used to tear
// down subscribed/field state on session loss.
func (r *registry) all() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}
