package signal

// Dedup remembers the ids of recently admitted envelopes in a fixed-size
// ring: when full, the oldest id is evicted first. Polling re-reads the
// whole store, so the same envelope surfaces many times before it expires;
// this is the filter that makes processing exactly-once in practice.
//
// Not safe for concurrent use. The owning node serializes all calls.
type Dedup struct {
	seen map[string]struct{}
	ring []string
	next int
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 1
	}
	return &Dedup{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Observe records an id and reports whether it was new.
func (d *Dedup) Observe(id string) bool {
	if _, dup := d.seen[id]; dup {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true
}

// Seen reports whether an id is currently remembered, without recording it.
func (d *Dedup) Seen(id string) bool {
	_, ok := d.seen[id]
	return ok
}

func (d *Dedup) Len() int {
	return len(d.seen)
}
