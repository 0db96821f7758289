// Package clock implements the logical clock pair used to order events
// across sites: a Lamport scalar for total ordering and a map-keyed vector
// clock for causality. The vector is keyed by site id strings so the peer
// set can grow at runtime; positional indices never reach the wire.
package clock

// Clock is pure data and travels inside every message envelope. It is not
// safe for concurrent use; callers guard it with the site state mutex.
type Clock struct {
	Lamport int64            `json:"lamport"`
	Vector  map[string]int64 `json:"vector"`
}

func New(self string) Clock {
	return Clock{Vector: map[string]int64{self: 0}}
}

// NewWithValues rebuilds a clock from persisted state.
func NewWithValues(self string, lamport int64, vector map[string]int64) Clock {
	c := Clock{Lamport: lamport, Vector: make(map[string]int64, len(vector)+1)}
	for id, v := range vector {
		c.Vector[id] = v
	}
	if _, ok := c.Vector[self]; !ok {
		c.Vector[self] = 0
	}
	return c
}

// Tick registers a locally originated event at the owning site and returns
// the new Lamport value. Pure forwards of a wave are not local events and
// must not tick.
func (c *Clock) Tick(self string) int64 {
	c.Lamport++
	c.Vector[self]++
	return c.Lamport
}

// Observe merges a received clock into the owning site's. Called exactly
// once per inbound message, before any downstream handling.
func (c *Clock) Observe(self string, lamport int64, vector map[string]int64) {
	if lamport > c.Lamport {
		c.Lamport = lamport
	}
	c.Lamport++
	for id, v := range vector {
		if v > c.Vector[id] {
			c.Vector[id] = v
		}
	}
	c.Vector[self]++
}

// AddSite ensures a vector column exists for the given site.
func (c *Clock) AddSite(id string) {
	if c.Vector == nil {
		c.Vector = map[string]int64{}
	}
	if _, ok := c.Vector[id]; !ok {
		c.Vector[id] = 0
	}
}

// Rename transfers a site's column to a new id without resetting it. Used
// when a restarted site recovers its identity.
func (c *Clock) Rename(old, new string) {
	if v, ok := c.Vector[old]; ok {
		delete(c.Vector, old)
		c.Vector[new] = v
		return
	}
	c.AddSite(new)
}

// Snapshot returns a detached copy of the vector.
func (c *Clock) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(c.Vector))
	for id, v := range c.Vector {
		out[id] = v
	}
	return out
}

// Clone returns a detached copy of the whole clock, safe to hand to a send
// path after the state lock is released.
func (c *Clock) Clone() Clock {
	return Clock{Lamport: c.Lamport, Vector: c.Snapshot()}
}
