package connmgr

import "syncml-bt/internal/rfcomm"

// Peer is one connected descriptor reported by a profile, waiting to be
// claimed by the manager.
type Peer struct {
	FD      int
	Channel rfcomm.Channel
	Address string
}

// PeerRegistry maps incoming descriptors to the channel that reported
// them. Entries are single use: Resolve removes what it returns, so a
// reused descriptor number can never resolve to a stale address.
type PeerRegistry struct {
	entries map[int]Peer
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{entries: make(map[int]Peer)}
}

// Insert records fd. It returns the entry it replaced, if any.
func (r *PeerRegistry) Insert(fd int, ch rfcomm.Channel, address string) (Peer, bool) {
	old, replaced := r.entries[fd]
	r.entries[fd] = Peer{FD: fd, Channel: ch, Address: address}
	return old, replaced
}

// Resolve returns and removes the entry for fd.
func (r *PeerRegistry) Resolve(fd int) (Peer, bool) {
	p, ok := r.entries[fd]
	if ok {
		delete(r.entries, fd)
	}
	return p, ok
}

// Release removes and returns every unclaimed entry of ch.
func (r *PeerRegistry) Release(ch rfcomm.Channel) []Peer {
	var out []Peer
	for fd, p := range r.entries {
		if p.Channel == ch {
			out = append(out, p)
			delete(r.entries, fd)
		}
	}
	return out
}

// Clear removes and returns every entry.
func (r *PeerRegistry) Clear() []Peer {
	out := make([]Peer, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	r.entries = make(map[int]Peer)
	return out
}

// Len returns the number of unclaimed entries.
func (r *PeerRegistry) Len() int { return len(r.entries) }
