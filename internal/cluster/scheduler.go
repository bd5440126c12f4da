package cluster

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// LatencyCeiling is the latency at which a peer stops competing with
	// peers below it.
	LatencyCeiling = 200 * time.Millisecond
	// RecencyTolerance is the ratio gap within which the less recently used
	// peer is preferred.
	RecencyTolerance = 0.10
)

func latencyRatio(p *Peer) float64 {
	if p.LatencyMs < 0 {
		return math.Inf(1)
	}
	return float64(p.LatencyMs) / float64(LatencyCeiling.Milliseconds())
}

// Less reports whether a should receive the next task before b.
//
// Peers at or beyond the ceiling never beat peers below it. Below the
// ceiling a lower latency ratio wins, except that ratios closer than
// RecencyTolerance give the turn to the less recently used peer. Among
// peers at or beyond the ceiling the lower latency wins and unreachable
// peers come last.
func Less(a, b *Peer) bool {
	ra, rb := latencyRatio(a), latencyRatio(b)
	aOver, bOver := ra >= 1, rb >= 1

	switch {
	case aOver && bOver:
		if a.Reachable() != b.Reachable() {
			return a.Reachable()
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.LastUsedAt.Before(b.LastUsedAt)
	case aOver:
		return false
	case bOver:
		return true
	}

	if math.Abs(ra-rb) < RecencyTolerance && !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	return ra < rb
}

// Directory is the ranked set of known peers. A single mutex guards the
// ordering so re-ranking is atomic with respect to concurrent readers.
type Directory struct {
	mu    sync.Mutex
	peers []*Peer
	now   func() time.Time
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{now: time.Now}
}

// rank must be called with mu held.
func (d *Directory) rank() {
	sort.SliceStable(d.peers, func(i, j int) bool {
		return Less(d.peers[i], d.peers[j])
	})
}

func (d *Directory) find(addr string) (int, *Peer) {
	for i, p := range d.peers {
		if p.Address == addr {
			return i, p
		}
	}
	return -1, nil
}

// Add records a peer that answered a probe with the given latency. An
// existing entry only has its latency refreshed. Unreachable peers are
// never added. Reports whether a new entry was created.
func (d *Directory) Add(addr string, latencyMs int64) bool {
	if latencyMs < 0 || addr == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, p := d.find(addr); p != nil {
		p.LatencyMs = latencyMs
		p.Failures = 0
		d.rank()
		return false
	}
	d.peers = append(d.peers, &Peer{
		Address:   addr,
		LatencyMs: latencyMs,
		AddedAt:   d.now(),
	})
	d.rank()
	return true
}

// Select returns the best ranked peer and marks it used, which re-ranks it
// against the others.
func (d *Directory) Select() (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.peers) == 0 {
		return Peer{}, false
	}
	d.rank()
	best := d.peers[0]
	best.LastUsedAt = d.now()
	d.rank()
	return *best, true
}

// Refresh stores a new latency for addr and re-ranks. A negative latency
// counts as a consecutive failure.
func (d *Directory) Refresh(addr string, latencyMs int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, p := d.find(addr)
	if p == nil {
		return false
	}
	p.LatencyMs = latencyMs
	if latencyMs < 0 {
		p.Failures++
	} else {
		p.Failures = 0
	}
	d.rank()
	return true
}

// Remove drops addr from the directory
func (d *Directory) Remove(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, p := d.find(addr)
	if p == nil {
		return false
	}
	d.peers = append(d.peers[:i], d.peers[i+1:]...)
	return true
}

// PruneUnreachable removes peers whose consecutive failures reached
// maxFailures and returns their addresses. maxFailures <= 0 prunes nothing.
func (d *Directory) PruneUnreachable(maxFailures int) []string {
	if maxFailures <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	kept := d.peers[:0]
	for _, p := range d.peers {
		if p.Failures >= maxFailures {
			removed = append(removed, p.Address)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(d.peers); i++ {
		d.peers[i] = nil
	}
	d.peers = kept
	return removed
}

// Get returns a copy of the peer at addr
func (d *Directory) Get(addr string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, p := d.find(addr); p != nil {
		return *p, true
	}
	return Peer{}, false
}

// List returns the peers in rank order
func (d *Directory) List() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Peer, len(d.peers))
	for i, p := range d.peers {
		out[i] = *p
	}
	return out
}

// Len returns the number of peers
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}
