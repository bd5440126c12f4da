package rest

import (
	"context"
	"sync"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/codecache"
	"github.com/arohanajit/Distributed-Compute/internal/task"
)

// fakeCluster implements cluster.ClusterManager in memory. Addresses in
// live answer probes.
type fakeCluster struct {
	mu      sync.Mutex
	peers   []cluster.Peer
	live    map[string]int64
	scanned int

	queueErr   error
	queued     []task.Task
	priorities []task.Priority
	broadcast  cluster.BroadcastResult
	active     []cluster.ActiveTask
	onQueue    func(task.Task)
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{live: map[string]int64{}}
}

func (f *fakeCluster) Peers() []cluster.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.Peer(nil), f.peers...)
}

func (f *fakeCluster) Peer(addr string) (cluster.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p.Address == addr {
			return p, true
		}
	}
	return cluster.Peer{}, false
}

func (f *fakeCluster) AddNode(ctx context.Context, addr string) bool {
	latency, ok := f.live[addr]
	if !ok {
		return false
	}
	if _, exists := f.Peer(addr); exists {
		return true
	}
	f.mu.Lock()
	f.peers = append(f.peers, cluster.Peer{Address: addr, LatencyMs: latency})
	f.mu.Unlock()
	return true
}

func (f *fakeCluster) RemovePeer(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.peers {
		if p.Address == addr {
			f.peers = append(f.peers[:i], f.peers[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeCluster) Ping(ctx context.Context, addr string) int64 {
	if latency, ok := f.live[addr]; ok {
		return latency
	}
	return -1
}

func (f *fakeCluster) ServiceScan(ctx context.Context) int {
	f.scanned++
	n := 0
	for addr := range f.live {
		if f.AddNode(ctx, addr) {
			n++
		}
	}
	return n
}

func (f *fakeCluster) QueueTask(ctx context.Context, t task.Task, priority task.Priority) (*cluster.Receipt, error) {
	f.mu.Lock()
	f.queued = append(f.queued, t)
	f.priorities = append(f.priorities, priority)
	f.mu.Unlock()

	if len(f.Peers()) == 0 {
		return nil, cluster.ErrNoPeers
	}
	if f.onQueue != nil {
		f.onQueue(t)
	}
	receipt := &cluster.Receipt{
		Peer:      f.Peers()[0].Address,
		ProcessID: t.UniqueID(),
		ServiceID: t.ServiceID(),
		Kind:      t.Kind(),
		CodeSent:  true,
	}
	return receipt, f.queueErr
}

func (f *fakeCluster) SendToAll(ctx context.Context, t task.Task, priority task.Priority) cluster.BroadcastResult {
	if f.broadcast == nil {
		return cluster.BroadcastResult{}
	}
	return f.broadcast
}

func (f *fakeCluster) ActiveTasks() []cluster.ActiveTask { return f.active }

func (f *fakeCluster) CacheStats() codecache.Stats {
	return codecache.Stats{Size: 2, Capacity: 256, Hits: 5, Misses: 2, Realized: 2}
}

func (f *fakeCluster) PendingReturns() int { return 1 }

func (f *fakeCluster) Kinds() []string { return []string{"builtin.Echo", "builtin.PrimeCount"} }
