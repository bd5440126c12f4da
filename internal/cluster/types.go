package cluster

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNoPeers is returned when a task is queued while the directory is empty
	ErrNoPeers = errors.New("no peers available")
	// ErrRemoteTaskFailed is returned when the peer reports PROCESSCOMPLETION:FAILURE
	ErrRemoteTaskFailed = errors.New("remote task failed")
)

// Peer represents one cluster member in the directory
type Peer struct {
	// Address is host:port of the peer's cluster listener
	Address string `json:"address"`
	// LatencyMs is the last measured handshake plus probe round trip; -1
	// when the last ping failed
	LatencyMs int64 `json:"latency_ms"`
	// LastUsedAt is when a task was last dispatched to the peer
	LastUsedAt time.Time `json:"last_used_at"`
	// AddedAt is when the peer first answered a probe
	AddedAt time.Time `json:"added_at"`
	// Failures counts consecutive failed pings
	Failures int `json:"failures"`
}

// Reachable reports whether the last ping succeeded.
func (p Peer) Reachable() bool {
	return p.LatencyMs >= 0
}

// Receipt describes a completed dispatch
type Receipt struct {
	Peer      string        `json:"peer"`
	ProcessID string        `json:"process_id"`
	ServiceID string        `json:"service_id"`
	Kind      string        `json:"kind"`
	CodeSent  bool          `json:"code_sent"`
	Output    []string      `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// BroadcastResult maps each peer address to the outcome of its delivery;
// a nil error means the peer ran the task to completion.
type BroadcastResult map[string]error

// Failed returns the number of peers whose delivery failed.
func (r BroadcastResult) Failed() int {
	n := 0
	for _, err := range r {
		if err != nil {
			n++
		}
	}
	return n
}

// ActiveTask is a snapshot of one running task record
type ActiveTask struct {
	ProcessID string    `json:"process_id"`
	ServiceID string    `json:"service_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Mode      string    `json:"mode"`
	Priority  string    `json:"priority"`
	Origin    string    `json:"origin"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"started_at"`
}
