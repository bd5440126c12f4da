package task

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
)

// CompletionMode tells the execution engine how a finished task hands back
// its result.
type CompletionMode int

const (
	// CompletionVoid produces nothing; the connection is closed on completion.
	CompletionVoid CompletionMode = iota
	// CompletionSynchronous reports completion on the submitting connection.
	CompletionSynchronous
	// CompletionAsynchronous produces a Return that is pushed back to the
	// origin on a new connection.
	CompletionAsynchronous
)

func (m CompletionMode) String() string {
	switch m {
	case CompletionVoid:
		return "VOID"
	case CompletionSynchronous:
		return "SYNCHRONOUS"
	case CompletionAsynchronous:
		return "ASYNCHRONOUS"
	default:
		return fmt.Sprintf("CompletionMode(%d)", int(m))
	}
}

// Priority is informational only. It does not preempt running tasks.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Ordinal returns the value sent on the wire.
func (p Priority) Ordinal() int {
	return int(p)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority maps a name or ordinal string to a Priority. Unknown values
// map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW", "low", "0":
		return PriorityLow
	case "HIGH", "high", "2":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// PriorityFromOrdinal converts a wire ordinal back into a Priority.
func PriorityFromOrdinal(n int) (Priority, error) {
	if n < int(PriorityLow) || n > int(PriorityHigh) {
		return PriorityMedium, errors.Newf("invalid priority ordinal %d", n)
	}
	return Priority(n), nil
}

// Task is a unit of work that can be shipped to a peer, run there and
// halted cooperatively. The cluster layer only drives this contract and
// never looks inside a task.
type Task interface {
	// Name is a human readable label used in logs.
	Name() string
	// Kind is the qualified name of the executable unit that realizes the task.
	Kind() string
	// UniqueID identifies this process instance.
	UniqueID() string
	// ServiceID is the service-unique ID used to route a Return home.
	ServiceID() string

	Start() error
	Halt()
	IsRunning() bool
	// Err reports why the task stopped abnormally, nil otherwise.
	Err() error
	// ReInitialize resets transient run state after the task has been
	// decoded on a new node.
	ReInitialize()

	SetOutput(w io.Writer)
	SetInput(r io.Reader)

	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error

	CompletionMode() CompletionMode
	// Return builds the result of an asynchronous task. Only called for
	// CompletionAsynchronous tasks after they stop running.
	Return() (*Return, error)

	Origin() string
	SetOrigin(addr string)
}

// ReturnReceiver is implemented by locally originated tasks that wait for
// the Return of their remote execution.
type ReturnReceiver interface {
	AcceptReturn(ret *Return) error
}

// Return is the asynchronous result of a task, routed back to its origin.
type Return struct {
	ProcessID string          `json:"process_id"`
	ServiceID string          `json:"service_id"`
	Kind      string          `json:"kind"`
	Result    json.RawMessage `json:"result"`
}

// NewReturn creates a Return carrying result for t.
func NewReturn(t Task, result interface{}) (*Return, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode result of %s", t.Name())
	}
	return &Return{
		ProcessID: t.UniqueID(),
		ServiceID: t.ServiceID(),
		Kind:      t.Kind(),
		Result:    data,
	}, nil
}

// Decode unmarshals the result state into v.
func (r *Return) Decode(v interface{}) error {
	return json.Unmarshal(r.Result, v)
}

// EncodeReturn serializes a Return for channel transfer.
func EncodeReturn(r *Return) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReturn parses a serialized Return.
func DecodeReturn(data []byte) (*Return, error) {
	var r Return
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode return")
	}
	if r.ServiceID == "" {
		return nil, errors.New("return has no service id")
	}
	return &r, nil
}
