// Package builtin holds the task kinds every node ships with.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/arohanajit/Distributed-Compute/internal/task"
)

const pkg = "builtin"

// Shared dependency of the prime kinds.
var sieveUnit = task.Unit{
	Name:    "sieve",
	Package: pkg,
	Code:    []byte("sieve/v1: trial division up to sqrt(n), cancellation every 1024 candidates"),
}

var (
	primeCountKind = &task.Kind{
		Unit: task.Unit{Name: "PrimeCount", Package: pkg, Code: []byte("primecount/v1: count primes <= limit, report on output")},
		Deps: []task.Unit{sieveUnit},
		New:  func() task.Task { return &PrimeCount{} },
	}
	primeCountAsyncKind = &task.Kind{
		Unit: task.Unit{Name: "PrimeCountAsync", Package: pkg, Code: []byte("primecountasync/v1: count primes <= limit, return count to origin")},
		Deps: []task.Unit{sieveUnit},
		New:  func() task.Task { return NewPrimeCountAsync(0) },
	}
	echoKind = &task.Kind{
		Unit: task.Unit{Name: "Echo", Package: pkg, Code: []byte("echo/v1: write message to output")},
		New:  func() task.Task { return &Echo{} },
	}
)

// Register adds the builtin kinds to ks.
func Register(ks *task.Kinds) error {
	for _, k := range []*task.Kind{primeCountKind, primeCountAsyncKind, echoKind} {
		if err := ks.Register(k); err != nil {
			return err
		}
	}
	return nil
}

// New builds a builtin task from its kind name and JSON parameters.
func New(kind string, params json.RawMessage) (task.Task, error) {
	var t task.Task
	switch kind {
	case primeCountKind.Name(), "PrimeCount":
		t = &PrimeCount{}
	case primeCountAsyncKind.Name(), "PrimeCountAsync":
		t = NewPrimeCountAsync(0)
	case echoKind.Name(), "Echo":
		t = &Echo{}
	default:
		return nil, errors.Wrapf(task.ErrUnknownUnit, "%s", kind)
	}
	if len(params) > 0 {
		if err := t.UnmarshalState(params); err != nil {
			return nil, err
		}
	}
	if id, ok := t.(interface{ InitIdentity() }); ok {
		id.InitIdentity()
	}
	t.ReInitialize()
	return t, nil
}

func countPrimes(ctx context.Context, limit int) (int, error) {
	count := 0
	for n := 2; n <= limit; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return count, err
			}
		}
		prime := true
		for d := 2; d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			count++
		}
	}
	return count, nil
}

// PrimeCount counts primes up to Limit and writes the result to its output.
type PrimeCount struct {
	task.Lifecycle
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// NewPrimeCount creates a synchronous prime counting task.
func NewPrimeCount(limit int) *PrimeCount {
	t := &PrimeCount{Limit: limit}
	t.InitIdentity()
	return t
}

func (t *PrimeCount) Name() string                        { return "PrimeCount" }
func (t *PrimeCount) Kind() string                        { return primeCountKind.Name() }
func (t *PrimeCount) CompletionMode() task.CompletionMode { return task.CompletionSynchronous }
func (t *PrimeCount) Return() (*task.Return, error)       { return nil, nil }

func (t *PrimeCount) Start() error {
	return t.Launch(func(ctx context.Context) error {
		n, err := countPrimes(ctx, t.Limit)
		if err != nil {
			return err
		}
		t.Count = n
		_, err = fmt.Fprintf(t.Output(), "primes<=%d: %d\n", t.Limit, n)
		return err
	})
}

func (t *PrimeCount) MarshalState() ([]byte, error) { return json.Marshal(t) }

func (t *PrimeCount) UnmarshalState(data []byte) error { return json.Unmarshal(data, t) }

// PrimeCountAsync counts primes remotely and returns the count to the
// origin, where the waiting instance receives it through AcceptReturn.
type PrimeCountAsync struct {
	task.Lifecycle
	Limit int `json:"limit"`
	Count int `json:"count"`

	once   sync.Once
	result chan *task.Return
}

// NewPrimeCountAsync creates an asynchronous prime counting task.
func NewPrimeCountAsync(limit int) *PrimeCountAsync {
	t := &PrimeCountAsync{Limit: limit}
	t.InitIdentity()
	return t
}

func (t *PrimeCountAsync) Name() string                        { return "PrimeCountAsync" }
func (t *PrimeCountAsync) Kind() string                        { return primeCountAsyncKind.Name() }
func (t *PrimeCountAsync) CompletionMode() task.CompletionMode { return task.CompletionAsynchronous }

func (t *PrimeCountAsync) Start() error {
	return t.Launch(func(ctx context.Context) error {
		n, err := countPrimes(ctx, t.Limit)
		if err != nil {
			return err
		}
		t.Count = n
		return nil
	})
}

func (t *PrimeCountAsync) Return() (*task.Return, error) {
	return task.NewReturn(t, t.Count)
}

func (t *PrimeCountAsync) results() chan *task.Return {
	t.once.Do(func() { t.result = make(chan *task.Return, 1) })
	return t.result
}

// AcceptReturn stores the remote result on the originating instance.
func (t *PrimeCountAsync) AcceptReturn(ret *task.Return) error {
	var n int
	if err := ret.Decode(&n); err != nil {
		return err
	}
	t.Count = n
	select {
	case t.results() <- ret:
	default:
	}
	return nil
}

// Done yields the Return once it arrives.
func (t *PrimeCountAsync) Done() <-chan *task.Return {
	return t.results()
}

func (t *PrimeCountAsync) MarshalState() ([]byte, error) { return json.Marshal(t) }

func (t *PrimeCountAsync) UnmarshalState(data []byte) error { return json.Unmarshal(data, t) }

// Echo writes Message to its output and finishes without a result.
type Echo struct {
	task.Lifecycle
	Message string `json:"message"`
}

// NewEcho creates an echo task.
func NewEcho(msg string) *Echo {
	t := &Echo{Message: msg}
	t.InitIdentity()
	return t
}

func (t *Echo) Name() string                        { return "Echo" }
func (t *Echo) Kind() string                        { return echoKind.Name() }
func (t *Echo) CompletionMode() task.CompletionMode { return task.CompletionVoid }
func (t *Echo) Return() (*task.Return, error)       { return nil, nil }

func (t *Echo) Start() error {
	return t.Launch(func(ctx context.Context) error {
		_, err := fmt.Fprintln(t.Output(), t.Message)
		return err
	})
}

func (t *Echo) MarshalState() ([]byte, error) { return json.Marshal(t) }

func (t *Echo) UnmarshalState(data []byte) error { return json.Unmarshal(data, t) }
