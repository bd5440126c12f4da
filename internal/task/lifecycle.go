package task

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var ErrAlreadyRunning = errors.New("task already running")

// Lifecycle implements the identity, I/O and run/halt parts of Task.
// Concrete tasks embed it and call Launch from Start. Its exported fields
// are part of the task's serialized state.
type Lifecycle struct {
	ID         string `json:"id"`
	SUID       string `json:"suid"`
	OriginAddr string `json:"origin,omitempty"`

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	err     error
	out     io.Writer
	in      io.Reader
}

// InitIdentity assigns fresh process and service IDs if unset.
func (l *Lifecycle) InitIdentity() {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.SUID == "" {
		l.SUID = uuid.NewString()
	}
}

func (l *Lifecycle) UniqueID() string  { return l.ID }
func (l *Lifecycle) ServiceID() string { return l.SUID }
func (l *Lifecycle) Origin() string    { return l.OriginAddr }

func (l *Lifecycle) SetOrigin(addr string) {
	l.OriginAddr = addr
}

// Launch runs body in its own goroutine. The context passed to body is
// cancelled by Halt; stopping is up to body.
func (l *Lifecycle) Launch(body func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.err = nil
	l.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("task panicked: %v", r)
			}
			l.finish(err)
		}()
		err = body(ctx)
	}()
	return nil
}

func (l *Lifecycle) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = false
	if err != nil && !errors.Is(err, context.Canceled) {
		l.err = err
	}
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Lifecycle) Halt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Lifecycle) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// ReInitialize clears run state left over from serialization. Identity and
// origin are kept.
func (l *Lifecycle) ReInitialize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.cancel = nil
	l.err = nil
	l.out = nil
	l.in = nil
}

func (l *Lifecycle) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Lifecycle) SetInput(r io.Reader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = r
}

// Output returns the bound output, or io.Discard when none is set.
func (l *Lifecycle) Output() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return io.Discard
	}
	return l.out
}

// Input returns the bound input, or an empty reader when none is set.
func (l *Lifecycle) Input() io.Reader {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.in == nil {
		return eofReader{}
	}
	return l.in
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
