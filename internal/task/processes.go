package task

import (
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrProcessNotFound = errors.New("no process registered for service id")

// Processes tracks locally originated tasks that are waiting for a Return.
type Processes struct {
	mu     sync.RWMutex
	bySUID map[string]Task
}

// NewProcesses creates an empty process registry.
func NewProcesses() *Processes {
	return &Processes{bySUID: make(map[string]Task)}
}

// Register records t under its service-unique ID.
func (p *Processes) Register(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bySUID[t.ServiceID()] = t
}

// Unregister forgets the task registered under suid.
func (p *Processes) Unregister(suid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bySUID, suid)
}

// LookupBySUID returns the task waiting under suid.
func (p *Processes) LookupBySUID(suid string) (Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.bySUID[suid]
	return t, ok
}

// Len returns the number of waiting tasks.
func (p *Processes) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bySUID)
}

// Deliver hands ret to the task registered under its service ID. The
// registration is taken out before the task sees the Return, so at most one
// Return is accepted per service ID even when several arrive at once.
func (p *Processes) Deliver(ret *Return) error {
	p.mu.Lock()
	t, ok := p.bySUID[ret.ServiceID]
	delete(p.bySUID, ret.ServiceID)
	p.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrProcessNotFound, "%s", ret.ServiceID)
	}
	receiver, ok := t.(ReturnReceiver)
	if !ok {
		return errors.Newf("process %s (%s) does not accept returns", t.Name(), ret.ServiceID)
	}
	if err := receiver.AcceptReturn(ret); err != nil {
		return errors.Wrapf(err, "process %s rejected return", t.Name())
	}
	return nil
}
