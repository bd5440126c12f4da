package task

import (
	"hash/crc32"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownUnit      = errors.New("unknown executable unit")
	ErrChecksumMismatch = errors.New("executable unit checksum mismatch")
	ErrDuplicateKind    = errors.New("kind already registered")
	ErrInvalidKind      = errors.New("invalid kind")
)

// Unit is an identified block of code. Go cannot load code at runtime, so
// Code holds the implementation descriptor of a kind that every node has
// compiled in; the checksum still addresses it by content.
type Unit struct {
	Name    string
	Package string
	Code    []byte
}

// QualifiedName returns package.name.
func (u Unit) QualifiedName() string {
	if u.Package == "" {
		return u.Name
	}
	return u.Package + "." + u.Name
}

// Checksum is the CRC-32 (IEEE) of the unit's bytes. Units with equal
// checksums are treated as interchangeable.
func (u Unit) Checksum() uint32 {
	return crc32.ChecksumIEEE(u.Code)
}

// Kind is a realized executable unit: the code plus its dependencies and a
// factory producing fresh task values to decode state into.
type Kind struct {
	Unit Unit
	Deps []Unit
	New  func() Task
}

// Name returns the qualified name of the kind's main unit.
func (k *Kind) Name() string {
	return k.Unit.QualifiedName()
}

// Checksum returns the checksum of the kind's main unit.
func (k *Kind) Checksum() uint32 {
	return k.Unit.Checksum()
}

// Instantiate creates a task of this kind from serialized state.
func (k *Kind) Instantiate(state []byte) (Task, error) {
	t := k.New()
	if t == nil {
		return nil, errors.Wrapf(ErrInvalidKind, "%s factory returned nil", k.Name())
	}
	if err := t.UnmarshalState(state); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s state", k.Name())
	}
	return t, nil
}

// Kinds is the registry of task implementations known to this node.
type Kinds struct {
	mu     sync.RWMutex
	byName map[string]*Kind
}

// NewKinds creates an empty registry.
func NewKinds() *Kinds {
	return &Kinds{byName: make(map[string]*Kind)}
}

// Register adds a kind. Registering the same name twice with a different
// checksum is an error; re-registering an identical kind is a no-op.
func (ks *Kinds) Register(k *Kind) error {
	if k == nil || k.Unit.Name == "" || k.New == nil {
		return ErrInvalidKind
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if existing, ok := ks.byName[k.Name()]; ok {
		if existing.Checksum() == k.Checksum() {
			return nil
		}
		return errors.Wrapf(ErrDuplicateKind, "%s", k.Name())
	}
	ks.byName[k.Name()] = k
	return nil
}

// Lookup returns the kind registered under a qualified name.
func (ks *Kinds) Lookup(name string) (*Kind, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.byName[name]
	return k, ok
}

// Names returns the registered qualified names, sorted.
func (ks *Kinds) Names() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	names := make([]string, 0, len(ks.byName))
	for name := range ks.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Realize turns received unit bytes into a local kind. The bytes must hash
// to checksum, and a kind with the same name, checksum and dependency set
// must be registered locally.
func (ks *Kinds) Realize(checksum uint32, main Unit, deps []Unit) (*Kind, error) {
	if main.Checksum() != checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "%s announced %08x, bytes hash to %08x",
			main.QualifiedName(), checksum, main.Checksum())
	}

	k, ok := ks.Lookup(main.QualifiedName())
	if !ok {
		return nil, errors.Wrapf(ErrUnknownUnit, "%s", main.QualifiedName())
	}
	if k.Checksum() != checksum {
		return nil, errors.Wrapf(ErrUnknownUnit, "%s version %08x, local %08x",
			main.QualifiedName(), checksum, k.Checksum())
	}

	local := make(map[string]uint32, len(k.Deps))
	for _, d := range k.Deps {
		local[d.QualifiedName()] = d.Checksum()
	}
	for _, d := range deps {
		sum, ok := local[d.QualifiedName()]
		if !ok || sum != d.Checksum() {
			return nil, errors.Wrapf(ErrUnknownUnit, "dependency %s of %s", d.QualifiedName(), main.QualifiedName())
		}
	}
	return k, nil
}
