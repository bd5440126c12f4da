package cluster

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

const maxDependencies = 1024

// offerUnit announces the checksum of k and, when the peer answers
// NONEXIST, sends each dependency followed by the main unit. Reports
// whether unit bytes crossed the wire.
func (m *Manager) offerUnit(c *wire.Conn, k *task.Kind) (bool, error) {
	if err := c.WriteInt(int64(k.Checksum())); err != nil {
		return false, err
	}
	tok, err := c.ReadToken()
	if err != nil {
		return false, err
	}
	switch tok {
	case wire.TokenExists:
		return false, nil
	case wire.TokenNonexist:
	default:
		return false, errors.Wrapf(wire.ErrDesync, "expected %s or %s, got %q", wire.TokenExists, wire.TokenNonexist, tok)
	}

	if err := c.WriteInt(int64(len(k.Deps))); err != nil {
		return true, err
	}
	for _, d := range k.Deps {
		if err := c.WriteToken(d.Name); err != nil {
			return true, err
		}
		if err := c.WriteToken(d.Package); err != nil {
			return true, err
		}
		if err := c.WriteInt(int64(len(d.Code))); err != nil {
			return true, err
		}
		if err := c.SendChannel(d.Code); err != nil {
			return true, errors.Wrapf(err, "send dependency %s", d.QualifiedName())
		}
	}

	if err := c.WriteInt(int64(len(k.Unit.Code))); err != nil {
		return true, err
	}
	if err := c.WriteToken(k.Unit.QualifiedName()); err != nil {
		return true, err
	}
	if err := c.WriteToken(k.Unit.Package); err != nil {
		return true, err
	}
	if err := c.SendChannel(k.Unit.Code); err != nil {
		return true, errors.Wrapf(err, "send unit %s", k.Name())
	}
	return true, nil
}

// acceptUnit reads an announced checksum and resolves it through the code
// cache. Unit bytes are requested only on a miss; concurrent submissions of
// the same checksum wait for one transfer.
func (m *Manager) acceptUnit(c *wire.Conn) (*task.Kind, error) {
	sum, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	if sum < 0 || sum > math.MaxUint32 {
		return nil, errors.Wrapf(wire.ErrDesync, "checksum %d out of range", sum)
	}
	checksum := uint32(sum)

	fetched := false
	k, _, err := m.cache.LookupOrRegister(checksum, func() (*task.Kind, error) {
		fetched = true
		if err := c.WriteToken(wire.TokenNonexist); err != nil {
			return nil, err
		}
		main, deps, err := receiveUnits(c)
		if err != nil {
			return nil, err
		}
		return m.kinds.Realize(checksum, main, deps)
	})
	if err != nil {
		m.metrics.RecordCodeNegotiation("failed")
		return nil, err
	}
	if !fetched {
		// cached, or realized by a concurrent submission
		if err := c.WriteToken(wire.TokenExists); err != nil {
			return nil, err
		}
		m.metrics.RecordCodeNegotiation("exists")
		return k, nil
	}
	m.metrics.RecordCodeNegotiation("transferred")
	return k, nil
}

func receiveUnits(c *wire.Conn) (task.Unit, []task.Unit, error) {
	n, err := c.ReadInt()
	if err != nil {
		return task.Unit{}, nil, err
	}
	if n < 0 || n > maxDependencies {
		return task.Unit{}, nil, errors.Wrapf(wire.ErrDesync, "dependency count %d", n)
	}

	deps := make([]task.Unit, 0, n)
	for i := int64(0); i < n; i++ {
		name, err := c.ReadToken()
		if err != nil {
			return task.Unit{}, nil, err
		}
		pkg, err := c.ReadToken()
		if err != nil {
			return task.Unit{}, nil, err
		}
		code, err := receiveSized(c)
		if err != nil {
			return task.Unit{}, nil, errors.Wrapf(err, "dependency %s", name)
		}
		deps = append(deps, task.Unit{Name: name, Package: pkg, Code: code})
	}

	size, err := c.ReadInt()
	if err != nil {
		return task.Unit{}, nil, err
	}
	qualified, err := c.ReadToken()
	if err != nil {
		return task.Unit{}, nil, err
	}
	pkg, err := c.ReadToken()
	if err != nil {
		return task.Unit{}, nil, err
	}
	code, err := c.ReceiveChannel()
	if err != nil {
		return task.Unit{}, nil, err
	}
	if int64(len(code)) != size {
		return task.Unit{}, nil, errors.Wrapf(wire.ErrDesync, "unit %s announced %d bytes, got %d", qualified, size, len(code))
	}

	main := task.Unit{Name: qualified, Package: pkg, Code: code}
	if pkg != "" {
		main.Name = strings.TrimPrefix(qualified, pkg+".")
	}
	return main, deps, nil
}

// receiveSized reads a length line followed by a channel transfer of
// exactly that length.
func receiveSized(c *wire.Conn) ([]byte, error) {
	size, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	b, err := c.ReceiveChannel()
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != size {
		return nil, errors.Wrapf(wire.ErrDesync, "announced %d bytes, got %d", size, len(b))
	}
	return b, nil
}
