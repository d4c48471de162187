package kread

import (
	"sync/atomic"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// Safe wraps an accessor so that a fault inside it surfaces as a failed read.
type Safe struct {
	inner  Accessor
	faults atomic.Uint64
}

// NewSafe wraps a.
func NewSafe(a Accessor) *Safe {
	if s, ok := a.(*Safe); ok {
		return s
	}
	return &Safe{inner: a}
}

func (s *Safe) Layout() Layout { return s.inner.Layout() }

func (s *Safe) ReadU64(ref Ref, field Field) (v uint64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.faults.Add(1)
			v, ok = 0, false
		}
	}()
	return s.inner.ReadU64(ref, field)
}

func (s *Safe) ReadComm(ref Ref) (c hook.Comm, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.faults.Add(1)
			c, ok = hook.Comm{}, false
		}
	}()
	return s.inner.ReadComm(ref)
}

// Faults returns how many reads were turned into failures.
func (s *Safe) Faults() uint64 { return s.faults.Load() }
