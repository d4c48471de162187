package kread

import "github.com/rxtx-hosting/kernlens/pkg/hook"

// Chain tries each accessor in turn and returns the first successful read.
// Its layout is the layout of the first accessor.
type Chain []Accessor

func (c Chain) Layout() Layout {
	if len(c) == 0 {
		return GenericLayout
	}
	return c[0].Layout()
}

func (c Chain) ReadU64(ref Ref, field Field) (uint64, bool) {
	for _, a := range c {
		if v, ok := a.ReadU64(ref, field); ok {
			return v, true
		}
	}
	return 0, false
}

func (c Chain) ReadComm(ref Ref) (hook.Comm, bool) {
	for _, a := range c {
		if comm, ok := a.ReadComm(ref); ok {
			return comm, true
		}
	}
	return hook.Comm{}, false
}
