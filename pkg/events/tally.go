package events

import "sync/atomic"

// Stats describes the emitter and what has been drained from it.
type Stats struct {
	Sent     uint64            `json:"sent"`
	Dropped  uint64            `json:"dropped"`
	Pending  int               `json:"pending"`
	Capacity int               `json:"capacity"`
	ByKind   map[string]uint64 `json:"by_kind,omitempty"`
}

// Stats reports the emitter counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Sent:     e.Sent(),
		Dropped:  e.Dropped(),
		Pending:  e.Pending(),
		Capacity: e.Cap(),
	}
}

// Tally counts drained events per kind.
type Tally struct {
	counts [numKinds]atomic.Uint64
}

// Count records ev.
func (t *Tally) Count(ev Event) {
	k := ev.Kind()
	if k >= numKinds {
		k = KindUnknown
	}
	t.counts[k].Add(1)
}

// Get returns the count for k.
func (t *Tally) Get(k Kind) uint64 {
	if k >= numKinds {
		return 0
	}
	return t.counts[k].Load()
}

// ByKind returns the non-zero counts keyed by kind name.
func (t *Tally) ByKind() map[string]uint64 {
	out := make(map[string]uint64)
	for k := range t.counts {
		if n := t.counts[k].Load(); n > 0 {
			out[Kind(k).String()] = n
		}
	}
	return out
}
