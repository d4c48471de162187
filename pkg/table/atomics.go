package table

import (
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Max raises v to x if x is larger. Concurrent callers may briefly observe a
// value behind the true maximum, never one above it.
func Max(v *atomic.Uint64, x uint64) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// Max32 is Max for 32 bit fields.
func Max32(v *atomic.Uint32, x uint32) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// Min32 lowers v to x if x is smaller.
func Min32(v *atomic.Uint32, x uint32) {
	for {
		cur := v.Load()
		if x >= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// SubClamp subtracts x from v, stopping at zero. It returns the new value.
func SubClamp(v *atomic.Uint64, x uint64) uint64 {
	for {
		cur := v.Load()
		next := uint64(0)
		if cur > x {
			next = cur - x
		}
		if v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// HashUint32 spreads small integer keys such as pids and cpu ids.
func HashUint32(k uint32) uint64 {
	x := uint64(k)
	x ^= x >> 16
	x *= 0x45d9f3b
	x ^= x >> 16
	return x
}

// HashUint64 spreads address-like keys.
func HashUint64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// HashBytes hashes an encoded composite key.
func HashBytes(b []byte) uint64 {
	return xxh3.Hash(b)
}
