package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	bpfringbuf "github.com/cilium/ebpf/ringbuf"
)

type recordReader interface {
	Read() (bpfringbuf.Record, error)
	Close() error
}

// Source reads records from a ring buffer and hands them to a Handler on a
// single goroutine.
type Source struct {
	m       *ebpf.Map
	reader  recordReader
	handler *Handler

	closeOnce sync.Once
	running   sync.WaitGroup

	records   atomic.Uint64
	malformed atomic.Uint64
}

// Open attaches to the ring buffer pinned at pinPath.
func Open(pinPath string, h *Handler) (*Source, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned map %s: %w", pinPath, err)
	}
	if m.Type() != ebpf.RingBuf {
		m.Close()
		return nil, fmt.Errorf("pinned map %s is a %s, not a ring buffer", pinPath, m.Type())
	}
	r, err := bpfringbuf.NewReader(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create ring buffer reader: %w", err)
	}
	s := newSource(r, h)
	s.m = m
	return s, nil
}

func newSource(r recordReader, h *Handler) *Source {
	return &Source{reader: r, handler: h}
}

// Run dispatches records until ctx is cancelled or Close is called. Every
// dispatcher call made by Run has returned by the time Run returns.
func (s *Source) Run(ctx context.Context) error {
	s.running.Add(1)
	defer s.running.Done()

	stop := context.AfterFunc(ctx, s.closeReader)
	defer stop()

	for {
		rec, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, bpfringbuf.ErrClosed) {
				return nil
			}
			slog.Debug("Ring buffer read error", "error", err)
			continue
		}
		s.records.Add(1)
		if err := s.handler.HandleSample(rec.RawSample); err != nil {
			s.malformed.Add(1)
			slog.Debug("Dropping ring buffer record", "error", err)
		}
	}
}

func (s *Source) closeReader() {
	s.closeOnce.Do(func() {
		if err := s.reader.Close(); err != nil {
			slog.Warn("Error closing ring buffer reader", "error", err)
		}
	})
}

// Close stops reading and waits for the record in flight, if any.
func (s *Source) Close() error {
	s.closeReader()
	s.running.Wait()
	if s.m != nil {
		if err := s.m.Close(); err != nil {
			return fmt.Errorf("failed to close ring buffer map: %w", err)
		}
	}
	return nil
}

// Records counts samples read from the ring buffer.
func (s *Source) Records() uint64 { return s.records.Load() }

// Malformed counts samples that could not be decoded or routed.
func (s *Source) Malformed() uint64 { return s.malformed.Load() }
