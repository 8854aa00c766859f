package aggregate

import (
	"sync"

	"github.com/gogpu/gpures/gpucore"
)

// pendingWrite is one staged upload.
type pendingWrite struct {
	buffer gpucore.BufferID
	offset uint64
	data   []byte
}

// stager batches CPU to GPU uploads. Consecutive writes that are contiguous
// in the same buffer are merged into one device write; writes at or above
// the direct threshold bypass staging.
type stager struct {
	mu        sync.Mutex
	dev       gpucore.Device
	threshold int
	pending   []pendingWrite
	merged    int
}

func newStager(dev gpucore.Device, threshold int) *stager {
	return &stager{dev: dev, threshold: threshold}
}

// write stages data for buffer at offset. The bytes are copied.
func (s *stager) write(buf gpucore.BufferID, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) >= s.threshold {
		if err := s.flushLocked(); err != nil {
			return err
		}
		return s.dev.WriteBuffer(buf, offset, data)
	}

	if n := len(s.pending); n > 0 {
		last := &s.pending[n-1]
		if last.buffer == buf && last.offset+uint64(len(last.data)) == offset {
			last.data = append(last.data, data...)
			s.merged++
			return nil
		}
	}
	s.pending = append(s.pending, pendingWrite{
		buffer: buf,
		offset: offset,
		data:   append([]byte(nil), data...),
	})
	return nil
}

// flush issues every staged write in order.
func (s *stager) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *stager) flushLocked() error {
	pending := s.pending
	s.pending = nil
	for _, w := range pending {
		if err := s.dev.WriteBuffer(w.buffer, w.offset, w.data); err != nil {
			return err
		}
	}
	return nil
}

// discard drops staged writes that target buf.
func (s *stager) discard(buf gpucore.BufferID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, w := range s.pending {
		if w.buffer != buf {
			kept = append(kept, w)
		}
	}
	s.pending = kept
}

// stats returns the number of staged writes and how many merges happened.
func (s *stager) stats() (pending, merged int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), s.merged
}
