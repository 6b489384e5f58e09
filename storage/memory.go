package storage

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

var (
	_ = (Backend)(&MemoryBackend{})
)

// MemoryBackend keeps everything in a map. It backs small runs and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) NewWriter() Writer {
	return &memoryWriter{backend: m}
}

func (m *MemoryBackend) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *MemoryBackend) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		m.mu.RLock()
		v := m.data[k]
		m.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

type memoryWriter struct {
	backend *MemoryBackend
	pending map[string][]byte
}

func (w *memoryWriter) Put(key, value []byte) error {
	if w.pending == nil {
		w.pending = make(map[string][]byte)
	}
	w.pending[string(key)] = bytes.Clone(value)
	return nil
}

func (w *memoryWriter) Flush() error {
	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()
	if w.backend.closed {
		return ErrClosed
	}
	for k, v := range w.pending {
		w.backend.data[k] = v
	}
	w.pending = nil
	return nil
}

func (w *memoryWriter) Cancel() {
	w.pending = nil
}
