package outlier

import (
	"encoding/binary"
	"errors"
	"math"

	"groupstat-go/storage"
	"groupstat-go/value"

	"github.com/dgraph-io/ristretto"
)

var (
	_ = (BoundsMap)(&memoryBounds{})
	_ = (BoundsMap)(&spilledBounds{})
)

var errBadInterval = errors.New("outlier: malformed stored interval")

// Interval is the closed range [Lower, Upper] of accepted values.
type Interval struct {
	Lower float64
	Upper float64
}

func (iv Interval) Contains(x float64) bool {
	return x >= iv.Lower && x <= iv.Upper
}

// BoundsMap maps a group and column to its interval. A missing entry means the
// pair has no bound.
type BoundsMap interface {
	Get(key value.GroupKey, column string) (Interval, bool, error)
	// Range visits every entry, in insertion order for the in-memory map and
	// in key order for the spilled one.
	Range(fn func(key value.GroupKey, column string, iv Interval) error) error
	Len() int
	Close() error
}

// boundsWriter is the build side shared by both maps.
type boundsWriter interface {
	put(key value.GroupKey, column string, iv Interval) error
	done() (BoundsMap, error)
	cancel()
}

type groupBounds struct {
	key  value.GroupKey
	cols map[string]Interval
	// column insertion order
	order []string
}

type memoryBounds struct {
	groups map[string]*groupBounds
	order  []*groupBounds
	n      int
}

func newMemoryBounds() *memoryBounds {
	return &memoryBounds{groups: make(map[string]*groupBounds)}
}

func (m *memoryBounds) put(key value.GroupKey, column string, iv Interval) error {
	g, ok := m.groups[key.Encoded()]
	if !ok {
		g = &groupBounds{key: key, cols: make(map[string]Interval)}
		m.groups[key.Encoded()] = g
		m.order = append(m.order, g)
	}
	if _, ok := g.cols[column]; !ok {
		g.order = append(g.order, column)
		m.n++
	}
	g.cols[column] = iv
	return nil
}

func (m *memoryBounds) done() (BoundsMap, error) { return m, nil }
func (m *memoryBounds) cancel()                  {}

func (m *memoryBounds) Get(key value.GroupKey, column string) (Interval, bool, error) {
	g, ok := m.groups[key.Encoded()]
	if !ok {
		return Interval{}, false, nil
	}
	iv, ok := g.cols[column]
	return iv, ok, nil
}

func (m *memoryBounds) Range(fn func(key value.GroupKey, column string, iv Interval) error) error {
	for _, g := range m.order {
		for _, c := range g.order {
			if err := fn(g.key, c, g.cols[c]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memoryBounds) Len() int     { return m.n }
func (m *memoryBounds) Close() error { return nil }

/*
Spilled bounds layout
┌──────────────────────────────────────────────┐
│ key:   uint32 len | encoded group key | column name
│ value: lower float64 bits | upper float64 bits (BE)
└──────────────────────────────────────────────┘
*/
type spilledBounds struct {
	backend storage.Backend
	writer  storage.Writer
	cache   *ristretto.Cache
	n       int
	closed  bool
}

func newSpilledBounds(backend storage.Backend) (*spilledBounds, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16, // entries
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &spilledBounds{backend: backend, writer: backend.NewWriter(), cache: cache}, nil
}

func boundsKey(key value.GroupKey, column string) []byte {
	k := storage.LengthPrefixed(make([]byte, 0, 4+len(key.Encoded())+len(column)), []byte(key.Encoded()))
	return append(k, column...)
}

func (s *spilledBounds) put(key value.GroupKey, column string, iv Interval) error {
	buf := make([]byte, 0, 16)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(iv.Lower))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(iv.Upper))
	s.n++
	return s.writer.Put(boundsKey(key, column), buf)
}

func (s *spilledBounds) done() (BoundsMap, error) {
	if err := s.writer.Flush(); err != nil {
		return nil, err
	}
	s.writer = nil
	return s, nil
}

func (s *spilledBounds) cancel() {
	if s.writer != nil {
		s.writer.Cancel()
	}
	_ = s.Close()
}

func decodeInterval(v []byte) (Interval, error) {
	if len(v) != 16 {
		return Interval{}, errBadInterval
	}
	return Interval{
		Lower: math.Float64frombits(binary.BigEndian.Uint64(v[:8])),
		Upper: math.Float64frombits(binary.BigEndian.Uint64(v[8:])),
	}, nil
}

func (s *spilledBounds) Get(key value.GroupKey, column string) (Interval, bool, error) {
	k := boundsKey(key, column)
	if cached, ok := s.cache.Get(k); ok {
		return cached.(Interval), true, nil
	}
	v, ok, err := s.backend.Get(k)
	if err != nil || !ok {
		return Interval{}, false, err
	}
	iv, err := decodeInterval(v)
	if err != nil {
		return Interval{}, false, err
	}
	s.cache.Set(k, iv, 1)
	return iv, true, nil
}

func (s *spilledBounds) Range(fn func(key value.GroupKey, column string, iv Interval) error) error {
	return s.backend.Iterate(nil, func(k, v []byte) error {
		enc, column, err := storage.SplitLengthPrefixed(k)
		if err != nil {
			return err
		}
		gk, err := value.DecodeGroupKey(enc)
		if err != nil {
			return err
		}
		iv, err := decodeInterval(v)
		if err != nil {
			return err
		}
		return fn(gk, string(column), iv)
	})
}

func (s *spilledBounds) Len() int { return s.n }

func (s *spilledBounds) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Close()
	return s.backend.Close()
}
