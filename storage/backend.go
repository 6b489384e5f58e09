package storage

import (
	"encoding/binary"
	"errors"
)

var (
	ErrClosed = errors.New("storage: backend is closed")
	// ErrStopIteration ends Iterate early without reporting an error.
	ErrStopIteration = errors.New("storage: stop iteration")
)

// Backend is an ordered key value store used to spill rows and bounds that do
// not fit in memory. Iterate visits keys in ascending byte order.
type Backend interface {
	NewWriter() Writer
	Get(key []byte) ([]byte, bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Writer batches puts. Nothing is visible to readers until Flush returns.
type Writer interface {
	Put(key, value []byte) error
	Flush() error
	Cancel()
}

// LengthPrefixed returns len(part) as a big endian uint32 followed by part.
// Keys built from it sort by prefix length first, then by content.
func LengthPrefixed(dst, part []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(part)))
	return append(dst, part...)
}

// SplitLengthPrefixed undoes LengthPrefixed and returns the rest of key.
func SplitLengthPrefixed(key []byte) (part, rest []byte, err error) {
	if len(key) < 4 {
		return nil, nil, errShortKey
	}
	n := binary.BigEndian.Uint32(key[:4])
	if uint64(len(key)-4) < uint64(n) {
		return nil, nil, errShortKey
	}
	return key[4 : 4+n], key[4+n:], nil
}

var errShortKey = errors.New("storage: malformed length prefixed key")
