package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"groupstat-go/logging"

	"github.com/dgraph-io/badger/v2"
)

var (
	_ = (Backend)(&BadgerBackend{})
	_ = (badger.Logger)(&badgerLogger{})
)

// BadgerBackend spills to a badger LSM. With an empty dir the store lives in
// memory; otherwise it gets a private temp directory that Close removes.
type BadgerBackend struct {
	db  *badger.DB
	dir string
}

func OpenBadger(spillDir string) (*BadgerBackend, error) {
	logger := &badgerLogger{log: logging.WithComponent("badger")}
	if spillDir == "" {
		db, err := badger.Open(spillOptions("", logger).WithInMemory(true))
		if err != nil {
			return nil, fmt.Errorf("open in-memory badger: %w", err)
		}
		return &BadgerBackend{db: db}, nil
	}
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(spillDir, "groupstat-spill-*")
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(spillOptions(dir, logger))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("open badger in %s: %w", dir, err)
	}
	return &BadgerBackend{db: db, dir: dir}, nil
}

// spill data is written once and read once, smaller tables keep the
// in-memory arena cheap
func spillOptions(dir string, logger badger.Logger) badger.Options {
	return badger.DefaultOptions(dir).
		WithLogger(logger).
		WithMaxTableSize(16 << 20).
		WithNumVersionsToKeep(1)
}

// Dir is the spill directory, empty for in-memory stores.
func (b *BadgerBackend) Dir() string {
	return b.dir
}

func (b *BadgerBackend) NewWriter() Writer {
	return &badgerWriter{wb: b.db.NewWriteBatch()}
}

func (b *BadgerBackend) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (b *BadgerBackend) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	err := b.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(iterOpts)
		defer iter.Close()

		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

func (b *BadgerBackend) Close() error {
	err := b.db.Close()
	if b.dir != "" {
		if rmErr := os.RemoveAll(b.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

type badgerWriter struct {
	wb *badger.WriteBatch
}

func (w *badgerWriter) Put(key, value []byte) error {
	return w.wb.Set(key, value)
}

func (w *badgerWriter) Flush() error {
	return w.wb.Flush()
}

func (w *badgerWriter) Cancel() {
	w.wb.Cancel()
}

// badgerLogger routes badger's printf style logging into slog. Info is
// demoted to debug, badger is chatty on open and close.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
