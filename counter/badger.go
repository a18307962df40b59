package counter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Attempts before a conflicting transaction is reported as unavailable.
const badgerMaxConflicts = 64

// BadgerStore keeps counters in an embedded Badger database. Counts survive
// process restarts but the database is owned by a single process; use
// RedisStore to share a stream name across processes.
//
// Atomicity comes from Badger's optimistic transactions: a conflicting
// transaction is retried from scratch.
type BadgerStore struct {
	db *badger.DB
}

type BadgerConfig struct {
	// Dir is the database directory. Empty means in-memory.
	Dir    string
	Logger *zap.Logger
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", cfg.Dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) update(op, name string, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxConflicts; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return unavailable(op, name, err)
	}
	return nil
}

func (s *BadgerStore) IncrBy(ctx context.Context, name string, by int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	var next int64
	err := s.update("incrby", name, func(txn *badger.Txn) error {
		cur, err := readInt(txn, name)
		if err != nil {
			return err
		}
		next = cur + by
		return txn.Set([]byte(name), encodeInt(next))
	})
	return next, err
}

func (s *BadgerStore) Exchange(ctx context.Context, name string, value int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	var prev int64
	err := s.update("exchange", name, func(txn *badger.Txn) error {
		cur, err := readInt(txn, name)
		if err != nil {
			return err
		}
		prev = cur
		return txn.Set([]byte(name), encodeInt(value))
	})
	return prev, err
}

func (s *BadgerStore) GetAll(ctx context.Context, prefix string) (map[string]int64, error) {
	out := make(map[string]int64)
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				n, err := decodeInt(val)
				if err != nil {
					return fmt.Errorf("counter %q: %w", key, err)
				}
				out[key[len(prefix):]] = n
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("getall", prefix, err)
	}
	return out, nil
}

func (s *BadgerStore) Reset(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	return s.update("reset", name, func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readInt(txn *badger.Txn, name string) (int64, error) {
	item, err := txn.Get([]byte(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		var derr error
		n, derr = decodeInt(val)
		return derr
	})
	return n, err
}

func encodeInt(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad counter encoding: %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
