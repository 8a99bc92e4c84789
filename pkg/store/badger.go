package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"sessionbus/pkg/message"
)

const badgerPrefix = "sched:"

// Badger keeps one key per pending event: "sched:<due unix nanos>:<id>", so
// iteration yields events in due order. An empty path runs in memory.
type Badger struct {
	db   *badger.DB
	opts Options
}

func OpenBadger(path string, opts Options) (*Badger, error) {
	badgerOpts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Badger{db: db, opts: opts.withDefaults()}, nil
}

func (s *Badger) Close() error { return s.db.Close() }

func badgerKey(record Record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", badgerPrefix, record.ScheduledTime.UnixNano(), record.ID))
}

func (s *Badger) Save(_ context.Context, events []message.Scheduled) error {
	records, err := encodeRecords(s.opts.Codec, events)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, record := range records {
			buf, err := s.opts.Codec.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", record.ID, err)
			}
			if err := txn.Set(badgerKey(record), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Badger) LoadAndClear(ctx context.Context) ([]message.Scheduled, error) {
	var records []Record
	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		var err error
		records, keys, err = s.scan(txn)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load badger events: %w", err)
	}

	return decodeRecords(ctx, s.opts.Logger, s.opts.Codec, records), nil
}

func (s *Badger) Peek(ctx context.Context) ([]message.Scheduled, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		records, _, err = s.scan(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("peek badger events: %w", err)
	}

	return decodeRecords(ctx, s.opts.Logger, s.opts.Codec, records), nil
}

func (s *Badger) scan(txn *badger.Txn) ([]Record, [][]byte, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var (
		records []Record
		keys    [][]byte
	)
	prefix := []byte(badgerPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()

		var record Record
		if err := item.Value(func(val []byte) error {
			return s.opts.Codec.Unmarshal(val, &record)
		}); err != nil {
			return nil, nil, fmt.Errorf("decode record %s: %w", item.Key(), err)
		}

		records = append(records, record)
		keys = append(keys, item.KeyCopy(nil))
	}

	return records, keys, nil
}
