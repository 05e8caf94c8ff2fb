package dlq

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

// Store is the durable dead letter queue, backed by an embedded ordered
// key-value store with prefix iteration.
//
// Two logical keyspaces share one database:
//
//	dlq_events:{dest}:{table}:{ns-timestamp}:{uuid} -> encoded event batch
//	dlq_metadata:count:{dest}:{table}               -> pending event count
//
// The timestamp component is zero-padded so a prefix scan yields entries in
// insertion order. Counts are updated in the same transaction as the entries
// they describe.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

const (
	eventsPrefix = "dlq_events:"
	metaPrefix   = "dlq_metadata:count:"
)

// NewStore opens (or creates) the DLQ database at the given directory.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create DLQ directory: %w", err)
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open DLQ database: %w", err)
	}
	l := logger.With().Str("component", "dlq-store").Logger()
	l.Info().Str("path", path).Msg("DLQ store initialized")
	return &Store{db: db, logger: l}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryPrefix(destID int32, table string) []byte {
	return fmt.Appendf(nil, "%s%d:%s:", eventsPrefix, destID, table)
}

func countKey(destID int32, table string) []byte {
	return fmt.Appendf(nil, "%s%d:%s", metaPrefix, destID, table)
}

// Push appends a batch of events for a destination/table pair. The entry and
// its count update commit together.
func (s *Store) Push(destID int32, table string, events []cdc.Event) error {
	if len(events) == 0 {
		return nil
	}

	encoded, err := EncodeEvents(events)
	if err != nil {
		return fmt.Errorf("serialize events: %w", err)
	}

	key := fmt.Appendf(nil, "%s%020d:%s", entryPrefix(destID, table), time.Now().UnixNano(), uuid.New())

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, encoded); err != nil {
			return err
		}
		count, err := s.storedCount(txn, destID, table)
		if err != nil {
			return err
		}
		return s.setCount(txn, destID, table, count+len(events))
	})
	if err != nil {
		return fmt.Errorf("push DLQ entry: %w", err)
	}

	s.logger.Debug().
		Int32("dest", destID).
		Str("table", table).
		Int("events", len(events)).
		Msg("pushed events to DLQ")
	return nil
}

// PopBatch removes and returns up to limit events for a destination/table
// pair, oldest first. When an entry has to be split, the remainder is
// rewritten under its original key so ordering is preserved. Corrupt entries
// are dropped so they cannot wedge the drain.
func (s *Store) PopBatch(destID int32, table string, limit int) ([]cdc.Event, error) {
	var popped []cdc.Event

	err := s.db.Update(func(txn *badger.Txn) error {
		popped = popped[:0]

		type entry struct {
			key   []byte
			value []byte
		}
		var entries []entry

		prefix := entryPrefix(destID, table)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			entries = append(entries, entry{key: item.KeyCopy(nil), value: value})
		}
		it.Close()

		for _, e := range entries {
			if len(popped) >= limit {
				break
			}

			events, err := DecodeEvents(e.value)
			if err != nil {
				s.logger.Warn().Err(err).Str("key", string(e.key)).Msg("dropping corrupt DLQ entry")
				if err := txn.Delete(e.key); err != nil {
					return err
				}
				continue
			}
			if len(events) == 0 {
				if err := txn.Delete(e.key); err != nil {
					return err
				}
				continue
			}

			needed := limit - len(popped)
			if len(events) <= needed {
				popped = append(popped, events...)
				if err := txn.Delete(e.key); err != nil {
					return err
				}
				continue
			}

			// Entry is larger than the remaining budget: take what fits and
			// rewrite the tail under the same key.
			popped = append(popped, events[:needed]...)
			remainder, err := EncodeEvents(events[needed:])
			if err != nil {
				return fmt.Errorf("serialize remainder: %w", err)
			}
			if err := txn.Set(e.key, remainder); err != nil {
				return err
			}
			break
		}

		if len(popped) == 0 {
			return nil
		}
		count, err := s.storedCount(txn, destID, table)
		if err != nil {
			return err
		}
		count -= len(popped)
		if count < 0 {
			count = 0
		}
		return s.setCount(txn, destID, table, count)
	})
	if err != nil {
		return nil, fmt.Errorf("pop DLQ batch: %w", err)
	}

	if len(popped) > 0 {
		s.logger.Debug().
			Int32("dest", destID).
			Str("table", table).
			Int("events", len(popped)).
			Msg("popped events from DLQ")
	}
	return popped, nil
}

// IsEmpty reports whether no events are queued for a destination/table pair.
func (s *Store) IsEmpty(destID int32, table string) bool {
	return s.StoredCount(destID, table) == 0
}

// StoredCount reads the pending event count for a destination/table pair.
func (s *Store) StoredCount(destID int32, table string) int {
	var count int
	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = s.storedCount(txn, destID, table)
		return err
	})
	return count
}

// CountForDestination sums pending events across all tables of a destination.
func (s *Store) CountForDestination(destID int32) int {
	total := 0
	prefix := fmt.Appendf(nil, "%s%d:", metaPrefix, destID)
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			n, err := strconv.Atoi(string(value))
			if err != nil {
				continue
			}
			total += n
		}
		return nil
	})
	return total
}

// PendingTables lists the tables with queued events for a destination.
func (s *Store) PendingTables(destID int32) []string {
	var tables []string
	prefix := fmt.Appendf(nil, "%s%d:", metaPrefix, destID)
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			n, err := strconv.Atoi(string(value))
			if err != nil || n <= 0 {
				continue
			}
			tables = append(tables, string(bytes.TrimPrefix(item.KeyCopy(nil), prefix)))
		}
		return nil
	})
	return tables
}

func (s *Store) storedCount(txn *badger.Txn, destID int32, table string) (int, error) {
	item, err := txn.Get(countKey(destID, table))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) setCount(txn *badger.Txn, destID int32, table string, count int) error {
	key := countKey(destID, table)
	if count <= 0 {
		err := txn.Delete(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	}
	return txn.Set(key, []byte(strconv.Itoa(count)))
}
