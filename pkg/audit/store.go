package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	s/<session>          -> Summary
//	r/<session>/<seq BE> -> Record
const (
	prefixSummary = "s/"
	prefixRecord  = "r/"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("audit: session not found")

// Store persists audit sessions in BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens or creates a store in dir.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory returns a store that keeps everything in memory.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(session string, seq uint64) []byte {
	k := make([]byte, 0, len(prefixRecord)+len(session)+1+8)
	k = append(k, prefixRecord...)
	k = append(k, session...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

func summaryKey(session string) []byte {
	return []byte(prefixSummary + session)
}

// encode converts a value to gob bytes. gob keeps time.Time and the integer
// widths intact.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// Append stores one record.
func (s *Store) Append(r Record) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r.Session, r.Seq), data)
	})
}

// PutSummary stores the final summary of a session.
func (s *Store) PutSummary(sum Summary) error {
	data, err := encode(sum)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(sum.Session), data)
	})
}

// Summary returns the stored summary of session.
func (s *Store) Summary(session string) (Summary, error) {
	var sum Summary
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(session))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, session)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return decode(v, &sum) })
	})
	return sum, err
}

// Sessions returns the summaries of every closed session, oldest first.
func (s *Store) Sessions() ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSummary)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sum Summary
			if err := it.Item().Value(func(v []byte) error { return decode(v, &sum) }); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// Records returns the records of session in sequence order. A session that
// was never closed still has its records.
func (s *Store) Records(session string) ([]Record, error) {
	prefix := []byte(prefixRecord + session + "/")
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r Record
			if err := it.Item().Value(func(v []byte) error { return decode(v, &r) }); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Unfinished returns the IDs of sessions with records but no summary, as
// left by a process that exited without closing its ledger.
func (s *Store) Unfinished() ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			rest := key[len(prefixRecord):]
			if len(rest) < 9 {
				continue
			}
			id := string(rest[:len(rest)-9])
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := txn.Get(summaryKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
				ids = append(ids, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}
