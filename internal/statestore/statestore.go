// Package statestore provides the connector's embedded, file-backed
// key-value persistence layer. It is durable across restarts but makes
// no cross-key atomicity guarantee beyond a single bolt transaction —
// library code recomputes its own invariants on Init rather than relying
// on the store for them.
//
// Records are addressed by (table, id) where table is a logical
// namespace (one bolt bucket) owned by exactly one component:
// ModelLibrary and RoutineLibrary each own a disjoint set of tables.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Record is the envelope every stored value is wrapped in. LastUpdatedTime
// lets callers reason about staleness without a second index.
type Record struct {
	ID              string          `json:"id"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
	Payload         json.RawMessage `json:"payload"`
}

// Store wraps a bbolt database file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state store %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

func bucket(tx *bbolt.Tx, table string, create bool) (*bbolt.Bucket, error) {
	if create {
		return tx.CreateBucketIfNotExists([]byte(table))
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, nil
	}
	return b, nil
}

// Upsert serializes value and stores it under (table, id), stamping
// LastUpdatedTime with the current time.
func (s *Store) Upsert(_ context.Context, table, id string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record %s/%s: %w", table, id, err)
	}
	rec := Record{ID: id, LastUpdatedTime: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal envelope %s/%s: %w", table, id, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Delete removes (table, id). It is not an error to delete a missing key.
func (s *Store) Delete(_ context.Context, table, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// Get fetches a single record and unmarshals its payload into dst.
// Returns false if the key does not exist.
func (s *Store) Get(_ context.Context, table, id string, dst any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal envelope %s/%s: %w", table, id, err)
		}
		if dst != nil {
			if err := json.Unmarshal(rec.Payload, dst); err != nil {
				return fmt.Errorf("unmarshal payload %s/%s: %w", table, id, err)
			}
		}
		found = true
		return nil
	})
	return found, err
}

// ScanFunc is called once per record found by ScanTable. Returning a
// non-nil error aborts the scan.
type ScanFunc func(id string, lastUpdatedTime time.Time, payload json.RawMessage) error

// ScanTable iterates every record in table in key order.
func (s *Store) ScanTable(_ context.Context, table string, fn ScanFunc) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, table, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal envelope %s/%s: %w", table, string(k), err)
			}
			return fn(rec.ID, rec.LastUpdatedTime, rec.Payload)
		})
	})
}

// ExtractionRange is the cursor/time-window bookkeeping RoutineLibrary
// persists between restarts so a full re-list isn't needed after a
// restart.
type ExtractionRange struct {
	Cursor        string    `json:"cursor,omitempty"`
	LastUpdatedTo time.Time `json:"lastUpdatedTo"`
}

const extractionRangeTable = "extraction_range"

// RestoreExtractedRange loads the persisted extraction range for scope, or
// the zero value if none was ever saved.
func (s *Store) RestoreExtractedRange(ctx context.Context, scope string) (ExtractionRange, error) {
	var r ExtractionRange
	_, err := s.Get(ctx, extractionRangeTable, scope, &r)
	return r, err
}

// SaveExtractedRange persists the extraction range for scope.
func (s *Store) SaveExtractedRange(ctx context.Context, scope string, r ExtractionRange) error {
	return s.Upsert(ctx, extractionRangeTable, scope, r)
}
