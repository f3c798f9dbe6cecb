// Package trigger is the deferred-execution gateway: it persists triggers
// that fire a callback at a future time and supports cancellation of
// triggers that have not fired yet.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTriggers = []byte("triggers")
	bucketDue      = []byte("due_index")
)

// CancelResult is the outcome of cancelling a trigger.
type CancelResult string

const (
	CancelOK           CancelResult = "cancelled"
	CancelAlreadyFired CancelResult = "already_fired"
)

// Gateway schedules deferred callbacks and cancels pending ones. Pending
// lets callers tell a trigger that will still fire apart from one that was
// claimed (or never registered), so lost callbacks can be re-registered.
type Gateway interface {
	ScheduleCallback(ctx context.Context, jobID string, at time.Time) (handle string, err error)
	Cancel(ctx context.Context, handle string) (CancelResult, error)
	Pending(ctx context.Context, handle string) (bool, error)
}

// Record is one persisted trigger.
type Record struct {
	Handle    string     `json:"handle"`
	JobID     string     `json:"job_id"`
	FireAt    time.Time  `json:"fire_at"`
	Fired     bool       `json:"fired"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BoltStore implements Gateway using BoltDB, with a time-ordered index so
// the dispatcher can claim due triggers with a bounded cursor scan.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the trigger store.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTriggers, bucketDue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// ScheduleCallback persists a trigger that fires at the given time.
func (s *BoltStore) ScheduleCallback(ctx context.Context, jobID string, at time.Time) (string, error) {
	rec := &Record{
		Handle:    uuid.New().String(),
		JobID:     jobID,
		FireAt:    at,
		CreatedAt: time.Now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger: %w", err)
		}
		if err := tx.Bucket(bucketTriggers).Put([]byte(rec.Handle), data); err != nil {
			return fmt.Errorf("failed to store trigger: %w", err)
		}
		if err := tx.Bucket(bucketDue).Put(makeIndexKey(at, rec.Handle), []byte(rec.Handle)); err != nil {
			return fmt.Errorf("failed to index trigger: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.Handle, nil
}

// Cancel removes a not-yet-fired trigger. Cancelling a trigger that already
// fired (or never existed) is a no-op reported as CancelAlreadyFired.
func (s *BoltStore) Cancel(ctx context.Context, handle string) (CancelResult, error) {
	result := CancelAlreadyFired

	err := s.db.Update(func(tx *bolt.Tx) error {
		triggers := tx.Bucket(bucketTriggers)
		data := triggers.Get([]byte(handle))
		if data == nil {
			return nil
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
		if rec.Fired {
			return nil
		}

		if err := triggers.Delete([]byte(handle)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDue).Delete(makeIndexKey(rec.FireAt, rec.Handle)); err != nil {
			return err
		}
		result = CancelOK
		return nil
	})
	if err != nil {
		return CancelAlreadyFired, err
	}
	return result, nil
}

// ClaimDue atomically marks every trigger with fire_at <= now as fired and
// returns them. A trigger is returned at most once per store lifetime: a
// crash between claiming and running the callback drops the fire, and the
// job recovery scan re-registers it. Callback handlers must be idempotent.
func (s *BoltStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	var due []*Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		triggers := tx.Bucket(bucketTriggers)
		c := tx.Bucket(bucketDue).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // remaining index entries are in the future
			}
			if limit > 0 && len(due) >= limit {
				break
			}

			data := triggers.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				c.Delete()
				continue
			}

			firedAt := now
			rec.Fired = true
			rec.FiredAt = &firedAt

			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := triggers.Put(v, updated); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			due = append(due, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// Get returns a trigger record by handle, or nil when unknown.
func (s *BoltStore) Get(ctx context.Context, handle string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTriggers).Get([]byte(handle))
		if data == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// Pending reports whether the trigger exists and has not fired yet.
func (s *BoltStore) Pending(ctx context.Context, handle string) (bool, error) {
	rec, err := s.Get(ctx, handle)
	if err != nil {
		return false, err
	}
	return rec != nil && !rec.Fired, nil
}

// PendingCount returns the number of triggers that have not fired yet.
func (s *BoltStore) PendingCount(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDue).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// makeIndexKey builds a lexically time-ordered key: fixed-width UTC
// timestamp + ":" + handle.
func makeIndexKey(t time.Time, handle string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000") + ":" + handle)
}

// parseTimestampFromKey extracts the timestamp from an index key.
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse("2006-01-02T15:04:05.000000000", s[:i])
			return ts
		}
	}
	return time.Time{}
}
