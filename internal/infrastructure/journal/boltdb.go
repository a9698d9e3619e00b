// Package journal persists workflow run states in BoltDB so a restarted
// process can see how far every run got.
package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/usecase/bootstrap"
)

// Store wraps BoltDB; one key per workflow id, the latest run wins.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

// Open initializes the BoltDB file and ensures the bucket exists.
func Open(path string, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = "workflows"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		bucket: []byte(bucket),
	}, nil
}

func (s *Store) Save(ctx context.Context, state bootstrap.RunState) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(state.WorkflowID), payload)
	})
}

func (s *Store) Get(ctx context.Context, workflowID string) (*bootstrap.RunState, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var state *bootstrap.RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(workflowID))
		if v == nil {
			return domain.ErrWorkflowNotFound
		}
		state = &bootstrap.RunState{}
		return json.Unmarshal(v, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListRunning returns runs that never reached a terminal status, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]bootstrap.RunState, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var out []bootstrap.RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			var state bootstrap.RunState
			if err := json.Unmarshal(v, &state); err != nil {
				return nil
			}
			if state.Status == bootstrap.RunRunning {
				out = append(out, state)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, err
}

// Size returns the number of journaled workflows.
func (s *Store) Size() (int, error) {
	if s == nil || s.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return count, err
}

// Cleanup removes finished runs older than the provided timestamp and
// returns how many were dropped.
func (s *Store) Cleanup(olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var state bootstrap.RunState
			if err := json.Unmarshal(v, &state); err != nil {
				continue
			}
			if state.FinishedAt != nil && state.FinishedAt.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Close closes the Bolt database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats exposes Bolt statistics for monitoring endpoints.
func (s *Store) Stats() bolt.Stats {
	if s == nil || s.db == nil {
		return bolt.Stats{}
	}
	return s.db.Stats()
}

var _ bootstrap.Journal = (*Store)(nil)
