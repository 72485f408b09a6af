package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/edgerun/flotilla/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketCompleted = []byte("completed")
	bucketFailed    = []byte("failed")
)

// Outcome is one bookkeeping record: a task that either completed or was
// parked after exhausting its retries.
type Outcome struct {
	Task       types.ImageTask `json:"task"`
	DeviceID   types.DeviceID  `json:"device_id,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Store is the bbolt-backed outcome log kept under the gateway data
// directory. It is bookkeeping only; the live queue never reads from it.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the history database in dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "flotilla-history.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCompleted, bucketFailed} {
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

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCompleted appends a completion record.
func (s *Store) RecordCompleted(task types.ImageTask, deviceID types.DeviceID) error {
	return s.appendOutcome(bucketCompleted, Outcome{
		Task:       task,
		DeviceID:   deviceID,
		RecordedAt: time.Now(),
	})
}

// TaskFailed appends a failure record. It satisfies queue.FailureSink.
func (s *Store) TaskFailed(task types.ImageTask) {
	// Bookkeeping failures must never disturb the queue path.
	_ = s.appendOutcome(bucketFailed, Outcome{
		Task:       task,
		RecordedAt: time.Now(),
	})
}

func (s *Store) appendOutcome(bucket []byte, o Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Completed lists completion records in append order.
func (s *Store) Completed() ([]Outcome, error) {
	return s.list(bucketCompleted)
}

// Failed lists failure records in append order.
func (s *Store) Failed() ([]Outcome, error) {
	return s.list(bucketFailed)
}

func (s *Store) list(bucket []byte) ([]Outcome, error) {
	var out []Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var o Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	return out, err
}
