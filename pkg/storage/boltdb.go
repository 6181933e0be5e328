// Package storage persists operator-facing history outside the Raft
// log itself: past group snapshots and cluster join tokens, so a
// "groupctl cluster history" style command has something to read even
// across restarts. It never participates in replication; the Raft log
// plus group.StateMachine's own snapshot/restore remain the source of
// truth for live state.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/groupkit/groupd/pkg/cluster"
)

var (
	bucketSnapshots = []byte("snapshot_history")
	bucketTokens    = []byte("join_tokens")
)

// SnapshotRecord is one historical entry: when a group snapshot was
// taken and how many members/bytes it covered.
type SnapshotRecord struct {
	TakenAt    time.Time `json:"takenAt"`
	MemberCnt  int       `json:"memberCount"`
	ByteLength int       `json:"byteLength"`
}

// Store is a small bbolt-backed history log, grounded on
// cuemby/warren's BoltStore.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if needed) the history database under
// dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "groupd.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
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

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RecordSnapshot appends rec to the history log, keyed by its
// timestamp so iteration is chronological.
func (s *Store) RecordSnapshot(rec SnapshotRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := []byte(rec.TakenAt.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListSnapshots returns every recorded snapshot, oldest first.
func (s *Store) ListSnapshots() ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(_, v []byte) error {
			var rec SnapshotRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SaveToken persists a cluster join token so it survives a restart of
// the issuing node.
func (s *Store) SaveToken(jt *cluster.JoinToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data, err := json.Marshal(jt)
		if err != nil {
			return err
		}
		return b.Put([]byte(jt.Token), data)
	})
}

// DeleteToken removes a persisted token, mirroring TokenManager.Revoke.
func (s *Store) DeleteToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(token))
	})
}

// ListTokens returns every persisted join token.
func (s *Store) ListTokens() ([]*cluster.JoinToken, error) {
	var out []*cluster.JoinToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(_, v []byte) error {
			var jt cluster.JoinToken
			if err := json.Unmarshal(v, &jt); err != nil {
				return err
			}
			out = append(out, &jt)
			return nil
		})
	})
	return out, err
}
