package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketAudit    = []byte("audit")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db       *bolt.DB
	auditCap int
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithAuditCap bounds the audit log; the oldest records are pruned on append.
// Zero keeps everything.
func WithAuditCap(n int) BoltOption {
	return func(s *BoltStore) { s.auditCap = n }
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func sessionKey(id uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, id)
	return k
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// CreateSession allocates the next session id and stores a queued session.
// Ids start at 1 and are never reused.
func (s *BoltStore) CreateSession(url string) (*Session, error) {
	var sess *Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if seq > math.MaxUint32 {
			return fmt.Errorf("session id space exhausted")
		}
		now := time.Now()
		sess = &Session{
			ID:        uint32(seq),
			URL:       url,
			Status:    StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put(sessionKey(sess.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *BoltStore) GetSession(id uint32) (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		data := b.Get(sessionKey(id))
		if data == nil {
			return fmt.Errorf("session %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) ListSessions() ([]*Session, error) {
	var sessions []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return nil // no bucket = no sessions
		}
		sessions = make([]*Session, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) UpdateSession(id uint32, fn func(sess *Session) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSessions)
		}
		key := sessionKey(id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("session %d: %w", id, ErrNotFound)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		sess.ID = id
		sess.UpdatedAt = time.Now()
		out, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) AppendAudit(rec *AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAudit)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		if rec.At.IsZero() {
			rec.At = time.Now()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		if s.auditCap <= 0 {
			return nil
		}
		// Prune from the oldest end.
		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		excess := n - s.auditCap
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// ListAudit returns up to limit of the most recent records, oldest first.
// A non-positive limit returns everything.
func (s *BoltStore) ListAudit(limit int) ([]*AuditRecord, error) {
	var recs []*AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) >= limit {
				break
			}
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
