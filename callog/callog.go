// Package callog keeps a local history of calls in a bolt database.
// Entries are gob-encoded and keyed by time-ordered ids.
package callog

import (
	"bytes"
	"encoding/gob"
	"errors"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const bucketName = "calls"

var (
	ErrNotFound = errors.New("callog: entry not found")
	ErrBadEntry = errors.New("callog: bad entry")
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
)

type Entry struct {
	ID        string
	Peer      string
	PeerName  string
	Direction Direction
	Kind      string
	Outcome   Outcome
	Started   time.Time
	Connected time.Time
	Ended     time.Time
	Error     string
}

// Duration is the connected time of the call.
func (e *Entry) Duration() time.Duration {
	if e.Connected.IsZero() || e.Ended.Before(e.Connected) {
		return 0
	}
	return e.Ended.Sub(e.Connected)
}

type Log struct {
	db *bolt.DB
}

// Open opens or creates the history file. Only one process can open it at a time.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Add stores e. An ID is assigned if empty.
func (l *Log) Add(e *Entry) error {
	if e == nil || e.Peer == "" {
		return ErrBadEntry
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(e.ID), buf.Bytes())
	})
}

func (l *Log) Get(id string) (*Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (l *Log) List(limit int) ([]*Entry, error) {
	var entries []*Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (l *Log) Clear() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

func (l *Log) Close() error {
	return l.db.Close()
}
