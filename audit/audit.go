// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package audit records authentication failures in a bbolt database.
package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	failuresBucket = "auth_failures"
	versionKey     = "version"

	dbVersion = 0
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("audit: log closed")

// Record is one failed authentication.
type Record struct {
	Time      time.Time `cbor:"1,keyasint"`
	Peer      string    `cbor:"2,keyasint"`
	GUID      string    `cbor:"3,keyasint,omitempty"`
	Mechanism string    `cbor:"4,keyasint,omitempty"`
	Initiator bool      `cbor:"5,keyasint"`
	Reason    string    `cbor:"6,keyasint"`
}

// Auditor receives authentication failures.
type Auditor interface {
	AuthFailure(r *Record) error
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithMaxRecords bounds the number of retained records, dropping the
// oldest first.  Zero keeps everything.
func WithMaxRecords(n int) LogOption {
	return func(l *Log) {
		l.maxRecords = n
	}
}

// Log is a bbolt backed Auditor.
type Log struct {
	sync.Mutex

	db         *bolt.DB
	maxRecords int
}

// New creates (or loads) an audit log in file f.
func New(f string, opts ...LogOption) (*Log, error) {
	l := new(Log)
	for _, opt := range opts {
		opt(l)
	}

	var err error
	l.db, err = bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err = l.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(failuresBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("audit: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		l.db.Close()
		return nil, err
	}
	return l, nil
}

// AuthFailure appends r.
func (l *Log) AuthFailure(r *Record) error {
	b, err := cbor.Marshal(r)
	if err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()
	if l.db == nil {
		return ErrClosed
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(failuresBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		if err = bkt.Put(seqKey(seq), b); err != nil {
			return err
		}
		if l.maxRecords <= 0 {
			return nil
		}
		var keys [][]byte
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-l.maxRecords; i++ {
			if err := bkt.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach calls fn for every record, oldest first.
func (l *Log) ForEach(fn func(r *Record) error) error {
	l.Lock()
	defer l.Unlock()
	if l.db == nil {
		return ErrClosed
	}
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(failuresBucket)).ForEach(func(_, v []byte) error {
			r := new(Record)
			if err := cbor.Unmarshal(v, r); err != nil {
				return err
			}
			return fn(r)
		})
	})
}

// Count returns the number of retained records.
func (l *Log) Count() (int, error) {
	n := 0
	err := l.ForEach(func(*Record) error {
		n++
		return nil
	})
	return n, err
}

// Close flushes and closes the database.
func (l *Log) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.db == nil {
		return nil
	}
	l.db.Sync()
	err := l.db.Close()
	l.db = nil
	return err
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
