// Package store persists the message log, the pin and the offline queue
// in a Pebble key-value database.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/outbox"
)

// Key layout:
//
//	msg/<message id>   chatlog.Message
//	pin                chatlog.Pin (absent when nothing is pinned)
//	queue/<entry id>   outbox.Entry
var (
	msgPrefix   = []byte("msg/")
	queuePrefix = []byte("queue/")
	pinKey      = []byte("pin")
)

var ErrClosed = errors.New("store: database closed")

// DB is the node's durable store
type DB struct {
	db       *pebble.DB
	path     string
	inMemory bool
	log      *zap.Logger
}

var (
	_ chatlog.Store = (*DB)(nil)
	_ outbox.Store  = (*DB)(nil)
)

// Open opens (or creates) the database under path
func Open(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.Info("pebble_opened", zap.String("path", path))
	return &DB{db: db, path: path, log: log}, nil
}

// OpenMem opens a database that lives only in memory
func OpenMem(log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &DB{db: db, inMemory: true, log: log}, nil
}

// OpenOrMem opens the database under path and falls back to an in-memory
// one when that fails, so the node keeps running without durability.
func OpenOrMem(path string, log *zap.Logger) (*DB, error) {
	db, err := Open(path, log)
	if err == nil {
		return db, nil
	}
	if log != nil {
		log.Warn("store_fallback_memory", zap.String("path", path), zap.Error(err))
	}
	return OpenMem(log)
}

// InMemory reports whether persistence is disabled
func (d *DB) InMemory() bool { return d.inMemory }

// Close closes the database
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return err
	}
	d.db = nil
	d.log.Info("pebble_closed", zap.String("path", d.path))
	return nil
}

func (d *DB) put(key []byte, v any) error {
	if d.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return d.db.Set(key, data, pebble.Sync)
}

func (d *DB) scan(prefix []byte, fn func(key, value []byte) error) error {
	if d.db == nil {
		return ErrClosed
	}
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// upperBound returns the smallest key greater than every key with prefix
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func msgKey(id string) []byte {
	return append(bytes.Clone(msgPrefix), id...)
}

func queueKey(id string) []byte {
	return append(bytes.Clone(queuePrefix), id...)
}

// PutMessage stores the current version of a message
func (d *DB) PutMessage(m chatlog.Message) error {
	return d.put(msgKey(m.ID), m)
}

// DeleteMessages removes messages in one batch
func (d *DB) DeleteMessages(ids ...string) error {
	if d.db == nil {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	b := d.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		if err := b.Delete(msgKey(id), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// LoadMessages returns every stored message. Undecodable records are
// skipped and logged.
func (d *DB) LoadMessages() ([]chatlog.Message, error) {
	var out []chatlog.Message
	err := d.scan(msgPrefix, func(key, value []byte) error {
		var m chatlog.Message
		if err := json.Unmarshal(value, &m); err != nil {
			d.log.Warn("store_invalid_message_json", zap.ByteString("key", key), zap.Error(err))
			return nil
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// PutPin stores the pin; nil clears it
func (d *DB) PutPin(p *chatlog.Pin) error {
	if p == nil {
		if d.db == nil {
			return ErrClosed
		}
		return d.db.Delete(pinKey, pebble.Sync)
	}
	return d.put(pinKey, p)
}

// LoadPin returns the stored pin or nil
func (d *DB) LoadPin() (*chatlog.Pin, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	value, closer, err := d.db.Get(pinKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var p chatlog.Pin
	if err := json.Unmarshal(value, &p); err != nil {
		return nil, fmt.Errorf("decode pin: %w", err)
	}
	return &p, nil
}

// PutEntry stores an offline queue entry
func (d *DB) PutEntry(e outbox.Entry) error {
	return d.put(queueKey(e.ID), e)
}

// DeleteEntry removes an offline queue entry
func (d *DB) DeleteEntry(id string) error {
	if d.db == nil {
		return ErrClosed
	}
	return d.db.Delete(queueKey(id), pebble.Sync)
}

// LoadEntries returns every stored queue entry in key order
func (d *DB) LoadEntries() ([]outbox.Entry, error) {
	var out []outbox.Entry
	err := d.scan(queuePrefix, func(key, value []byte) error {
		var e outbox.Entry
		if err := json.Unmarshal(value, &e); err != nil {
			d.log.Warn("store_invalid_entry_json", zap.ByteString("key", key), zap.Error(err))
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
