// Package journal is a reference persistence-hook adapter (§6
// "Persistence hook"): append-only, ordered, durable-before-return,
// backed by go.etcd.io/bbolt. It is not part of the routing core itself —
// the dispatcher only depends on the narrow dispatch.PersistenceHook
// interface — but it is the one the default binary wires in.
//
// Grounded in the pack's bbolt usage (go.etcd.io/bbolt opened with a file
// lock timeout, one bucket, Put/Get inside an Update transaction), adapted
// from a keyed-record store to an append-only sequence store using
// bbolt's auto-incrementing NextSequence.
package journal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/dispatch"
	"github.com/lumencanvas/clasp-sub004/internal/value"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var entriesBucket = []byte("entries")

// Journal durably appends dispatch.JournalEntry records in arrival order,
// refusing new writes once MaxBytes is exceeded (§6: "Full" refusal).
type Journal struct {
	db       *bbolt.DB
	maxBytes int64
}

// Open creates or opens a bbolt-backed journal at path.
func Open(path string, maxBytes int64) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init bucket: %w", err)
	}
	return &Journal{db: db, maxBytes: maxBytes}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// wireEntry is the on-disk encoding of a dispatch.JournalEntry.
type wireEntry struct {
	Address     string      `msgpack:"address"`
	Value       value.Value `msgpack:"value"`
	Revision    uint64      `msgpack:"revision"`
	Writer      string      `msgpack:"writer"`
	TimestampUs uint64      `msgpack:"timestamp"`
}

// Append durably appends entry before returning, keyed by bbolt's
// monotonically increasing per-bucket sequence so ordering is preserved
// on disk without an extra index (§6: "append-only, ordered").
func (j *Journal) Append(entry dispatch.JournalEntry) error {
	data, err := msgpack.Marshal(wireEntry{
		Address:     entry.Address,
		Value:       entry.Value,
		Revision:    entry.Revision,
		Writer:      string(entry.Writer),
		TimestampUs: entry.TimestampUs,
	})
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		if j.maxBytes > 0 && int64(tx.Size()) >= j.maxBytes {
			return dispatch.ErrJournalFull
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Len returns the number of entries ever appended (including ones that
// would now be pruned in a rotation scheme; this reference adapter does
// not implement rotation).
func (j *Journal) Len() (int, error) {
	n := 0
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n, err
}
