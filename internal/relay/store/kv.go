// Package store wraps the embedded ordered key-value store backing the
// firehose, queue, and repos partitions (spec.md §6), plus the relational
// host mirror (relay.db). The teacher module already depends on
// github.com/cockroachdb/pebble; that is the concrete KV store spec.md §1
// treats as an assumed external collaborator ("provide ordered key ranges,
// point writes, batches, and durable persistence").
package store

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/relaywire/atrelay/internal/relay/models"
)

// Pebble has no native notion of column families/partitions the way fjall
// does; the three logical partitions share one pebble.DB and are
// distinguished by a one-byte key prefix, which also keeps each partition's
// keys contiguous for prefix/range iteration.
const (
	prefixFirehose byte = 'f'
	prefixQueue    byte = 'q'
	prefixRepos    byte = 'r'
)

// KV is the embedded ordered store: firehose (cursor -> frame), queue
// (composite did/host/seq key -> raw upstream frame), repos (did -> encoded
// RepoState).
type KV struct {
	db *pebble.DB
}

// Open opens (creating if absent) the pebble store under dataDir.
func Open(dataDir string) (*KV, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "relay-kv"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble: %w", err)
	}
	return &KV{db: db}, nil
}

// Close releases the underlying pebble handle.
func (kv *KV) Close() error {
	return kv.db.Close()
}

// Flush durably persists all pending writes. Called on shutdown in place of
// rsky-relay's fjall PersistMode::SyncAll.
func (kv *KV) Flush() error {
	return kv.db.Flush()
}

func firehoseKey(c models.Cursor) []byte {
	return append([]byte{prefixFirehose}, c.Bytes()...)
}

// InsertFirehose writes one outbound frame at cursor. The key equals the
// cursor embedded in the serialized frame, by construction of the caller.
func (kv *KV) InsertFirehose(c models.Cursor, frame []byte) error {
	return kv.db.Set(firehoseKey(c), frame, pebble.Sync)
}

// LastFirehoseCursor returns the highest cursor present in the firehose
// partition, or 0 if it is empty.
func (kv *KV) LastFirehoseCursor() (models.Cursor, error) {
	iter, err := kv.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixFirehose},
		UpperBound: []byte{prefixFirehose + 1},
	})
	if err != nil {
		return 0, fmt.Errorf("store: iter firehose: %w", err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return models.CursorFromBytes(iter.Key()[1:])
}

// RangeFirehose calls fn for every firehose entry with cursor in (lo, hi],
// in ascending cursor order, stopping early if fn returns an error.
func (kv *KV) RangeFirehose(lo, hi models.Cursor, fn func(models.Cursor, []byte) error) error {
	iter, err := kv.db.NewIter(&pebble.IterOptions{
		LowerBound: firehoseKey(lo + 1),
		UpperBound: append(firehoseKey(hi), 0x00),
	})
	if err != nil {
		return fmt.Errorf("store: range firehose: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		c, err := models.CursorFromBytes(iter.Key()[1:])
		if err != nil {
			return err
		}
		if err := fn(c, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func queueKey(did, host string, seq uint64) []byte {
	return append([]byte{prefixQueue}, models.QueueKey(did, host, seq)...)
}

// QueueInsert buffers one raw frame for a DID whose identity is not yet
// resolvable.
func (kv *KV) QueueInsert(did, host string, seq uint64, raw []byte) error {
	return kv.db.Set(queueKey(did, host, seq), raw, pebble.Sync)
}

// QueueEntry is one row surfaced by QueueScan/QueueAll.
type QueueEntry struct {
	Key  []byte
	DID  string
	Host string
	Raw  []byte
}

// QueueScan iterates every queue row whose DID matches prefix "<did>>", in
// byte order of the keys, so callers can drain a specific DID's backlog.
// That order groups rows by host; within a host the seq is compared as a
// decimal string, so it is numeric order only among seqs of equal length.
func (kv *KV) QueueScan(did string, fn func(QueueEntry) error) error {
	prefix := append([]byte{prefixQueue}, []byte(did+">")...)
	upper := append(append([]byte{}, prefix...), 0xff)
	iter, err := kv.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("store: queue scan: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		entry, err := parseQueueKey(iter.Key())
		if err != nil {
			return err
		}
		entry.Raw = append([]byte(nil), iter.Value()...)
		if err := fn(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// QueueAll iterates every queue row regardless of DID, used once at startup
// to find DIDs already resolvable from a prior run.
func (kv *KV) QueueAll(fn func(QueueEntry) error) error {
	lower := []byte{prefixQueue}
	upper := []byte{prefixQueue + 1}
	iter, err := kv.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("store: queue all: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		entry, err := parseQueueKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

func parseQueueKey(key []byte) (QueueEntry, error) {
	parts := bytes.SplitN(key[1:], []byte(">"), 3)
	if len(parts) != 3 {
		return QueueEntry{}, fmt.Errorf("store: malformed queue key %q", key)
	}
	return QueueEntry{
		Key:  append([]byte(nil), key...),
		DID:  string(parts[0]),
		Host: string(parts[1]),
	}, nil
}

// QueueDeleteBatch removes all the given queue keys atomically.
func (kv *KV) QueueDeleteBatch(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	batch := kv.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return fmt.Errorf("store: queue delete: %w", err)
		}
	}
	return batch.Commit(pebble.Sync)
}

func reposKey(did string) []byte {
	return append([]byte{prefixRepos}, []byte(did)...)
}

// ReposLoadAll loads the entire repos partition into memory, for startup
// rehydration (spec.md §3 "Repo states are rehydrated on startup").
func (kv *KV) ReposLoadAll() (map[string]models.RepoState, error) {
	out := make(map[string]models.RepoState)
	lower := []byte{prefixRepos}
	upper := []byte{prefixRepos + 1}
	iter, err := kv.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("store: repos load: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		did := string(iter.Key()[1:])
		state, err := models.DecodeRepoState(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("store: decode repo state for %s: %w", did, err)
		}
		out[did] = state
	}
	return out, iter.Error()
}

// ReposPersistAll overwrites the repos partition with the given snapshot in
// a single batch, used on clean shutdown.
func (kv *KV) ReposPersistAll(repos map[string]models.RepoState) error {
	batch := kv.db.NewBatch()
	defer batch.Close()
	for did, state := range repos {
		if err := batch.Set(reposKey(did), state.Encode(), nil); err != nil {
			return fmt.Errorf("store: persist repo state for %s: %w", did, err)
		}
	}
	return batch.Commit(pebble.Sync)
}
