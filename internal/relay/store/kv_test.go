package store

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/atrelay/internal/relay/models"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, kv.Close()) })
	return kv
}

func TestFirehoseRoundTripAndRange(t *testing.T) {
	kv := openTestKV(t)

	for i := models.Cursor(1); i <= 5; i++ {
		require.NoError(t, kv.InsertFirehose(i, []byte{byte(i)}))
	}

	last, err := kv.LastFirehoseCursor()
	require.NoError(t, err)
	require.Equal(t, models.Cursor(5), last)

	var seen []models.Cursor
	require.NoError(t, kv.RangeFirehose(2, 5, func(c models.Cursor, _ []byte) error {
		seen = append(seen, c)
		return nil
	}))
	require.Equal(t, []models.Cursor{3, 4, 5}, seen)
}

func TestQueueScanIsolatesByDID(t *testing.T) {
	kv := openTestKV(t)

	require.NoError(t, kv.QueueInsert("did:plc:aaa", "host1", 1, []byte("a1")))
	require.NoError(t, kv.QueueInsert("did:plc:aaa", "host1", 2, []byte("a2")))
	require.NoError(t, kv.QueueInsert("did:plc:bbb", "host1", 1, []byte("b1")))

	var gotA []QueueEntry
	require.NoError(t, kv.QueueScan("did:plc:aaa", func(e QueueEntry) error {
		gotA = append(gotA, e)
		return nil
	}))
	require.Len(t, gotA, 2)
	for _, e := range gotA {
		require.Equal(t, "did:plc:aaa", e.DID)
	}

	require.NoError(t, kv.QueueDeleteBatch([][]byte{gotA[0].Key, gotA[1].Key}))

	var remaining int
	require.NoError(t, kv.QueueAll(func(e QueueEntry) error {
		remaining++
		return nil
	}))
	require.Equal(t, 1, remaining)
}

func TestReposPersistAndLoadAll(t *testing.T) {
	kv := openTestKV(t)

	c, err := cid.Decode("bafyreigaknpexyvxt76zgg7vdhtos3vyvzt3exrcugxoqevlywcof5vfh4")
	require.NoError(t, err)

	states := map[string]models.RepoState{
		"did:plc:aaa": {Rev: "3juj2fnpvux2s", DataCID: c, HeadCID: c},
	}
	require.NoError(t, kv.ReposPersistAll(states))

	loaded, err := kv.ReposLoadAll()
	require.NoError(t, err)
	require.Equal(t, "3juj2fnpvux2s", loaded["did:plc:aaa"].Rev)
}
