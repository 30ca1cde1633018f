package models

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestCursorBytesRoundTrip(t *testing.T) {
	c := Cursor(123456789)
	got, err := CursorFromBytes(c.Bytes())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestCursorBytesOrderPreserving(t *testing.T) {
	a := Cursor(1).Bytes()
	b := Cursor(2).Bytes()
	c := Cursor(256).Bytes()
	require.True(t, string(a) < string(b))
	require.True(t, string(b) < string(c))
}

func TestCursorSeqNeverRepeats(t *testing.T) {
	seq := NewCursorSeq(0)
	prev := seq.Current()
	for i := 0; i < 1000; i++ {
		next := seq.Next()
		require.Greater(t, uint64(next), uint64(prev))
		prev = next
	}
}

func TestRepoStateEncodeDecodeRoundTrip(t *testing.T) {
	dataCID, err := cid.Decode("bafyreigaknpexyvxt76zgg7vdhtos3vyvzt3exrcugxoqevlywcof5vfh4")
	require.NoError(t, err)
	headCID, err := cid.Decode("bafyreigaknpexyvxt76zgg7vdhtos3vyvzt3exrcugxoqevlywcof5vfh4")
	require.NoError(t, err)

	state := RepoState{Rev: "3juj2fnpvux2s", DataCID: dataCID, HeadCID: headCID}
	encoded := state.Encode()

	decoded, err := DecodeRepoState(encoded)
	require.NoError(t, err)
	require.Equal(t, state.Rev, decoded.Rev)
	require.True(t, state.DataCID.Equals(decoded.DataCID))
	require.True(t, state.HeadCID.Equals(decoded.HeadCID))
}

func TestQueueKeyIsParseableByPrefix(t *testing.T) {
	key := QueueKey("did:plc:abc123", "relay1.example.com", 42)
	require.Equal(t, "did:plc:abc123>relay1.example.com>42", string(key))
}
