// Package models holds the relay's core data types: the firehose Cursor, and
// the per-host and per-repo state the validator keeps across messages.
package models

import (
	"encoding/binary"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Cursor is a 64-bit monotonic position in the relay's ordered firehose log.
// It is encoded big-endian so that byte-lexicographic ordering of encoded
// cursors matches numeric ordering, which is what makes range scans over the
// firehose partition return events in order.
type Cursor uint64

// CursorKeyLen is the width of an encoded Cursor key.
const CursorKeyLen = 8

// Bytes encodes the cursor as an 8-byte big-endian key.
func (c Cursor) Bytes() []byte {
	var b [CursorKeyLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(c))
	return b[:]
}

// CursorFromBytes decodes an 8-byte big-endian key back into a Cursor.
func CursorFromBytes(b []byte) (Cursor, error) {
	if len(b) != CursorKeyLen {
		return 0, fmt.Errorf("models: cursor key must be %d bytes, got %d", CursorKeyLen, len(b))
	}
	return Cursor(binary.BigEndian.Uint64(b)), nil
}

// Next returns the current cursor value and the incremented cursor that
// should be stored in its place. Cursors are never reused: a sequence of
// Next calls against freshly-returned values always produces strictly
// increasing results.
func (c Cursor) Next() (current, next Cursor) {
	return c, c + 1
}

// CursorSeq is a mutable counter wrapping Cursor, used by callers that hand
// out cursors one at a time (the validator and each publisher worker).
type CursorSeq struct {
	v Cursor
}

// NewCursorSeq creates a sequence that will hand out cursors starting after last.
func NewCursorSeq(last Cursor) *CursorSeq {
	return &CursorSeq{v: last}
}

// Next advances the sequence by one and returns the newly allocated cursor.
func (s *CursorSeq) Next() Cursor {
	s.v++
	return s.v
}

// Current returns the most recently allocated cursor without advancing.
func (s *CursorSeq) Current() Cursor {
	return s.v
}

// HostRecord is the per-hostname sequencing state the validator maintains:
// the last accepted upstream seq on that host, and the maximum event time
// seen so far (clamped to be monotonically non-decreasing).
type HostRecord struct {
	LastSeq  uint64
	LastTime int64 // unix micros
}

// RepoState is the per-DID head state the validator maintains, written only
// on accepted #commit events.
type RepoState struct {
	Rev     string
	DataCID cid.Cid
	HeadCID cid.Cid
}

// ResolverKeyLen is wide enough to hold a multicodec-prefixed compressed
// public key for either atproto signing curve (secp256k1 or NIST P-256):
// a 2-byte varint multicodec prefix plus a 33-byte compressed point.
const ResolverKeyLen = 35

// ResolverKey is the fixed-size, multicodec-prefixed public key bytes the
// resolver caches per DID. It is the raw decoded multibase payload, not yet
// parsed into a crypto.PublicKey.
type ResolverKey [ResolverKeyLen]byte

// ResolverEntry is what the resolver caches for a resolved DID: an optional
// PDS/labeler hostname (absent for legacy documents) and a signing key.
type ResolverEntry struct {
	Endpoint string // empty means absent
	Key      ResolverKey
}

// QueueKey builds the composite queue partition key "<did>><host>><seq>".
func QueueKey(did, host string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s>%s>%d", did, host, seq))
}

// Encode serializes a RepoState for the repos partition: the rev string and
// the two CID byte strings, each with a 2-byte big-endian length prefix. This is an
// internal persistence format, never exposed on the wire, so it is plain
// stdlib binary framing rather than a DAG-CBOR encoding.
func (r RepoState) Encode() []byte {
	rev := []byte(r.Rev)
	data := r.DataCID.Bytes()
	head := r.HeadCID.Bytes()
	buf := make([]byte, 0, 2+len(rev)+2+len(data)+2+len(head))
	buf = appendLenPrefixed(buf, rev)
	buf = appendLenPrefixed(buf, data)
	buf = appendLenPrefixed(buf, head)
	return buf
}

func appendLenPrefixed(buf, v []byte) []byte {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(v)))
	buf = append(buf, lb[:]...)
	return append(buf, v...)
}

// DecodeRepoState is the inverse of RepoState.Encode.
func DecodeRepoState(b []byte) (RepoState, error) {
	rev, rest, err := readLenPrefixed(b)
	if err != nil {
		return RepoState{}, err
	}
	dataB, rest, err := readLenPrefixed(rest)
	if err != nil {
		return RepoState{}, err
	}
	headB, _, err := readLenPrefixed(rest)
	if err != nil {
		return RepoState{}, err
	}
	dataCID, err := cid.Cast(dataB)
	if err != nil {
		return RepoState{}, fmt.Errorf("models: decode repo state data cid: %w", err)
	}
	headCID, err := cid.Cast(headB)
	if err != nil {
		return RepoState{}, fmt.Errorf("models: decode repo state head cid: %w", err)
	}
	return RepoState{Rev: string(rev), DataCID: dataCID, HeadCID: headCID}, nil
}

func readLenPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("models: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("models: truncated value")
	}
	return b[:n], b[n:], nil
}
