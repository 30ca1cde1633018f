// Package wire decodes and encodes subscribeRepos protocol messages. It is
// a thin layer over github.com/bluesky-social/indigo's cbor-gen types and
// its own event-header framing: parsing happens once per message, and
// serializing re-emits the same framing with the relay's own assigned
// cursor in place of the upstream seq (spec.md §6).
//
// CBOR/DAG-CBOR decoding and commit-signature primitives are treated as
// library concerns per spec.md §1; this package calls into
// github.com/bluesky-social/indigo/atproto/repo for the commit-root load,
// and never walks the MST beyond that root.
package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	atrepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/events"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/ipfs/go-cid"
)

// Kind identifies a subscribeRepos event variant.
type Kind string

const (
	KindCommit    Kind = "#commit"
	KindSync      Kind = "#sync"
	KindIdentity  Kind = "#identity"
	KindAccount   Kind = "#account"
	KindHandle    Kind = "#handle"
	KindMigrate   Kind = "#migrate"
	KindTombstone Kind = "#tombstone"
	KindInfo      Kind = "#info"
)

// ParseError wraps any failure to decode a raw frame into an Event.
type ParseError struct {
	Kind Kind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("wire: parse %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("wire: parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Event is a parsed subscribeRepos message. Exactly one of the typed fields
// below is non-nil, selected by Kind.
type Event struct {
	Kind Kind

	Commit    *comatproto.SyncSubscribeRepos_Commit
	Sync      *comatproto.SyncSubscribeRepos_Sync
	Identity  *comatproto.SyncSubscribeRepos_Identity
	Account   *comatproto.SyncSubscribeRepos_Account
	Handle    *comatproto.SyncSubscribeRepos_Handle
	Migrate   *comatproto.SyncSubscribeRepos_Migrate
	Tombstone *comatproto.SyncSubscribeRepos_Tombstone
	Info      *comatproto.SyncSubscribeRepos_Info
}

// Seq returns the upstream-assigned sequence number, or 0 for #info frames
// which carry none.
func (e *Event) Seq() int64 {
	switch e.Kind {
	case KindCommit:
		return e.Commit.Seq
	case KindSync:
		return e.Sync.Seq
	case KindIdentity:
		return e.Identity.Seq
	case KindAccount:
		return e.Account.Seq
	case KindHandle:
		return e.Handle.Seq
	case KindMigrate:
		return e.Migrate.Seq
	case KindTombstone:
		return e.Tombstone.Seq
	default:
		return 0
	}
}

// Time returns the event's own RFC3339 timestamp string, or "" for #info.
func (e *Event) Time() string {
	switch e.Kind {
	case KindCommit:
		return e.Commit.Time
	case KindSync:
		return e.Sync.Time
	case KindIdentity:
		return e.Identity.Time
	case KindAccount:
		return e.Account.Time
	case KindHandle:
		return e.Handle.Time
	case KindMigrate:
		return e.Migrate.Time
	case KindTombstone:
		return e.Tombstone.Time
	default:
		return ""
	}
}

// DID returns the subject repo DID, or "" for #info.
func (e *Event) DID() string {
	switch e.Kind {
	case KindCommit:
		return e.Commit.Repo
	case KindSync:
		return e.Sync.Did
	case KindIdentity:
		return e.Identity.Did
	case KindAccount:
		return e.Account.Did
	case KindHandle:
		return e.Handle.Did
	case KindMigrate:
		return e.Migrate.Did
	case KindTombstone:
		return e.Tombstone.Did
	default:
		return ""
	}
}

// SetSeq overwrites the event's seq field with the relay-assigned cursor.
// Called immediately before Serialize so downstream subscribers see the
// relay's own cursor, never the upstream seq.
func (e *Event) SetSeq(seq int64) {
	switch e.Kind {
	case KindCommit:
		e.Commit.Seq = seq
	case KindSync:
		e.Sync.Seq = seq
	case KindIdentity:
		e.Identity.Seq = seq
	case KindAccount:
		e.Account.Seq = seq
	case KindHandle:
		e.Handle.Seq = seq
	case KindMigrate:
		e.Migrate.Seq = seq
	case KindTombstone:
		e.Tombstone.Seq = seq
	}
}

// CommitDescriptor is the self-describing state of a repo commit, loaded
// from the CAR-encoded commit root block. It deliberately stops at the
// commit root: per spec.md's Non-goals, the relay does not re-validate
// record content inside commit blocks beyond that root.
type CommitDescriptor struct {
	DID      string
	Rev      string
	Data     cid.Cid
	Sig      []byte
	Ops      []*comatproto.SyncSubscribeRepos_RepoOp
	PrevData *cid.Cid
	Blocks   []byte
	RootCID  cid.Cid
	raw      *atrepo.Commit
}

// Raw exposes the parsed commit block, primarily so the validator can run
// VerifySignature against it.
func (c *CommitDescriptor) Raw() *atrepo.Commit { return c.raw }

// Commit loads the commit-bearing payload of a #commit or #sync event and
// returns its descriptor plus the message's own claimed commit-root CID
// ("head" in spec.md's terminology); a #sync message carries no separate
// commit pointer, so its head is the CAR's own root. For non-commit-bearing variants it
// returns ok=false with no error: that is spec.md §4.1 step 3's "None"
// case, not a failure.
func (e *Event) Commit(ctx context.Context) (desc *CommitDescriptor, head cid.Cid, ok bool, err error) {
	switch e.Kind {
	case KindCommit:
		msg := e.Commit
		commit, root, err := atrepo.LoadCommitFromCAR(ctx, bytes.NewReader(msg.Blocks))
		if err != nil {
			return nil, cid.Undef, true, fmt.Errorf("wire: decode commit blocks: %w", err)
		}
		var prevData *cid.Cid
		if msg.PrevData != nil {
			c := cid.Cid(*msg.PrevData)
			prevData = &c
		}
		return &CommitDescriptor{
			DID:      commit.DID,
			Rev:      commit.Rev,
			Data:     commit.Data,
			Sig:      commit.Sig,
			Ops:      msg.Ops,
			PrevData: prevData,
			Blocks:   msg.Blocks,
			RootCID:  root,
			raw:      commit,
		}, cid.Cid(msg.Commit), true, nil
	case KindSync:
		msg := e.Sync
		commit, root, err := atrepo.LoadCommitFromCAR(ctx, bytes.NewReader(msg.Blocks))
		if err != nil {
			return nil, cid.Undef, true, fmt.Errorf("wire: decode sync blocks: %w", err)
		}
		return &CommitDescriptor{
			DID:     commit.DID,
			Rev:     commit.Rev,
			Data:    commit.Data,
			Sig:     commit.Sig,
			Blocks:  msg.Blocks,
			RootCID: root,
			raw:     commit,
		}, root, true, nil
	default:
		return nil, cid.Undef, false, nil
	}
}

// Parse decodes one raw subscribeRepos frame: a CBOR EventHeader followed by
// the matching body type.
func Parse(data []byte) (*Event, error) {
	r := bytes.NewReader(data)
	var hdr events.EventHeader
	if err := hdr.UnmarshalCBOR(r); err != nil {
		return nil, &ParseError{Err: err}
	}
	if hdr.Op == events.EvtKindErrorFrame {
		var errf events.ErrorFrame
		if err := errf.UnmarshalCBOR(r); err != nil {
			return nil, &ParseError{Err: err}
		}
		return nil, &ParseError{Err: fmt.Errorf("upstream error frame: %s: %s", errf.Error, errf.Message)}
	}
	kind := Kind(hdr.MsgType)
	ev := &Event{Kind: kind}
	var body cborUnmarshaler
	switch kind {
	case KindCommit:
		ev.Commit = new(comatproto.SyncSubscribeRepos_Commit)
		body = ev.Commit
	case KindSync:
		ev.Sync = new(comatproto.SyncSubscribeRepos_Sync)
		body = ev.Sync
	case KindIdentity:
		ev.Identity = new(comatproto.SyncSubscribeRepos_Identity)
		body = ev.Identity
	case KindAccount:
		ev.Account = new(comatproto.SyncSubscribeRepos_Account)
		body = ev.Account
	case KindHandle:
		ev.Handle = new(comatproto.SyncSubscribeRepos_Handle)
		body = ev.Handle
	case KindMigrate:
		ev.Migrate = new(comatproto.SyncSubscribeRepos_Migrate)
		body = ev.Migrate
	case KindTombstone:
		ev.Tombstone = new(comatproto.SyncSubscribeRepos_Tombstone)
		body = ev.Tombstone
	case KindInfo:
		ev.Info = new(comatproto.SyncSubscribeRepos_Info)
		body = ev.Info
	default:
		return nil, &ParseError{Kind: kind, Err: fmt.Errorf("unknown msg type %q", hdr.MsgType)}
	}
	if err := body.UnmarshalCBOR(r); err != nil {
		return nil, &ParseError{Kind: kind, Err: err}
	}
	return ev, nil
}

type cborUnmarshaler interface {
	UnmarshalCBOR(r io.Reader) error
}

type cborMarshaler interface {
	MarshalCBOR(w io.Writer) error
}

// Serialize re-emits the event with its current seq field (the caller must
// have already called SetSeq with the relay-assigned cursor) using the same
// EventHeader framing it was parsed with.
func Serialize(e *Event) ([]byte, error) {
	var body cborMarshaler
	switch e.Kind {
	case KindCommit:
		body = e.Commit
	case KindSync:
		body = e.Sync
	case KindIdentity:
		body = e.Identity
	case KindAccount:
		body = e.Account
	case KindHandle:
		body = e.Handle
	case KindMigrate:
		body = e.Migrate
	case KindTombstone:
		body = e.Tombstone
	case KindInfo:
		body = e.Info
	default:
		return nil, fmt.Errorf("wire: serialize: unknown kind %q", e.Kind)
	}
	var buf bytes.Buffer
	hdr := events.EventHeader{Op: events.EvtKindMessage, MsgType: string(e.Kind)}
	if err := hdr.MarshalCBOR(&buf); err != nil {
		return nil, fmt.Errorf("wire: marshal header: %w", err)
	}
	if err := body.MarshalCBOR(&buf); err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	return buf.Bytes(), nil
}

// LexLinkCID converts an indigo LexLink to a plain cid.Cid, used wherever
// the generated types store CIDs wrapped for lexicon JSON/CBOR encoding.
func LexLinkCID(l lexutil.LexLink) cid.Cid {
	return cid.Cid(l)
}
