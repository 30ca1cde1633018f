package validator

import (
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/atrelay/internal/relay/config"
	"github.com/relaywire/atrelay/internal/relay/models"
	"github.com/relaywire/atrelay/internal/relay/wire"
)

func newTestManager() *Manager {
	return &Manager{
		cfg:   &config.Config{MaxRevFuture: time.Hour},
		repos: map[string]models.RepoState{},
		log:   nil,
	}
}

const testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"

func TestVerifyCommitAcceptsFreshRev(t *testing.T) {
	m := newTestManager()
	desc := &wire.CommitDescriptor{DID: testDID, Rev: "3juj2fnpvux2s"}
	require.True(t, m.verifyCommit("host1", nil, desc, cid.Undef))
}

func TestVerifyCommitRejectsRevBeforePrevious(t *testing.T) {
	m := newTestManager()
	// A TID with an earlier embedded timestamp than the one already on file
	// for this repo must be rejected as out-of-order.
	m.repos[testDID] = models.RepoState{Rev: "3zzzzzzzzzzzz"}
	desc := &wire.CommitDescriptor{DID: testDID, Rev: "2222222222222"}
	require.False(t, m.verifyCommit("host1", nil, desc, cid.Undef))
}

func TestVerifyCommitRejectsMalformedDID(t *testing.T) {
	m := newTestManager()
	desc := &wire.CommitDescriptor{DID: "not-a-did", Rev: "3juj2fnpvux2s"}
	require.False(t, m.verifyCommit("host1", nil, desc, cid.Undef))
}

func TestVerifyCommitRejectsMalformedRev(t *testing.T) {
	m := newTestManager()
	desc := &wire.CommitDescriptor{DID: testDID, Rev: "not-a-tid"}
	require.False(t, m.verifyCommit("host1", nil, desc, cid.Undef))
}

func TestVerifyCommitRejectsHeadMismatch(t *testing.T) {
	m := newTestManager()
	root, err := cid.Decode("bafyreigaknpexyvxt76zgg7vdhtos3vyvzt3exrcugxoqevlywcof5vfh4")
	require.NoError(t, err)
	claimed, err := cid.Decode("bafyreigaknpexyvxt76zgg7vkhtos3vyvzt3exrcugxoqevlywcof5vfh4")
	require.NoError(t, err)
	desc := &wire.CommitDescriptor{DID: testDID, Rev: "3juj2fnpvux2s", RootCID: root}
	require.False(t, m.verifyCommit("host1", nil, desc, claimed))
}

func TestPublicKeyFromResolverKeyRejectsZeroKey(t *testing.T) {
	var key models.ResolverKey
	_, err := publicKeyFromResolverKey(key)
	require.Error(t, err)
}
