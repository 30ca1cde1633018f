package resolver

import (
	"encoding/json"
	"testing"

	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMirrorImportAndLookupRoundTrip(t *testing.T) {
	m, err := OpenMirror(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	raw := make([]byte, 35)
	raw[0], raw[1] = 0xe7, 0x01
	keyMultibase, err := multibase.Encode(multibase.Base58BTC, raw)
	require.NoError(t, err)

	op := plcOperationPayload{
		Type: "plc_operation",
		Services: map[string]struct {
			Type     string `json:"type"`
			Endpoint string `json:"endpoint"`
		}{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", Endpoint: "https://pds.example.com"},
		},
		VerificationMethods: map[string]string{
			"atproto": "did:key:" + keyMultibase,
		},
	}
	opBytes, err := json.Marshal(op)
	require.NoError(t, err)

	doc := plcExportDoc{
		CID:       "bafy1",
		DID:       "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		CreatedAt: "2026-01-01T00:00:00.000Z",
		Nullified: false,
		Operation: opBytes,
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		return m.ImportOperation(tx, doc)
	})
	require.NoError(t, err)

	entry, ok, err := m.Lookup(doc.DID, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pds.example.com", entry.Endpoint)
	require.Equal(t, raw, entry.Key[:])

	latest, err := m.LatestCreatedAt()
	require.NoError(t, err)
	require.Equal(t, doc.CreatedAt, latest)
}

func TestMirrorImportSkipsKeysRefreshOnNullified(t *testing.T) {
	m, err := OpenMirror(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	doc := plcExportDoc{
		CID:       "bafy2",
		DID:       "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		CreatedAt: "2026-01-01T00:00:00.000Z",
		Nullified: true,
		Operation: json.RawMessage(`{}`),
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		return m.ImportOperation(tx, doc)
	})
	require.NoError(t, err)

	_, ok, err := m.Lookup(doc.DID, false)
	require.NoError(t, err)
	require.False(t, ok)
}
