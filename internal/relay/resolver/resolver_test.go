package resolver

import (
	"testing"

	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/require"
)

func TestMultibaseKeyBytesRoundTrip(t *testing.T) {
	raw := make([]byte, 35)
	for i := range raw {
		raw[i] = byte(i)
	}
	raw[0], raw[1] = 0xe7, 0x01 // secp256k1 multicodec prefix

	enc, err := multibase.Encode(multibase.Base58BTC, raw)
	require.NoError(t, err)

	key, err := multibaseKeyBytes(enc)
	require.NoError(t, err)
	require.Equal(t, raw, key[:])
}

func TestMultibaseKeyBytesRejectsWrongLength(t *testing.T) {
	enc, err := multibase.Encode(multibase.Base58BTC, []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = multibaseKeyBytes(enc)
	require.Error(t, err)
}

func TestExtractDocBindingSelectsPDSByDefault(t *testing.T) {
	raw := make([]byte, 35)
	raw[0], raw[1] = 0x80, 0x24 // p256 multicodec prefix
	enc, err := multibase.Encode(multibase.Base58BTC, raw)
	require.NoError(t, err)

	doc := didDocument{
		ID: "did:plc:abc123",
		Service: []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		}{
			{ID: "#atproto_pds", Type: "AtprotoPersonalDataServer", ServiceEndpoint: "https://pds.example.com"},
			{ID: "#atproto_labeler", Type: "AtprotoLabeler", ServiceEndpoint: "https://labeler.example.com"},
		},
		VerificationMethod: []struct {
			ID                 string `json:"id"`
			PublicKeyMultibase string `json:"publicKeyMultibase"`
		}{
			{ID: "#atproto", PublicKeyMultibase: enc},
		},
	}

	entry, ok := extractDocBinding(doc, false)
	require.True(t, ok)
	require.Equal(t, "pds.example.com", entry.Endpoint)
}

func TestExtractDocBindingMissingKeyFails(t *testing.T) {
	doc := didDocument{ID: "did:plc:abc123"}
	_, ok := extractDocBinding(doc, false)
	require.False(t, ok)
}

func TestPLCOperationPayloadPDSBinding(t *testing.T) {
	op := plcOperationPayload{
		Services: map[string]struct {
			Type     string `json:"type"`
			Endpoint string `json:"endpoint"`
		}{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", Endpoint: "https://pds.example.com"},
		},
		VerificationMethods: map[string]string{
			"atproto": "did:key:zQ3s...",
		},
	}
	endpoint, key := op.pdsBinding()
	require.Equal(t, "https://pds.example.com", endpoint)
	require.Equal(t, "did:key:zQ3s...", key)
}

func TestPLCOperationPayloadLegacyCreateBinding(t *testing.T) {
	op := plcOperationPayload{
		Type:       "create",
		Service:    "https://pds.example.com",
		SigningKey: "did:key:zQ3slegacy",
	}
	endpoint, key := op.pdsBinding()
	require.Equal(t, "https://pds.example.com", endpoint)
	require.Equal(t, "did:key:zQ3slegacy", key)
}
