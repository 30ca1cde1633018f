package wire

import (
	"bytes"
	"testing"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/stretchr/testify/require"
)

func TestSerializeParseInfoRoundTrip(t *testing.T) {
	msg := "relay is about to restart"
	ev := &Event{
		Kind: KindInfo,
		Info: &comatproto.SyncSubscribeRepos_Info{
			Name:    "OutdatedCursor",
			Message: &msg,
		},
	}

	data, err := Serialize(ev)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, KindInfo, got.Kind)
	require.Equal(t, "OutdatedCursor", got.Info.Name)
	require.NotNil(t, got.Info.Message)
	require.Equal(t, msg, *got.Info.Message)
}

func TestEventAccessorsReturnZeroValuesForInfo(t *testing.T) {
	ev := &Event{Kind: KindInfo, Info: &comatproto.SyncSubscribeRepos_Info{Name: "X"}}
	require.Equal(t, int64(0), ev.Seq())
	require.Equal(t, "", ev.Time())
	require.Equal(t, "", ev.DID())
}

func TestParseRejectsUnknownMsgType(t *testing.T) {
	var buf bytes.Buffer
	hdr := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#bogus"}
	require.NoError(t, hdr.MarshalCBOR(&buf))

	_, err := Parse(buf.Bytes())
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, Kind("#bogus"), perr.Kind)
}
