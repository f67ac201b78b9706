// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientDispatchesOnType(t *testing.T) {
	raw := []byte(`{"type":"join","meetingId":"m1","userId":"u1","displayName":"Alice"}`)

	msg, err := DecodeClient(raw)
	require.NoError(t, err)

	join, ok := msg.(Join)
	require.True(t, ok)
	require.Equal(t, "m1", join.MeetingID)
	require.Equal(t, "u1", join.UserID)
	require.Equal(t, "Alice", join.DisplayName)
}

func TestDecodeClientUnknownType(t *testing.T) {
	raw := []byte(`{"type":"bogus"}`)
	_, err := DecodeClient(raw)
	require.Error(t, err)
}

func TestDecodeClientMalformedJSON(t *testing.T) {
	_, err := DecodeClient([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeClientFrameFingerprint(t *testing.T) {
	raw := []byte(`{"type":"frame-fingerprint","role":"sender","frameId":42,"crc32":123456,"rtpTimestamp":9600}`)
	msg, err := DecodeClient(raw)
	require.NoError(t, err)

	fp, ok := msg.(FrameFingerprint)
	require.True(t, ok)
	require.Equal(t, RoleSender, fp.Role)
	require.EqualValues(t, 42, fp.FrameID)
	require.EqualValues(t, 123456, fp.CRC32)
}

func TestEncodeAddsTypeDiscriminator(t *testing.T) {
	body, err := Encode(UserJoined{UserID: "u2"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"user-joined","userId":"u2"}`, string(body))
}

func TestEncodeAckSummaryRoundTrip(t *testing.T) {
	body, err := Encode(AckSummary{
		MeetingID:    "m1",
		SenderUserID: "u1",
		AckedUsers:   []string{"u2"},
		MissingUsers: []string{},
		MatchRate:    1.0,
		Timestamp:    100,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ack-summary","meetingId":"m1","senderUserId":"u1","ackedUsers":["u2"],"missingUsers":[],"matchRate":1,"timestamp":100}`, string(body))
}
