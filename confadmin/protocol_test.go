// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package confadmin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{Op: OpForceTier, MeetingID: "meeting-1", Tier: "LOW"}

	data, err := Encode(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		Meetings: []MeetingSnapshot{
			{MeetingID: "meeting-1", Tier: "HIGH", Participants: 3},
			{MeetingID: "meeting-2", Tier: "LOW", Participants: 1},
		},
	}

	data, err := Encode(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestResponseError(t *testing.T) {
	resp := Response{Error: "unauthorized"}

	data, err := Encode(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	require.Equal(t, "unauthorized", decoded.Error)
	require.Empty(t, decoded.Meetings)
}
