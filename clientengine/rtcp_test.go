// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/confdio/confd/protocol"
)

func TestBuildRawReportRoundTrips(t *testing.T) {
	raw := buildRawReport(protocol.RTCPData{PacketsLost: 0.5, Jitter: 20, RTT: 80})
	require.NotEmpty(t, raw)

	packets, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	require.Equal(t, uint8(128), rr.Reports[0].FractionLost)
}

func TestCollectRTCPDataAttachesRawReport(t *testing.T) {
	c, err := New(validConfig())
	require.NoError(t, err)

	c.SetNetworkProfile(0.1, 25, 150)
	data := c.collectRTCPData()
	require.NotEmpty(t, data.RawReport)

	packets, err := rtcp.Unmarshal(data.RawReport)
	require.NoError(t, err)
	require.Len(t, packets, 1)
}
