// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtcpstats

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func TestFromReceptionReport(t *testing.T) {
	sample := FromReceptionReport(rtcp.ReceptionReport{FractionLost: 64, Jitter: 960}, 42)
	require.InDelta(t, 0.25, sample.PacketsLostPct, 0.001)
	require.InDelta(t, 20.0, sample.JitterMS, 0.001)
	require.Equal(t, 42.0, sample.RTTMS)
}

func TestFromReceiverReport(t *testing.T) {
	report := &rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{
			{FractionLost: 0, Jitter: 0},
			{FractionLost: 128, Jitter: 1920},
		},
	}
	samples := FromReceiverReport(report, 10)
	require.Len(t, samples, 2)
	require.Equal(t, 0.0, samples[0].PacketsLostPct)
	require.InDelta(t, 0.5, samples[1].PacketsLostPct, 0.001)
	require.InDelta(t, 40.0, samples[1].JitterMS, 0.001)
	require.Equal(t, 10.0, samples[0].RTTMS)
	require.Equal(t, 10.0, samples[1].RTTMS)
}
