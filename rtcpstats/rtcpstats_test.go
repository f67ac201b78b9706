// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtcpstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestBeyondSize(t *testing.T) {
	c := New()

	for i := 0; i < RingSize+2; i++ {
		c.AddReport("m1", "u1", Sample{PacketsLostPct: float64(i) / 100})
	}

	snapshot := c.Snapshot("m1")["u1"]
	// Only the last RingSize samples (indices 2..6) should count: avg of
	// 0.02..0.06 in steps of 0.01.
	require.InDelta(t, 0.04, snapshot.LossPctAvg, 0.0001)
}

func TestSnapshotAveragesAcrossRing(t *testing.T) {
	c := New()
	c.AddReport("m1", "u1", Sample{PacketsLostPct: 0.1, JitterMS: 10, RTTMS: 100})
	c.AddReport("m1", "u1", Sample{PacketsLostPct: 0.2, JitterMS: 20, RTTMS: 200})

	s := c.Snapshot("m1")["u1"]
	require.InDelta(t, 0.15, s.LossPctAvg, 0.0001)
	require.InDelta(t, 15, s.JitterMSAvg, 0.0001)
	require.InDelta(t, 150, s.RTTMSAvg, 0.0001)
}

func TestWorstTakesIndependentMaxima(t *testing.T) {
	c := New()
	c.AddReport("m1", "u1", Sample{PacketsLostPct: 0.01, JitterMS: 50, RTTMS: 10})
	c.AddReport("m1", "u2", Sample{PacketsLostPct: 0.08, JitterMS: 5, RTTMS: 300})

	w := c.Worst("m1")
	require.InDelta(t, 0.08, w.LossPct, 0.0001)
	require.InDelta(t, 50, w.JitterMS, 0.0001)
	require.InDelta(t, 300, w.RTTMS, 0.0001)
}

func TestWorstEmptyMeetingIsZero(t *testing.T) {
	c := New()
	w := c.Worst("nope")
	require.Equal(t, Worst{}, w)
}

func TestForgetMeetingClearsAllReceivers(t *testing.T) {
	c := New()
	c.AddReport("m1", "u1", Sample{PacketsLostPct: 0.5})
	c.ForgetMeeting("m1")

	require.Empty(t, c.Snapshot("m1"))
}

func TestForgetReceiverLeavesOthers(t *testing.T) {
	c := New()
	c.AddReport("m1", "u1", Sample{PacketsLostPct: 0.1})
	c.AddReport("m1", "u2", Sample{PacketsLostPct: 0.2})

	c.ForgetReceiver("m1", "u1")

	snapshot := c.Snapshot("m1")
	require.NotContains(t, snapshot, "u1")
	require.Contains(t, snapshot, "u2")
}
