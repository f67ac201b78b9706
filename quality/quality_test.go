// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confdio/confd/mediarouter"
	"github.com/confdio/confd/registry"
	"github.com/confdio/confd/rtcpstats"
)

func TestDecideBoundaries(t *testing.T) {
	require.Equal(t, registry.TierHigh, Decide(rtcpstats.Worst{LossPct: 0, JitterMS: 0, RTTMS: 0}))
	require.Equal(t, registry.TierMed, Decide(rtcpstats.Worst{LossPct: 0.05, JitterMS: 20, RTTMS: 150}))
	require.Equal(t, registry.TierLow, Decide(rtcpstats.Worst{LossPct: 0.051}))
	require.Equal(t, registry.TierLow, Decide(rtcpstats.Worst{JitterMS: 31}))
	require.Equal(t, registry.TierLow, Decide(rtcpstats.Worst{RTTMS: 251}))
	require.Equal(t, registry.TierMed, Decide(rtcpstats.Worst{LossPct: 0.021}))
}

func newTestController(t *testing.T) (*Controller, *registry.Registry, *rtcpstats.Collector, []struct {
	Tier registry.Tier
	At   time.Time
}) {
	t.Helper()
	reg := registry.New()
	_, err := reg.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)

	collector := rtcpstats.New()
	router := mediarouter.NewNoop()

	var changes []struct {
		Tier registry.Tier
		At   time.Time
	}
	notify := func(meetingID string, tier registry.Tier, at time.Time) {
		changes = append(changes, struct {
			Tier registry.Tier
			At   time.Time
		}{tier, at})
	}

	c := New(reg, collector, router, func(string) []string { return nil }, notify, nil, nil)
	return c, reg, collector, changes
}

func TestEvaluateAppliesDegradedTier(t *testing.T) {
	c, reg, collector, _ := newTestController(t)
	collector.AddReport("m1", "u2", rtcpstats.Sample{PacketsLostPct: 0.08, JitterMS: 40, RTTMS: 300})

	c.Evaluate(context.Background(), "m1")

	tier, err := reg.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, registry.TierLow, tier)
}

func TestEvaluateNoChangeWhenEqual(t *testing.T) {
	c, reg, _, _ := newTestController(t)

	// Already HIGH, worst-case reports are all zero -> decision stays HIGH.
	c.Evaluate(context.Background(), "m1")

	tier, err := reg.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, registry.TierHigh, tier)
}

func TestAntiFlapBlocksRapidChange(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	collector := rtcpstats.New()
	router := mediarouter.NewNoop()

	var notified int
	notify := func(string, registry.Tier, time.Time) { notified++ }

	c := New(reg, collector, router, func(string) []string { return nil }, notify, nil, nil)
	fixed := time.Now()
	c.nowFunc = func() time.Time { return fixed }

	collector.AddReport("m1", "u2", rtcpstats.Sample{PacketsLostPct: 0.08})
	c.Evaluate(context.Background(), "m1")
	require.Equal(t, 1, notified)

	// Immediately swing back to HIGH-quality stats; still within the
	// anti-flap window, so no change should be applied.
	c2 := rtcpstats.New()
	c.collector = c2
	c.Evaluate(context.Background(), "m1")
	require.Equal(t, 1, notified)

	tier, err := reg.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, registry.TierLow, tier)

	// Advance past the anti-flap window.
	c.nowFunc = func() time.Time { return fixed.Add(AntiFlapInterval + time.Second) }
	c.Evaluate(context.Background(), "m1")
	require.Equal(t, 2, notified)

	tier, err = reg.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, registry.TierHigh, tier)
}
