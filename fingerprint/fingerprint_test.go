// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddReceiverThenSenderMatch(t *testing.T) {
	v := New(10)

	v.AddReceiver("m1", "u1", 1, "u2", 0xABCD)
	v.AddSender("m1", "u1", 1, 0xABCD)

	o := <-v.Outcomes()
	require.True(t, o.Matched)
	require.Equal(t, "u2", o.ReceiverUserID)
}

func TestAddSenderThenReceiverMismatch(t *testing.T) {
	v := New(10)

	v.AddSender("m1", "u1", 1, 0xABCD)
	v.AddReceiver("m1", "u1", 1, "u2", 0xFFFF)

	o := <-v.Outcomes()
	require.False(t, o.Matched)
}

func TestSenderWriteOnce(t *testing.T) {
	v := New(10)

	v.AddSender("m1", "u1", 1, 0xAAAA)
	v.AddSender("m1", "u1", 1, 0xBBBB) // dropped, duplicate
	v.AddReceiver("m1", "u1", 1, "u2", 0xAAAA)

	o := <-v.Outcomes()
	require.True(t, o.Matched)
}

func TestReceiverWriteOncePerReceiver(t *testing.T) {
	v := New(10)

	v.AddReceiver("m1", "u1", 1, "u2", 0xAAAA)
	v.AddReceiver("m1", "u1", 1, "u2", 0xBBBB) // dropped, duplicate receiver
	v.AddSender("m1", "u1", 1, 0xAAAA)

	o := <-v.Outcomes()
	require.True(t, o.Matched)
}

func TestSweepReclaimsExpiredRecords(t *testing.T) {
	v := New(10)
	fixed := time.Now()
	v.nowFunc = func() time.Time { return fixed }

	v.AddSender("m1", "u1", 1, 0xAAAA)

	v.nowFunc = func() time.Time { return fixed.Add(TTL + time.Second) }
	n := v.Sweep()
	require.Equal(t, 1, n)

	n = v.Sweep()
	require.Equal(t, 0, n)
}

func TestSweepKeepsFreshRecords(t *testing.T) {
	v := New(10)
	fixed := time.Now()
	v.nowFunc = func() time.Time { return fixed }

	v.AddSender("m1", "u1", 1, 0xAAAA)

	v.nowFunc = func() time.Time { return fixed.Add(5 * time.Second) }
	n := v.Sweep()
	require.Equal(t, 0, n)
}
