// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigParseNormalizesScheme(t *testing.T) {
	cfg := Config{ServerURL: "https://conf.example.com/", AuthToken: "tok", MeetingID: "m1", UserID: "u1"}
	require.NoError(t, cfg.Parse())
	require.Equal(t, "wss://conf.example.com/ws", cfg.wsURL)

	cfg2 := Config{ServerURL: "http://localhost:8080", AuthToken: "tok", MeetingID: "m1", UserID: "u1"}
	require.NoError(t, cfg2.Parse())
	require.Equal(t, "ws://localhost:8080/ws", cfg2.wsURL)
}

func TestConfigParseRejectsMissingFields(t *testing.T) {
	cases := []Config{
		{AuthToken: "tok", MeetingID: "m1", UserID: "u1"},
		{ServerURL: "http://x", MeetingID: "m1", UserID: "u1"},
		{ServerURL: "http://x", AuthToken: "tok", UserID: "u1"},
		{ServerURL: "http://x", AuthToken: "tok", MeetingID: "m1"},
		{ServerURL: "ftp://x", AuthToken: "tok", MeetingID: "m1", UserID: "u1"},
	}
	for _, cfg := range cases {
		require.Error(t, cfg.Parse())
	}
}
