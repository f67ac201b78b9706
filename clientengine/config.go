// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package clientengine implements ClientEngine: a reference participant
// that dials a signaling server, negotiates a WebRTC audio call through
// the createWebRtcTransport/connectWebRtcTransport/produce/consume RPCs,
// and emits the frame-fingerprint and rtcp-report telemetry the server
// side relies on. It is the driver used by confbot and by integration
// tests; it is not part of the signaling server itself.
package clientengine

import (
	"fmt"
	"net/url"
	"strings"
)

const signalingWSPath = "/ws"

// Config describes one ClientEngine session.
type Config struct {
	// ServerURL is the base HTTP(S) URL of the signaling server.
	ServerURL string
	// AuthToken authenticates the connection.
	AuthToken string
	// MeetingID is the meeting to join.
	MeetingID string
	// UserID uniquely identifies this participant within MeetingID.
	UserID string
	// DisplayName is the human-readable name announced on join.
	DisplayName string

	wsURL string
}

func (c *Config) Parse() error {
	if c.ServerURL == "" {
		return fmt.Errorf("invalid ServerURL value: should not be empty")
	}
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to parse ServerURL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("invalid ServerURL scheme %q", u.Scheme)
	}
	u.Path += signalingWSPath
	c.wsURL = u.String()

	if c.AuthToken == "" {
		return fmt.Errorf("invalid AuthToken value: should not be empty")
	}
	if c.MeetingID == "" {
		return fmt.Errorf("invalid MeetingID value: should not be empty")
	}
	if c.UserID == "" {
		return fmt.Errorf("invalid UserID value: should not be empty")
	}

	return nil
}
