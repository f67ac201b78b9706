// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

// EventType identifies a lifecycle event a Client can emit to
// subscribers registered through On.
type EventType int

const (
	// WSConnectEvent fires once the signaling connection is open and
	// the join handshake has completed.
	WSConnectEvent EventType = iota + 1
	// WSDisconnectEvent fires when the signaling connection drops,
	// gracefully or not.
	WSDisconnectEvent
	// CloseEvent fires once Close has fully torn the client down.
	CloseEvent
	// RTCConnectEvent fires once the peer connection's ICE state
	// reaches Connected.
	RTCConnectEvent
	// RTCDisconnectEvent fires when the peer connection's ICE state
	// leaves Connected.
	RTCDisconnectEvent
	// TierChangeEvent fires on every tier-change frame from the server.
	TierChangeEvent
)

// EventHandler is a subscriber callback. A non-nil error is logged but
// does not otherwise affect the client.
type EventHandler func() error

const (
	clientStateNew int32 = iota
	clientStateInit
	clientStateClosing
	clientStateClosed
)
