// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package mediarouter defines the MediaRouter capability set the core
// consumes as an abstract collaborator: the actual SFU (router, RTP
// transport, codec handling) is out of scope and lives behind this
// interface.
package mediarouter

import (
	"context"
	"errors"
)

// ErrNotConsumable is returned by CreateConsumer when the receiver's RTP
// capabilities are incompatible with the producer.
var ErrNotConsumable = errors.New("mediarouter: not consumable")

// Direction identifies a transport's traffic direction.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Layer is a simulcast spatial layer, 0 (LOW) through 2 (HIGH).
type Layer int

const (
	LayerLow  Layer = 0
	LayerMed  Layer = 1
	LayerHigh Layer = 2
)

// ICECandidate is an opaque candidate surfaced to the client verbatim.
type ICECandidate struct {
	Foundation string
	Protocol   string
	Priority   uint32
	IP         string
	Port       int
	Type       string
}

// ICEParameters carries the ICE credentials for a transport.
type ICEParameters struct {
	UsernameFragment string
	Password         string
}

// DTLSFingerprint is one entry of a DTLS fingerprint set.
type DTLSFingerprint struct {
	Algorithm string
	Value     string
}

// DTLSParameters describes a transport's DTLS role and fingerprints.
type DTLSParameters struct {
	Role         string
	Fingerprints []DTLSFingerprint
}

// Transport is the identity and negotiation material for one send or
// recv WebRTC transport.
type Transport struct {
	ID             string
	Direction      Direction
	ICEParameters  ICEParameters
	ICECandidates  []ICECandidate
	DTLSParameters DTLSParameters
}

// RTPCapabilities is an opaque, router-defined capability set; the core
// never interprets its contents beyond passing it through.
type RTPCapabilities map[string]interface{}

// RTPParameters is an opaque, router-defined parameter set describing a
// producer's or consumer's encodings.
type RTPParameters map[string]interface{}

// Consumer is the identity of a created consumer.
type Consumer struct {
	ID            string
	ProducerID    string
	Kind          string
	RTPParameters RTPParameters
}

// Router is the MediaRouter contract required by SessionCoordinator and
// QualityController. Implementations must be safe for concurrent use
// across sessions belonging to different meetings; ordering guarantees
// within a single user's calls are the caller's responsibility.
type Router interface {
	// RouterRTPCapabilities returns the capabilities advertised for
	// meetingID, creating router-side state for the meeting on first
	// call if needed.
	RouterRTPCapabilities(ctx context.Context, meetingID string) (RTPCapabilities, error)

	// CreateTransports creates the send and recv WebRTC transports for
	// userID in meetingID.
	CreateTransports(ctx context.Context, meetingID, userID string) (send, recv Transport, err error)

	// ConnectTransport finalizes DTLS negotiation for transportID.
	ConnectTransport(ctx context.Context, transportID string, direction Direction, dtls DTLSParameters) error

	// CreateProducer creates a producer for userID on its send
	// transport, returning the producer id.
	CreateProducer(ctx context.Context, meetingID, userID, sendTransportID string, rtpParameters RTPParameters) (producerID string, err error)

	// CreateConsumer creates a consumer for receiverUserID consuming
	// senderUserID's producer, using receiverRTPCapabilities. Returns
	// ErrNotConsumable when incompatible.
	CreateConsumer(ctx context.Context, meetingID, receiverUserID, senderUserID string, receiverRTPCapabilities RTPCapabilities) (Consumer, error)

	// SetConsumerPreferredLayer switches the spatial layer forwarded to
	// consumerID.
	SetConsumerPreferredLayer(ctx context.Context, consumerID string, layer Layer) error

	// CleanupUser releases every transport/producer/consumer owned by
	// userID in meetingID.
	CleanupUser(ctx context.Context, meetingID, userID string) error
}
