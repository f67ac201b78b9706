// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package protocol defines the JSON wire messages exchanged between
// ClientEngine and SessionCoordinator over a SignalingTransport
// connection. Every frame is a single JSON object carrying a "type"
// discriminator; Decode dispatches on it into a concrete Go type
// instead of leaving callers to branch on the string themselves.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators, client -> server.
const (
	TypeJoin                     = "join"
	TypeGetRouterRTPCapabilities = "getRouterRtpCapabilities"
	TypeCreateWebRTCTransport    = "createWebRtcTransport"
	TypeConnectWebRTCTransport   = "connectWebRtcTransport"
	TypeProduce                  = "produce"
	TypeConsume                  = "consume"
	TypeLeave                    = "leave"
	TypeFrameFingerprint         = "frame-fingerprint"
	TypeRTCPReport               = "rtcp-report"
)

// Message type discriminators, server -> client.
const (
	TypeJoined                  = "joined"
	TypeRouterRTPCapabilities   = "routerRtpCapabilities"
	TypeWebRTCTransportCreated = "webRtcTransportCreated"
	TypeWebRTCTransportConnect = "webRtcTransportConnected"
	TypeProduced               = "produced"
	TypeNewProducer            = "newProducer"
	TypeConsumed               = "consumed"
	TypeUserJoined             = "user-joined"
	TypeUserLeft               = "user-left"
	TypeTierChange             = "tier-change"
	TypeAckSummary             = "ack-summary"
	TypeError                  = "error"
)

// FingerprintRole distinguishes sender- and receiver-side fingerprint
// reports carried in the same message type.
type FingerprintRole string

const (
	RoleSender   FingerprintRole = "sender"
	RoleReceiver FingerprintRole = "receiver"
)

// ClientMessage is implemented by every client -> server payload.
type ClientMessage interface {
	messageType() string
}

// ServerMessage is implemented by every server -> client payload.
type ServerMessage interface {
	messageType() string
}

type envelope struct {
	Type string `json:"type"`
}

// --- client -> server payloads ---

type Join struct {
	MeetingID   string `json:"meetingId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (Join) messageType() string { return TypeJoin }

type GetRouterRTPCapabilities struct{}

func (GetRouterRTPCapabilities) messageType() string { return TypeGetRouterRTPCapabilities }

type CreateWebRTCTransport struct {
	Direction string `json:"direction"`
}

func (CreateWebRTCTransport) messageType() string { return TypeCreateWebRTCTransport }

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

type ConnectWebRTCTransport struct {
	Direction      string         `json:"direction"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

func (ConnectWebRTCTransport) messageType() string { return TypeConnectWebRTCTransport }

type Produce struct {
	Kind          string                 `json:"kind"`
	RTPParameters map[string]interface{} `json:"rtpParameters"`
}

func (Produce) messageType() string { return TypeProduce }

type Consume struct {
	ProducerID string `json:"producerId"`
}

func (Consume) messageType() string { return TypeConsume }

type Leave struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

func (Leave) messageType() string { return TypeLeave }

type FrameFingerprint struct {
	Role           FingerprintRole `json:"role"`
	FrameID        uint64          `json:"frameId"`
	CRC32          uint32          `json:"crc32"`
	SenderUserID   string          `json:"senderUserId,omitempty"`
	ReceiverUserID string          `json:"receiverUserId,omitempty"`
	RTPTimestamp   uint32          `json:"rtpTimestamp,omitempty"`
}

func (FrameFingerprint) messageType() string { return TypeFrameFingerprint }

type RTCPData struct {
	PacketsLost float64 `json:"packetsLost"`
	Jitter      float64 `json:"jitter"`
	RTT         float64 `json:"rtt"`
	Timestamp   int64   `json:"timestamp"`
	// RawReport carries a marshaled pion/rtcp ReceiverReport encoding the
	// same loss/jitter figures, letting the server cross-check the plain
	// fields above against a real RTCP packet decode instead of trusting
	// client-computed floats outright. Omitted by clients that can't
	// build one.
	RawReport []byte `json:"rawReport,omitempty"`
}

type RTCPReport struct {
	MeetingID string   `json:"meetingId"`
	UserID    string   `json:"userId"`
	RTCPData  RTCPData `json:"rtcpData"`
}

func (RTCPReport) messageType() string { return TypeRTCPReport }

// DecodeClient inspects raw's "type" field and unmarshals the envelope
// into the matching ClientMessage. Unknown or missing types return an
// error the caller should surface as a protocol error (400 Malformed).
func DecodeClient(raw []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	var msg ClientMessage
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeGetRouterRTPCapabilities:
		msg = &GetRouterRTPCapabilities{}
	case TypeCreateWebRTCTransport:
		msg = &CreateWebRTCTransport{}
	case TypeConnectWebRTCTransport:
		msg = &ConnectWebRTCTransport{}
	case TypeProduce:
		msg = &Produce{}
	case TypeConsume:
		msg = &Consume{}
	case TypeLeave:
		msg = &Leave{}
	case TypeFrameFingerprint:
		msg = &FrameFingerprint{}
	case TypeRTCPReport:
		msg = &RTCPReport{}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("protocol: malformed %s frame: %w", env.Type, err)
	}

	// Unwrap the pointer the switch needed for json.Unmarshal back to a
	// value type so callers can type-switch on the value forms above.
	switch v := msg.(type) {
	case *Join:
		return *v, nil
	case *GetRouterRTPCapabilities:
		return *v, nil
	case *CreateWebRTCTransport:
		return *v, nil
	case *ConnectWebRTCTransport:
		return *v, nil
	case *Produce:
		return *v, nil
	case *Consume:
		return *v, nil
	case *Leave:
		return *v, nil
	case *FrameFingerprint:
		return *v, nil
	case *RTCPReport:
		return *v, nil
	}
	return msg, nil
}

// --- server -> client payloads ---

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Protocol   string `json:"protocol"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
}

type Joined struct {
	Success               bool                   `json:"success"`
	Participants          []string               `json:"participants"`
	RouterRTPCapabilities map[string]interface{} `json:"routerRtpCapabilities"`
	Timestamp             int64                  `json:"timestamp"`
}

func (Joined) messageType() string { return TypeJoined }

type RouterRTPCapabilitiesMsg struct {
	RTPCapabilities map[string]interface{} `json:"rtpCapabilities"`
}

func (RouterRTPCapabilitiesMsg) messageType() string { return TypeRouterRTPCapabilities }

type WebRTCTransportCreated struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

func (WebRTCTransportCreated) messageType() string { return TypeWebRTCTransportCreated }

type WebRTCTransportConnected struct{}

func (WebRTCTransportConnected) messageType() string { return TypeWebRTCTransportConnect }

type Produced struct {
	ProducerID string `json:"producerId"`
}

func (Produced) messageType() string { return TypeProduced }

type NewProducer struct {
	ProducerUserID string `json:"producerUserId"`
	ProducerID     string `json:"producerId"`
}

func (NewProducer) messageType() string { return TypeNewProducer }

type Consumed struct {
	ID            string                 `json:"id"`
	ProducerID    string                 `json:"producerId"`
	Kind          string                 `json:"kind"`
	RTPParameters map[string]interface{} `json:"rtpParameters"`
}

func (Consumed) messageType() string { return TypeConsumed }

type UserJoined struct {
	UserID string `json:"userId"`
}

func (UserJoined) messageType() string { return TypeUserJoined }

type UserLeft struct {
	UserID string `json:"userId"`
}

func (UserLeft) messageType() string { return TypeUserLeft }

type TierChange struct {
	Tier      string `json:"tier"`
	Timestamp int64  `json:"timestamp"`
}

func (TierChange) messageType() string { return TypeTierChange }

type AckSummary struct {
	MeetingID    string   `json:"meetingId"`
	SenderUserID string   `json:"senderUserId"`
	AckedUsers   []string `json:"ackedUsers"`
	MissingUsers []string `json:"missingUsers"`
	MatchRate    float64  `json:"matchRate"`
	Timestamp    int64    `json:"timestamp"`
}

func (AckSummary) messageType() string { return TypeAckSummary }

// Error codes per the external interface's taxonomy.
const (
	CodeMalformed          = 400
	CodeUnauthorized       = 401
	CodeNotFound           = 404
	CodeMediaRouterFailure = 500
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (Error) messageType() string { return TypeError }

// ServerMessageType returns msg's wire type discriminator.
func ServerMessageType(msg ServerMessage) string { return msg.messageType() }

// ClientMessageType returns msg's wire type discriminator.
func ClientMessageType(msg ClientMessage) string { return msg.messageType() }

func encodeFrame(typ string, msg interface{}) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// Encode marshals any ServerMessage into a JSON frame carrying its type
// discriminator alongside its fields.
func Encode(msg ServerMessage) ([]byte, error) {
	return encodeFrame(msg.messageType(), msg)
}

// EncodeClient marshals any ClientMessage into a JSON frame carrying its
// type discriminator, for use by ClientEngine when sending requests.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encodeFrame(msg.messageType(), msg)
}

// DecodeServer inspects raw's "type" field and unmarshals the envelope
// into the matching ServerMessage. Used by ClientEngine to parse frames
// coming from SessionCoordinator.
func DecodeServer(raw []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	var msg ServerMessage
	switch env.Type {
	case TypeJoined:
		msg = &Joined{}
	case TypeRouterRTPCapabilities:
		msg = &RouterRTPCapabilitiesMsg{}
	case TypeWebRTCTransportCreated:
		msg = &WebRTCTransportCreated{}
	case TypeWebRTCTransportConnect:
		msg = &WebRTCTransportConnected{}
	case TypeProduced:
		msg = &Produced{}
	case TypeNewProducer:
		msg = &NewProducer{}
	case TypeConsumed:
		msg = &Consumed{}
	case TypeUserJoined:
		msg = &UserJoined{}
	case TypeUserLeft:
		msg = &UserLeft{}
	case TypeTierChange:
		msg = &TierChange{}
	case TypeAckSummary:
		msg = &AckSummary{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("protocol: malformed %s frame: %w", env.Type, err)
	}

	switch v := msg.(type) {
	case *Joined:
		return *v, nil
	case *RouterRTPCapabilitiesMsg:
		return *v, nil
	case *WebRTCTransportCreated:
		return *v, nil
	case *WebRTCTransportConnected:
		return *v, nil
	case *Produced:
		return *v, nil
	case *NewProducer:
		return *v, nil
	case *Consumed:
		return *v, nil
	case *UserJoined:
		return *v, nil
	case *UserLeft:
		return *v, nil
	case *TierChange:
		return *v, nil
	case *AckSummary:
		return *v, nil
	case *Error:
		return *v, nil
	}
	return msg, nil
}
