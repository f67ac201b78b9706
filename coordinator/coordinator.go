// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/rtcp"

	"github.com/confdio/confd/fingerprint"
	"github.com/confdio/confd/mediarouter"
	"github.com/confdio/confd/protocol"
	"github.com/confdio/confd/registry"
	"github.com/confdio/confd/rtcpstats"
)

// MediaRouterTimeout is the per-call deadline for MediaRouter
// operations; on expiry the coordinator returns 500 MediaRouterTimeout
// and closes the session.
const MediaRouterTimeout = 5 * time.Second

// Sender delivers a server message to this session's own client.
type Sender func(msg protocol.ServerMessage) error

// Broadcaster delivers a server message to every other joined
// participant in a meeting, in triggering order, excluding the given
// user.
type Broadcaster func(meetingID, excludeUserID string, msg protocol.ServerMessage)

// Deps bundles the shared collaborators a Coordinator consults. One set
// of Deps is shared by every session's Coordinator in the process.
type Deps struct {
	Registry    *registry.Registry
	Router      mediarouter.Router
	Fingerprint *fingerprint.Verifier
	Rtcp        *rtcpstats.Collector
	Log         mlog.LoggerIFace
}

// Coordinator is the SessionCoordinator for one connected client. It is
// owned by the session's single inbound-reading goroutine; no method is
// safe to call concurrently from multiple goroutines for the same
// Coordinator.
type Coordinator struct {
	deps Deps

	sessionID string
	send      Sender
	broadcast Broadcaster

	mut sync.Mutex

	state       State
	meetingID   string
	userID      string
	displayName string

	sendTransportID, recvTransportID string
	sendConnected, recvConnected     bool
	sendDTLS, recvDTLS               protocol.DTLSParameters
	recvRTPCaps                      mediarouter.RTPCapabilities

	producerID string
	consumers  map[string]string // peerUserID -> consumerID

	meetingDestroyed bool

	producerOwner ProducerOwnerFunc
}

// ProducerOwnerFunc resolves which joined user owns producerID within
// the caller's meeting, used by consume to find the sender to pair a
// consumer against.
type ProducerOwnerFunc func(producerID string) string

// Option configures a Coordinator at construction time.
type Option func(c *Coordinator)

// WithProducerOwner sets the lookup used to resolve a producerID to its
// owning user for consume. The wiring layer supplies one that scans its
// live sessions' producer ids (see confsvc).
func WithProducerOwner(f ProducerOwnerFunc) Option {
	return func(c *Coordinator) {
		c.producerOwner = f
	}
}

// New returns a Coordinator in State New for sessionID.
func New(deps Deps, sessionID string, send Sender, broadcast Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		deps:      deps,
		sessionID: sessionID,
		send:      send,
		broadcast: broadcast,
		state:     StateNew,
		consumers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the session's current state.
func (c *Coordinator) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Accept marks the session as having passed whatever pre-authentication
// check the transport layer performed at connection time. Real
// auth/JWT issuance is out of scope for the core; this transition
// exists purely to gate protocol messages per the state machine.
func (c *Coordinator) Accept() {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state == StateNew {
		c.state = StateAuthenticated
	}
}

// HandleMessage dispatches msg by its concrete type, validating that
// the current state permits the operation. On failure it sends the
// error frame (Error.ToProtocol) to the client itself and returns the
// non-nil *Error; if Error.Close is true the caller closes the
// connection afterward.
//
// HandleMessage never retries internally; unrecoverable failures are
// reported back on the same channel per the coordinator's failure
// semantics.
func (c *Coordinator) HandleMessage(ctx context.Context, msg protocol.ClientMessage) *Error {
	c.mut.Lock()
	state := c.state
	c.mut.Unlock()

	if state == StateClosed {
		return nil // dropped silently
	}
	if state == StateNew {
		return c.sendErr(errUnauthorized())
	}

	switch m := msg.(type) {
	case protocol.Join:
		return c.handleJoin(m)
	case protocol.GetRouterRTPCapabilities:
		return c.handleGetRouterRTPCapabilities(ctx)
	case protocol.CreateWebRTCTransport:
		return c.handleCreateTransport(ctx, m)
	case protocol.ConnectWebRTCTransport:
		return c.handleConnectTransport(ctx, m)
	case protocol.Produce:
		return c.handleProduce(ctx, m)
	case protocol.Consume:
		return c.handleConsume(ctx, m)
	case protocol.Leave:
		return c.handleLeave(ctx)
	case protocol.FrameFingerprint:
		return c.handleFrameFingerprint(m)
	case protocol.RTCPReport:
		return c.handleRTCPReport(m)
	default:
		return c.sendErr(errMalformed("unknown message"))
	}
}

func (c *Coordinator) sendErr(e *Error) *Error {
	if e == nil {
		return nil
	}
	if c.send != nil {
		_ = c.send(e.ToProtocol())
	}
	return e
}

func (c *Coordinator) handleJoin(m protocol.Join) *Error {
	c.mut.Lock()
	if c.state != StateAuthenticated {
		c.mut.Unlock()
		return c.sendErr(errInvalidState("join called out of order"))
	}
	c.mut.Unlock()

	participants, err := c.deps.Registry.Register(m.MeetingID, m.UserID, c.sessionID, c.send)
	if err != nil {
		return c.sendErr(errDuplicateUser())
	}

	c.mut.Lock()
	c.meetingID = m.MeetingID
	c.userID = m.UserID
	c.displayName = m.DisplayName
	c.state = StateJoined
	c.mut.Unlock()

	caps, _ := c.deps.Router.RouterRTPCapabilities(context.Background(), m.MeetingID)

	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = p.UserID
	}

	if c.send != nil {
		_ = c.send(protocol.Joined{
			Success:               true,
			Participants:          names,
			RouterRTPCapabilities: caps,
			Timestamp:             nowMillis(),
		})
	}

	if c.broadcast != nil {
		c.broadcast(m.MeetingID, m.UserID, protocol.UserJoined{UserID: m.UserID})
	}

	return nil
}

func (c *Coordinator) handleGetRouterRTPCapabilities(ctx context.Context) *Error {
	c.mut.Lock()
	meetingID := c.meetingID
	joined := c.state.joinedOrLater()
	c.mut.Unlock()

	if !joined {
		return c.sendErr(errInvalidState("not joined"))
	}

	caps, err := c.deps.Router.RouterRTPCapabilities(ctx, meetingID)
	if err != nil {
		return c.sendErr(errMediaRouterFailure(err.Error()))
	}

	if c.send != nil {
		_ = c.send(protocol.RouterRTPCapabilitiesMsg{RTPCapabilities: caps})
	}
	return nil
}

func (c *Coordinator) handleCreateTransport(ctx context.Context, m protocol.CreateWebRTCTransport) *Error {
	c.mut.Lock()
	meetingID, userID := c.meetingID, c.userID
	joined := c.state.joinedOrLater()
	c.mut.Unlock()

	if !joined {
		return c.sendErr(errInvalidState("not joined"))
	}

	callCtx, cancel := context.WithTimeout(ctx, MediaRouterTimeout)
	defer cancel()

	send, recv, err := c.deps.Router.CreateTransports(callCtx, meetingID, userID)
	if err != nil {
		if callCtx.Err() != nil {
			return c.sendErr(errMediaRouterTimeout())
		}
		return c.sendErr(errMediaRouterFailure(err.Error()))
	}

	var t mediarouter.Transport
	switch m.Direction {
	case "send":
		t = send
	case "recv":
		t = recv
	default:
		return c.sendErr(errMalformed("invalid direction"))
	}

	c.mut.Lock()
	if m.Direction == "send" {
		c.sendTransportID = t.ID
		if c.state == StateJoined {
			c.state = StateTransportsCreated
		}
	} else {
		c.recvTransportID = t.ID
	}
	c.mut.Unlock()

	candidates := make([]protocol.ICECandidate, len(t.ICECandidates))
	for i, cand := range t.ICECandidates {
		candidates[i] = protocol.ICECandidate{
			Foundation: cand.Foundation,
			Protocol:   cand.Protocol,
			Priority:   cand.Priority,
			IP:         cand.IP,
			Port:       cand.Port,
			Type:       cand.Type,
		}
	}
	fingerprints := make([]protocol.DTLSFingerprint, len(t.DTLSParameters.Fingerprints))
	for i, fp := range t.DTLSParameters.Fingerprints {
		fingerprints[i] = protocol.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value}
	}

	if c.send != nil {
		_ = c.send(protocol.WebRTCTransportCreated{
			ID:            t.ID,
			ICEParameters: protocol.ICEParameters{UsernameFragment: t.ICEParameters.UsernameFragment, Password: t.ICEParameters.Password},
			ICECandidates: candidates,
			DTLSParameters: protocol.DTLSParameters{
				Role:         t.DTLSParameters.Role,
				Fingerprints: fingerprints,
			},
		})
	}
	return nil
}

func dtlsEqual(a, b protocol.DTLSParameters) bool {
	if a.Role != b.Role || len(a.Fingerprints) != len(b.Fingerprints) {
		return false
	}
	for i := range a.Fingerprints {
		if a.Fingerprints[i] != b.Fingerprints[i] {
			return false
		}
	}
	return true
}

func (c *Coordinator) handleConnectTransport(ctx context.Context, m protocol.ConnectWebRTCTransport) *Error {
	c.mut.Lock()
	var transportID string
	var alreadyConnected bool
	var priorDTLS protocol.DTLSParameters
	switch m.Direction {
	case "send":
		transportID = c.sendTransportID
		alreadyConnected = c.sendConnected
		priorDTLS = c.sendDTLS
	case "recv":
		transportID = c.recvTransportID
		alreadyConnected = c.recvConnected
		priorDTLS = c.recvDTLS
	default:
		c.mut.Unlock()
		return c.sendErr(errMalformed("invalid direction"))
	}
	c.mut.Unlock()

	if transportID == "" {
		return c.sendErr(errInvalidState("connect before create"))
	}

	if alreadyConnected {
		if !dtlsEqual(priorDTLS, m.DTLSParameters) {
			return c.sendErr(errInvalidState("dtls mismatch on reconnect"))
		}
		if c.send != nil {
			_ = c.send(protocol.WebRTCTransportConnected{})
		}
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, MediaRouterTimeout)
	defer cancel()

	dtls := mediarouter.DTLSParameters{Role: m.DTLSParameters.Role}
	for _, fp := range m.DTLSParameters.Fingerprints {
		dtls.Fingerprints = append(dtls.Fingerprints, mediarouter.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	dir := mediarouter.DirectionSend
	if m.Direction == "recv" {
		dir = mediarouter.DirectionRecv
	}

	if err := c.deps.Router.ConnectTransport(callCtx, transportID, dir, dtls); err != nil {
		if callCtx.Err() != nil {
			return c.sendErr(errMediaRouterTimeout())
		}
		return c.sendErr(errMediaRouterFailure(err.Error()))
	}

	c.mut.Lock()
	if m.Direction == "send" {
		c.sendConnected = true
		c.sendDTLS = m.DTLSParameters
	} else {
		c.recvConnected = true
		c.recvDTLS = m.DTLSParameters
	}
	c.mut.Unlock()

	if c.send != nil {
		_ = c.send(protocol.WebRTCTransportConnected{})
	}
	return nil
}

func (c *Coordinator) handleProduce(ctx context.Context, m protocol.Produce) *Error {
	c.mut.Lock()
	meetingID, userID := c.meetingID, c.userID
	sendTransportID := c.sendTransportID
	sendConnected := c.sendConnected
	c.mut.Unlock()

	if sendTransportID == "" || !sendConnected {
		return c.sendErr(errInvalidState("produce before send transport connected"))
	}

	callCtx, cancel := context.WithTimeout(ctx, MediaRouterTimeout)
	defer cancel()

	producerID, err := c.deps.Router.CreateProducer(callCtx, meetingID, userID, sendTransportID, m.RTPParameters)
	if err != nil {
		if callCtx.Err() != nil {
			return c.sendErr(errMediaRouterTimeout())
		}
		return c.sendErr(errMediaRouterFailure(err.Error()))
	}

	c.mut.Lock()
	c.producerID = producerID
	c.recvRTPCaps = mediarouter.RTPCapabilities(m.RTPParameters)
	if c.state == StateTransportsCreated || c.state == StateJoined {
		c.state = StateProducing
	}
	c.mut.Unlock()

	if c.send != nil {
		_ = c.send(protocol.Produced{ProducerID: producerID})
	}
	if c.broadcast != nil {
		c.broadcast(meetingID, userID, protocol.NewProducer{ProducerUserID: userID, ProducerID: producerID})
	}
	return nil
}

func (c *Coordinator) handleConsume(ctx context.Context, m protocol.Consume) *Error {
	c.mut.Lock()
	meetingID, userID := c.meetingID, c.userID
	joined := c.state.joinedOrLater()
	recvCaps := c.recvRTPCaps
	c.mut.Unlock()

	if !joined {
		return c.sendErr(errInvalidState("not joined"))
	}

	senderUserID := c.senderForProducer(m.ProducerID)
	if senderUserID == "" {
		return c.sendErr(errNotFound("producer"))
	}

	callCtx, cancel := context.WithTimeout(ctx, MediaRouterTimeout)
	defer cancel()

	consumer, err := c.deps.Router.CreateConsumer(callCtx, meetingID, userID, senderUserID, recvCaps)
	if err != nil {
		if errors.Is(err, mediarouter.ErrNotConsumable) {
			return c.sendErr(errNotConsumable())
		}
		if callCtx.Err() != nil {
			return c.sendErr(errMediaRouterTimeout())
		}
		return c.sendErr(errMediaRouterFailure(err.Error()))
	}

	c.mut.Lock()
	c.consumers[senderUserID] = consumer.ID
	if c.state != StateLeaving && c.state != StateClosed {
		c.state = StateConsuming
	}
	c.mut.Unlock()

	if c.send != nil {
		_ = c.send(protocol.Consumed{
			ID:            consumer.ID,
			ProducerID:    consumer.ProducerID,
			Kind:          consumer.Kind,
			RTPParameters: consumer.RTPParameters,
		})
	}
	return nil
}

// senderForProducer looks up which meeting participant owns producerID
// via the ProducerOwnerFunc supplied through WithProducerOwner.
func (c *Coordinator) senderForProducer(producerID string) string {
	if c.producerOwner == nil {
		return ""
	}
	return c.producerOwner(producerID)
}

func (c *Coordinator) handleLeave(ctx context.Context) *Error {
	c.mut.Lock()
	if c.state == StateLeaving || c.state == StateClosed {
		c.mut.Unlock()
		return nil
	}
	meetingID, userID := c.meetingID, c.userID
	c.state = StateLeaving
	c.mut.Unlock()

	if meetingID != "" && userID != "" {
		callCtx, cancel := context.WithTimeout(ctx, MediaRouterTimeout)
		if err := c.deps.Router.CleanupUser(callCtx, meetingID, userID); err != nil && c.deps.Log != nil {
			c.deps.Log.Error("coordinator: cleanup failed", mlog.String("meetingID", meetingID), mlog.String("userID", userID), mlog.Err(err))
		}
		cancel()

		destroyed := c.deps.Registry.Remove(meetingID, userID)
		c.mut.Lock()
		c.meetingDestroyed = destroyed
		c.mut.Unlock()

		if c.broadcast != nil {
			c.broadcast(meetingID, userID, protocol.UserLeft{UserID: userID})
		}
	}

	c.mut.Lock()
	c.state = StateClosed
	c.mut.Unlock()
	return nil
}

// MeetingDestroyed reports whether this session's leave destroyed the
// meeting (i.e. it was the last participant), so the wiring layer can
// tear down per-meeting aggregator/collector/controller state.
func (c *Coordinator) MeetingDestroyed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.meetingDestroyed
}

// MeetingID returns the session's joined meeting, or "" if none.
func (c *Coordinator) MeetingID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.meetingID
}

// UserID returns the session's joined user id, or "" if none.
func (c *Coordinator) UserID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.userID
}

// ProducerID returns the session's own producer id, or "" if it has not
// produced yet. Used by the wiring layer to resolve which live session
// owns a producer id.
func (c *Coordinator) ProducerID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.producerID
}

// ConsumerIDs returns the ids of every consumer this session currently
// holds, used by the wiring layer to list a meeting's consumers for
// QualityController.
func (c *Coordinator) ConsumerIDs() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	ids := make([]string, 0, len(c.consumers))
	for _, id := range c.consumers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) handleFrameFingerprint(m protocol.FrameFingerprint) *Error {
	c.mut.Lock()
	meetingID, userID := c.meetingID, c.userID
	c.mut.Unlock()

	if c.deps.Fingerprint == nil {
		return nil
	}

	switch m.Role {
	case protocol.RoleSender:
		c.deps.Fingerprint.AddSender(meetingID, userID, m.FrameID, m.CRC32)
	case protocol.RoleReceiver:
		sender := m.SenderUserID
		if sender == "" {
			return c.sendErr(errMalformed("receiver fingerprint missing senderUserId"))
		}
		c.deps.Fingerprint.AddReceiver(meetingID, sender, m.FrameID, userID, m.CRC32)
	default:
		return c.sendErr(errMalformed("invalid fingerprint role"))
	}
	return nil
}

func (c *Coordinator) handleRTCPReport(m protocol.RTCPReport) *Error {
	if c.deps.Rtcp == nil {
		return nil
	}

	sample := rtcpstats.Sample{
		PacketsLostPct: m.RTCPData.PacketsLost,
		JitterMS:       m.RTCPData.Jitter,
		RTTMS:          m.RTCPData.RTT,
	}
	if decoded, ok := rtcpSampleFromRaw(m.RTCPData.RawReport, m.RTCPData.RTT); ok {
		sample = decoded
	}

	c.deps.Rtcp.AddReport(m.MeetingID, m.UserID, sample)
	return nil
}

// rtcpSampleFromRaw decodes raw as a pion/rtcp packet and, if it is a
// ReceiverReport carrying at least one ReceptionReport, returns the
// Sample for its first entry. A client that can't build a real RTCP
// packet (see clientengine's buildRawReport) sends no RawReport, and
// handleRTCPReport falls back to the plain jitter/loss/rtt fields.
func rtcpSampleFromRaw(raw []byte, rttMS float64) (rtcpstats.Sample, bool) {
	if len(raw) == 0 {
		return rtcpstats.Sample{}, false
	}

	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return rtcpstats.Sample{}, false
	}

	for _, p := range packets {
		if rr, ok := p.(*rtcp.ReceiverReport); ok {
			samples := rtcpstats.FromReceiverReport(rr, rttMS)
			if len(samples) > 0 {
				return samples[0], true
			}
		}
	}
	return rtcpstats.Sample{}, false
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
