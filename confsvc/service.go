// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package confsvc

import (
	"context"
	"fmt"
	"net/http/pprof"
	"sync"
	"time"

	godeltaprof "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"
	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/confdio/confd/ack"
	"github.com/confdio/confd/coordinator"
	"github.com/confdio/confd/fingerprint"
	"github.com/confdio/confd/mediarouter"
	"github.com/confdio/confd/perf"
	"github.com/confdio/confd/protocol"
	"github.com/confdio/confd/random"
	"github.com/confdio/confd/registry"
	"github.com/confdio/confd/rtcpstats"
	"github.com/confdio/confd/ws"

	"github.com/confdio/confd/api"
	"github.com/confdio/confd/quality"
)

// Service wires every control-plane component behind the signaling
// WebSocket endpoint and the metrics/admin HTTP surface, mirroring the
// role the teacher's service.Service plays for rtcd.
type Service struct {
	cfg Config
	log mlog.LoggerIFace

	// runID tags every lifecycle log line emitted by this process so
	// multiple confd instances' logs can be told apart when aggregated.
	runID string

	apiServer *api.Server
	wsServer  *ws.Server

	metrics *perf.Metrics

	registry    *registry.Registry
	router      mediarouter.Router
	fingerprint *fingerprint.Verifier
	acker       *ack.Aggregator
	rtcp        *rtcpstats.Collector
	quality     *quality.Controller

	mut      sync.RWMutex
	sessions map[string]*coordinator.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Service from cfg. It does not start listening; call
// Start for that.
func New(cfg Config, log mlog.LoggerIFace) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	apiServer, err := api.NewServer(cfg.API.HTTP, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	wsServer, err := ws.NewServer(cfg.WS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:         cfg,
		log:         log,
		runID:       random.NewShortID(),
		apiServer:   apiServer,
		wsServer:    wsServer,
		metrics:     perf.NewMetrics(cfg.Metrics.Namespace, nil),
		registry:    registry.New(),
		router:      mediarouter.NewNoop(),
		fingerprint: fingerprint.New(fingerprintOutcomeBuf),
		sessions:    make(map[string]*coordinator.Coordinator),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.acker = ack.New(s.roster, s.fingerprint.Forget, ackSummaryBuf)
	s.rtcp = rtcpstats.New()
	s.quality = quality.New(s.registry, s.rtcp, s.router, s.consumersForMeeting, s.onTierChange, log, s.onMediaRouterError)

	return s, nil
}

const (
	fingerprintOutcomeBuf = 256
	ackSummaryBuf         = 256
)

// roster is the ack.RosterFunc: the live participant list for a
// meeting, excluding the speaker.
func (s *Service) roster(meetingID, excludeUserID string) []string {
	participants := s.registry.ListRecipients(meetingID, excludeUserID)
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = p.UserID
	}
	return out
}

// consumersForMeeting is the quality.ConsumerLookup: every consumer id
// held by any session currently joined to meetingID.
func (s *Service) consumersForMeeting(meetingID string) []string {
	s.mut.RLock()
	defer s.mut.RUnlock()

	var ids []string
	for _, co := range s.sessions {
		if co.MeetingID() == meetingID {
			ids = append(ids, co.ConsumerIDs()...)
		}
	}
	return ids
}

// producerOwner is the coordinator.ProducerOwnerFunc: resolves a
// producer id to the user id of the session that created it by
// scanning live sessions, since Noop producer ids are already globally
// unique.
func (s *Service) producerOwner(producerID string) string {
	s.mut.RLock()
	defer s.mut.RUnlock()

	for _, co := range s.sessions {
		if co.ProducerID() == producerID {
			return co.UserID()
		}
	}
	return ""
}

func (s *Service) onTierChange(meetingID string, tier registry.Tier, at time.Time) {
	s.metrics.IncTierChange(string(tier))
	s.broadcastToMeeting(meetingID, "", protocol.TierChange{
		Tier:      string(tier),
		Timestamp: at.UnixMilli(),
	})
}

func (s *Service) onMediaRouterError(meetingID, op string, _ error) {
	s.metrics.IncMediaRouterError(op)
}

// sender returns the coordinator.Sender bound to one ws connection. The
// same closure value is what the Coordinator stores as the
// registry.SendHandle for that participant, letting cross-session
// broadcast reuse it directly.
func (s *Service) sender(connID string) coordinator.Sender {
	return func(msg protocol.ServerMessage) error {
		raw, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		s.wsServer.SendCh() <- ws.Message{ConnID: connID, Type: ws.TextMessage, Data: raw}
		return nil
	}
}

// broadcaster is the coordinator.Broadcaster every session's Coordinator
// shares: it delivers msg to every other registered participant in
// meetingID by invoking the Sender closure the registry holds for them.
func (s *Service) broadcaster(meetingID, excludeUserID string, msg protocol.ServerMessage) {
	s.broadcastToMeeting(meetingID, excludeUserID, msg)
}

func (s *Service) broadcastToMeeting(meetingID, excludeUserID string, msg protocol.ServerMessage) {
	for _, p := range s.registry.ListRecipients(meetingID, excludeUserID) {
		send, ok := p.Send.(coordinator.Sender)
		if !ok || send == nil {
			continue
		}
		if err := send(msg); err != nil {
			s.log.Error("confsvc: failed to deliver message", mlog.String("meetingID", meetingID), mlog.Err(err))
		}
	}
}

// Start brings up the HTTP and WebSocket servers and every background
// loop, then begins dispatching connection traffic.
func (s *Service) Start() error {
	s.apiServer.RegisterHandler("/ws", s.wsServer)
	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())
	s.apiServer.RegisterHandler("/debug/pprof/heap", pprof.Handler("heap"))
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_heap", godeltaprof.Heap)
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_block", godeltaprof.Block)
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_mutex", godeltaprof.Mutex)
	s.apiServer.RegisterHandler("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	s.apiServer.RegisterHandler("/debug/pprof/mutex", pprof.Handler("mutex"))
	s.apiServer.RegisterHandleFunc("/debug/pprof/profile", pprof.Profile)
	s.apiServer.RegisterHandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.cfg.API.Security.EnableAdmin {
		s.apiServer.RegisterHandleFunc("/admin", s.admin)
	}

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fingerprint.Run(s.metrics.AddFingerprintSweeps)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acker.Run(s.fingerprint.Outcomes())
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ackSummaryLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.quality.Run(s.ctx, s.registry.MeetingIDs)
	}()

	s.log.Info("confsvc: started", mlog.String("runID", s.runID))
	return nil
}

// Stop tears everything down in reverse dependency order.
func (s *Service) Stop() error {
	s.cancel()
	s.quality.Stop()
	s.acker.Stop()
	s.fingerprint.Stop()
	s.wsServer.Close()
	s.wg.Wait()

	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop api server: %w", err)
	}

	s.log.Info("confsvc: stopped", mlog.String("runID", s.runID))
	return nil
}

func (s *Service) ackSummaryLoop() {
	for summary := range s.acker.Summaries() {
		s.metrics.ObserveAckSummary(summary.MatchRate)

		msg := protocol.AckSummary{
			MeetingID:    summary.MeetingID,
			SenderUserID: summary.SenderUserID,
			AckedUsers:   summary.AckedUsers,
			MissingUsers: summary.MissingUsers,
			MatchRate:    summary.MatchRate,
			Timestamp:    summary.Timestamp.UnixMilli(),
		}

		for _, p := range s.registry.ListRecipients(summary.MeetingID, "") {
			if p.UserID != summary.SenderUserID {
				continue
			}
			if send, ok := p.Send.(coordinator.Sender); ok {
				_ = send(msg)
			}
		}
	}
}

// dispatchLoop mirrors the teacher's service.go goroutine that drains
// wsServer.ReceiveCh and routes each frame to the session it belongs to,
// creating or tearing down a Coordinator on open/close.
func (s *Service) dispatchLoop() {
	for msg := range s.wsServer.ReceiveCh() {
		switch msg.Type {
		case ws.OpenMessage:
			s.handleOpen(msg.ConnID)
		case ws.CloseMessage:
			s.handleClose(msg.ConnID)
		case ws.TextMessage:
			s.handleText(msg.ConnID, msg.Data)
		default:
			s.log.Debug("confsvc: ignoring unsupported message type")
		}
	}
}

func (s *Service) handleOpen(connID string) {
	deps := coordinator.Deps{
		Registry:    s.registry,
		Router:      s.router,
		Fingerprint: s.fingerprint,
		Rtcp:        s.rtcp,
		Log:         s.log,
	}

	co := coordinator.New(deps, random.NewID(), s.sender(connID), s.broadcaster, coordinator.WithProducerOwner(s.producerOwner))
	co.Accept()

	s.mut.Lock()
	s.sessions[connID] = co
	s.mut.Unlock()

	s.metrics.IncWSConnections()
}

func (s *Service) handleClose(connID string) {
	s.mut.Lock()
	co, ok := s.sessions[connID]
	delete(s.sessions, connID)
	s.mut.Unlock()

	s.metrics.DecWSConnections()

	if !ok {
		return
	}

	if co.MeetingID() != "" {
		if errResp := co.HandleMessage(s.ctx, protocol.Leave{MeetingID: co.MeetingID(), UserID: co.UserID()}); errResp != nil {
			s.log.Error("confsvc: leave-on-disconnect failed", mlog.Int("code", errResp.Code), mlog.String("message", errResp.Message))
		}
		if co.MeetingDestroyed() {
			s.rtcp.ForgetMeeting(co.MeetingID())
			s.quality.ForgetMeeting(co.MeetingID())
			s.metrics.DecActiveMeetings()
			s.metrics.DeleteActiveSessions(co.MeetingID())
		} else {
			s.metrics.SetActiveSessions(co.MeetingID(), s.registry.ParticipantCount(co.MeetingID()))
		}
	}
}

func (s *Service) handleText(connID string, data []byte) {
	s.mut.RLock()
	co, ok := s.sessions[connID]
	s.mut.RUnlock()
	if !ok {
		return
	}

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		s.metrics.IncProtocolError(protocol.CodeMalformed)
		s.wsServer.SendCh() <- ws.Message{ConnID: connID, Type: ws.TextMessage, Data: mustEncodeError(protocol.CodeMalformed, err.Error())}
		return
	}

	wasJoin := false
	if _, ok := msg.(protocol.Join); ok {
		wasJoin = true
	}
	rtcpReport, isRTCPReport := msg.(protocol.RTCPReport)

	errResp := co.HandleMessage(s.ctx, msg)

	if errResp != nil {
		s.metrics.IncProtocolError(errResp.Code)
		if errResp.Close {
			s.wsServer.SendCh() <- ws.Message{ConnID: connID, Type: ws.CloseMessage}
		}
		return
	}

	s.metrics.IncSessionState(co.State().String())

	if isRTCPReport {
		s.metrics.IncRtcpSamples(rtcpReport.MeetingID)
	}

	if wasJoin && co.MeetingID() != "" {
		count := s.registry.ParticipantCount(co.MeetingID())
		if count == 1 {
			s.metrics.IncActiveMeetings()
		}
		s.metrics.SetActiveSessions(co.MeetingID(), count)
	}
}

func mustEncodeError(code int, detail string) []byte {
	raw, err := protocol.Encode(protocol.Error{Code: code, Message: detail})
	if err != nil {
		return []byte(`{"type":"error","code":400,"message":"malformed"}`)
	}
	return raw
}
