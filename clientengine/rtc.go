// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/confdio/confd/internal/statutil"
	"github.com/confdio/confd/protocol"
)

// session holds the media side of a call: a real PeerConnection (so the
// DTLS fingerprint handed to the server and the stats pulled off
// PeerConnection.GetStats are genuine) plus the one local audio track
// this client produces. The MediaRouter behind the signaling server is
// what actually terminates ICE/DTLS/SRTP (see mediarouter.Router); in
// the reference mediarouter.Noop deployment nothing answers the ICE
// handshake, so the connection stays in the Checking/Failed state and
// RTCP numbers are sourced from the injectable networkProfile instead.
type session struct {
	pc        *webrtc.PeerConnection
	localDTLS protocol.DTLSParameters

	sendTrack *webrtc.TrackLocalStaticSample
	sender    *webrtc.RTPSender

	mut        sync.Mutex
	profile    networkProfile
	jitterHist []float64
	rttHist    []float64
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// networkProfile is the synthetic RTCP signal a confbot scenario can
// dial in to exercise QualityController transitions without a real
// network path.
type networkProfile struct {
	lossPct  float64
	jitterMS float64
	rttMS    float64
}

func newSession() (*session, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate fingerprints: %w", err)
	}
	dtlsFps := make([]protocol.DTLSFingerprint, len(fps))
	for i, fp := range fps {
		dtlsFps[i] = protocol.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		Certificates: []webrtc.Certificate{*cert},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "confd-clientengine",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add local track: %w", err)
	}

	return &session{
		pc:        pc,
		localDTLS: protocol.DTLSParameters{Role: "client", Fingerprints: dtlsFps},
		sendTrack: track,
		sender:    sender,
		stopCh:    make(chan struct{}),
	}, nil
}

// setNetworkProfile lets a test driver simulate degraded network
// conditions; the rtcp reporting loop picks it up on its next tick.
func (s *session) setNetworkProfile(lossPct, jitterMS, rttMS float64) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.profile = networkProfile{lossPct: lossPct, jitterMS: jitterMS, rttMS: rttMS}
}

func (s *session) getNetworkProfile() networkProfile {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.profile
}

// rtcpSmoothingWindow bounds how many recent jitter/RTT samples are kept
// for averaging, matching rtcpstats.RingSize's per-receiver window so a
// client-reported sample and the server's own worst-case rollup smooth
// over comparable history.
const rtcpSmoothingWindow = 5

// smoothSamples appends the latest jitter/RTT reading and returns the
// windowed average of each, along with the jitter sample's standard
// deviation. GetStats readings are noisy tick to tick; reporting the raw
// value would make the QualityController's fixed thresholds flap on
// single-sample spikes, so clientengine reports the smoothed figure the
// same way a real SFU-side stats collector would.
func (s *session) smoothSamples(jitterMS, rttMS float64) (avgJitter, avgRTT, jitterStdDev float64) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.jitterHist = appendBounded(s.jitterHist, jitterMS, rtcpSmoothingWindow)
	s.rttHist = appendBounded(s.rttHist, rttMS, rtcpSmoothingWindow)

	avgJitter = statutil.Avg(s.jitterHist)
	avgRTT = statutil.Avg(s.rttHist)
	if len(s.jitterHist) >= 2 {
		jitterStdDev = statutil.StdDev(s.jitterHist, avgJitter)
	}
	return avgJitter, avgRTT, jitterStdDev
}

func appendBounded(samples []float64, next float64, max int) []float64 {
	samples = append(samples, next)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.pc != nil {
		_ = s.pc.Close()
	}
}

// iceConnectionState reports the PeerConnection's current ICE state. With
// mediarouter.Noop nothing answers the ICE handshake started by the send
// transport's DTLS parameters, so this never leaves Checking/Failed in the
// reference deployment.
func (s *session) iceConnectionState() webrtc.ICEConnectionState {
	if s.pc == nil {
		return webrtc.ICEConnectionStateNew
	}
	return s.pc.ICEConnectionState()
}

// setupMedia runs the full send/recv transport negotiation and starts
// producing audio. It is called once, right after join.
func (c *Client) setupMedia(ctx context.Context) error {
	sendCreated, err := c.createTransport(ctx, "send")
	if err != nil {
		return fmt.Errorf("failed to create send transport: %w", err)
	}
	if err := c.connectTransport(ctx, "send", c.session.localDTLS); err != nil {
		return fmt.Errorf("failed to connect send transport: %w", err)
	}

	rtpParameters := map[string]interface{}{
		"codecs": []map[string]interface{}{
			{"mimeType": webrtc.MimeTypeOpus, "clockRate": opusClockRate, "channels": 2},
		},
		"encodings": tierEncodings(),
	}
	producerID, err := c.produce(ctx, rtpParameters)
	if err != nil {
		return fmt.Errorf("failed to produce: %w", err)
	}

	recvCreated, err := c.createTransport(ctx, "recv")
	if err != nil {
		return fmt.Errorf("failed to create recv transport: %w", err)
	}
	if err := c.connectTransport(ctx, "recv", c.session.localDTLS); err != nil {
		return fmt.Errorf("failed to connect recv transport: %w", err)
	}

	c.mut.Lock()
	c.sendTransportID = sendCreated.ID
	c.recvTransportID = recvCreated.ID
	c.producerID = producerID
	c.mut.Unlock()

	return nil
}

// tierEncodings describes the three fixed simulcast bitrate tiers the
// QualityController's layer mapping expects (LOW/MED/HIGH -> 16/32/64
// kbps), carried opaquely through RTPParameters.
func tierEncodings() []map[string]interface{} {
	return []map[string]interface{}{
		{"maxBitrate": 16000},
		{"maxBitrate": 32000},
		{"maxBitrate": 64000},
	}
}

const (
	opusClockRate  = 48000
	opusFrameMS    = 20
	rtcpReportIntv = 5 * time.Second
)
