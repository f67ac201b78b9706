// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package clientengine

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/confdio/confd/protocol"
)

// jitterNoiseThresholdMS flags a sample run as too noisy to trust at
// face value; crossing it only produces a debug log line, since the
// windowed average already absorbs single-sample spikes before the
// report goes out.
const jitterNoiseThresholdMS = 15.0

// startRTCPReporting mirrors the teacher's rtc_monitor.go stats-polling
// loop: every tick it pulls whatever the PeerConnection's GetStats has to
// say about the outbound audio track, the same way the teacher reads
// pion's interceptor stats package.
func (c *Client) startRTCPReporting() {
	c.session.wg.Add(1)
	go func() {
		defer c.session.wg.Done()
		c.rtcpReportLoop()
	}()
}

func (c *Client) rtcpReportLoop() {
	ticker := time.NewTicker(rtcpReportIntv)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if state := c.session.iceConnectionState(); state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
				log.Printf("clientengine: ice connection state is %s, rtcp report falls back to the simulated network profile", state)
			}

			data := c.collectRTCPData()
			err := c.sendRTCPReport(protocol.RTCPReport{
				MeetingID: c.cfg.MeetingID,
				UserID:    c.cfg.UserID,
				RTCPData:  data,
			})
			if err != nil {
				log.Printf("clientengine: failed to send rtcp report: %s", err)
			}
		case <-c.session.stopCh:
			return
		}
	}
}

// collectRTCPData prefers real numbers out of PeerConnection.GetStats when
// the transport has actually connected, and falls back to the session's
// injectable networkProfile otherwise. With mediarouter.Noop the ICE
// handshake never completes, so GetStats carries no outbound-rtp record
// and the fallback is what drives the reference deployment; a MediaRouter
// that terminates a real DTLS/SRTP session would report through the
// stats path instead.
func (c *Client) collectRTCPData() protocol.RTCPData {
	profile := c.session.getNetworkProfile()
	data := protocol.RTCPData{
		PacketsLost: profile.lossPct,
		Jitter:      profile.jitterMS,
		RTT:         profile.rttMS,
		Timestamp:   time.Now().UnixMilli(),
	}

	if c.session.pc != nil {
		for _, stat := range c.session.pc.GetStats() {
			if pair, ok := stat.(webrtc.ICECandidatePairStats); ok && pair.Nominated {
				if pair.CurrentRoundTripTime > 0 {
					data.RTT = pair.CurrentRoundTripTime * 1000
				}
			}
			if remote, ok := stat.(webrtc.RemoteInboundRTPStreamStats); ok {
				if remote.Jitter > 0 {
					data.Jitter = remote.Jitter * 1000
				}
				if remote.PacketsLost > 0 {
					data.PacketsLost = float64(remote.PacketsLost)
				}
			}
		}
	}

	avgJitter, avgRTT, jitterStdDev := c.session.smoothSamples(data.Jitter, data.RTT)
	data.Jitter = avgJitter
	data.RTT = avgRTT
	if jitterStdDev > jitterNoiseThresholdMS {
		log.Printf("clientengine: jitter samples are noisy (stddev=%.1fms), reporting smoothed average", jitterStdDev)
	}

	data.RawReport = buildRawReport(data)

	return data
}

// buildRawReport encodes data as a pion/rtcp ReceiverReport with a single
// embedded ReceptionReport, the same packet shape a real SFU-facing
// receiver would send back over RTCP. FractionLost and Jitter are
// converted to their fixed-width wire types before marshaling, so they
// cannot make Marshal fail; a failure here just means the server falls
// back to the plain jitter/loss/rtt fields.
func buildRawReport(data protocol.RTCPData) []byte {
	report := &rtcp.ReceiverReport{
		Reports: []rtcp.ReceptionReport{
			{
				FractionLost: uint8(data.PacketsLost * 256),
				Jitter:       uint32(data.Jitter / 1000 * opusClockRate),
			},
		},
	}

	raw, err := report.Marshal()
	if err != nil {
		log.Printf("clientengine: failed to marshal rtcp receiver report: %s", err)
		return nil
	}
	return raw
}

// SetNetworkProfile lets a driver script simulate network conditions for
// this session's outgoing rtcp-report frames.
func (c *Client) SetNetworkProfile(lossPct, jitterMS, rttMS float64) {
	c.session.setNetworkProfile(lossPct, jitterMS, rttMS)
}
