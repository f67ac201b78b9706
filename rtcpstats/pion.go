// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtcpstats

import (
	"github.com/pion/rtcp"
)

// opusClockRate is the clock rate of the Opus payload type (111) the
// core requires; jitter in a ReceptionReport is expressed in RTP
// timestamp units at this rate.
const opusClockRate = 48000

// FromReceptionReport converts one pion/rtcp ReceptionReport into a
// Sample. rttMS must come from an external round-trip estimator (e.g.
// matching a sent SenderReport's NTP timestamp against the received
// LastSenderReport/Delay fields) since ReceptionReport alone does not
// carry RTT.
func FromReceptionReport(rr rtcp.ReceptionReport, rttMS float64) Sample {
	return Sample{
		PacketsLostPct: float64(rr.FractionLost) / 256,
		JitterMS:       float64(rr.Jitter) / opusClockRate * 1000,
		RTTMS:          rttMS,
	}
}

// FromReceiverReport converts every ReceptionReport embedded in an RTCP
// ReceiverReport into Samples, preserving the report's SSRC ordering.
// coordinator.handleRTCPReport is the production caller: it decodes a
// client's RTCPData.RawReport and pairs the first Sample with the
// reporting userID.
func FromReceiverReport(report *rtcp.ReceiverReport, rttMS float64) []Sample {
	samples := make([]Sample, len(report.Reports))
	for i, rr := range report.Reports {
		samples[i] = FromReceptionReport(rr, rttMS)
	}
	return samples
}
