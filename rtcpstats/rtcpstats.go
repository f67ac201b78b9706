// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package rtcpstats implements the RtcpCollector: a short sliding
// window of per-receiver RTCP statistics used to drive adaptive
// quality decisions. Grounded on the teacher's ring-buffer averaging
// helpers in internal/statutil (itself adapted from rtc/stat).
package rtcpstats

import (
	"sync"

	"github.com/confdio/confd/internal/statutil"
)

// RingSize is the number of retained samples per (meeting, receiver).
const RingSize = 5

// Sample is one RTCP report, already normalized from either the
// wire-level rtcp-report JSON payload or a pion/rtcp adapter (see
// pion.go).
type Sample struct {
	PacketsLostPct float64
	JitterMS       float64
	RTTMS          float64
}

// Snapshot is the averaged view for one receiver.
type Snapshot struct {
	LossPctAvg  float64
	JitterMSAvg float64
	RTTMSAvg    float64
}

// Worst is the independent per-metric maxima across every receiver in a
// meeting, representing a conservative worst case.
type Worst struct {
	LossPct  float64
	JitterMS float64
	RTTMS    float64
}

type receiverKey struct {
	meetingID, receiverUserID string
}

type ring struct {
	samples []Sample // most recent at the end, bounded to RingSize
}

func (r *ring) add(s Sample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > RingSize {
		r.samples = r.samples[len(r.samples)-RingSize:]
	}
}

func (r *ring) snapshot() Snapshot {
	if len(r.samples) == 0 {
		return Snapshot{}
	}
	loss := make([]float64, len(r.samples))
	jitter := make([]float64, len(r.samples))
	rtt := make([]float64, len(r.samples))
	for i, s := range r.samples {
		loss[i] = s.PacketsLostPct
		jitter[i] = s.JitterMS
		rtt[i] = s.RTTMS
	}
	n := float64(len(r.samples))
	return Snapshot{
		LossPctAvg:  statutil.Sum(loss) / n,
		JitterMSAvg: statutil.Sum(jitter) / n,
		RTTMSAvg:    statutil.Sum(rtt) / n,
	}
}

// Collector is the RtcpCollector.
type Collector struct {
	mut     sync.RWMutex
	buffers map[receiverKey]*ring
	// meetingReceivers tracks which receivers have ever reported for a
	// meeting, so Worst can include receivers whose ring is currently
	// empty (treated as loss=0, jitter=0, rtt=0).
	meetingReceivers map[string]map[string]struct{}
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{
		buffers:          make(map[receiverKey]*ring),
		meetingReceivers: make(map[string]map[string]struct{}),
	}
}

// AddReport appends sample to the ring for (meetingID, receiverUserID).
func (c *Collector) AddReport(meetingID, receiverUserID string, sample Sample) {
	key := receiverKey{meetingID: meetingID, receiverUserID: receiverUserID}

	c.mut.Lock()
	defer c.mut.Unlock()

	r, ok := c.buffers[key]
	if !ok {
		r = &ring{}
		c.buffers[key] = r
	}
	r.add(sample)

	receivers, ok := c.meetingReceivers[meetingID]
	if !ok {
		receivers = make(map[string]struct{})
		c.meetingReceivers[meetingID] = receivers
	}
	receivers[receiverUserID] = struct{}{}
}

// Snapshot returns the averaged per-receiver view for meetingID.
func (c *Collector) Snapshot(meetingID string) map[string]Snapshot {
	c.mut.RLock()
	defer c.mut.RUnlock()

	out := make(map[string]Snapshot)
	for receiverUserID := range c.meetingReceivers[meetingID] {
		key := receiverKey{meetingID: meetingID, receiverUserID: receiverUserID}
		if r, ok := c.buffers[key]; ok {
			out[receiverUserID] = r.snapshot()
		} else {
			out[receiverUserID] = Snapshot{}
		}
	}
	return out
}

// Worst returns the independent per-metric maxima across every receiver
// known to meetingID. A receiver that has never reported is treated as
// all-zero, per spec, so it cannot itself raise the worst case but is
// still enumerated for completeness.
func (c *Collector) Worst(meetingID string) Worst {
	snapshot := c.Snapshot(meetingID)

	var w Worst
	for _, s := range snapshot {
		if s.LossPctAvg > w.LossPct {
			w.LossPct = s.LossPctAvg
		}
		if s.JitterMSAvg > w.JitterMS {
			w.JitterMS = s.JitterMSAvg
		}
		if s.RTTMSAvg > w.RTTMS {
			w.RTTMS = s.RTTMSAvg
		}
	}
	return w
}

// ForgetMeeting drops all state for meetingID, called when the meeting
// is destroyed by the registry.
func (c *Collector) ForgetMeeting(meetingID string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	for receiverUserID := range c.meetingReceivers[meetingID] {
		delete(c.buffers, receiverKey{meetingID: meetingID, receiverUserID: receiverUserID})
	}
	delete(c.meetingReceivers, meetingID)
}

// ForgetReceiver drops state for one receiver leaving meetingID.
func (c *Collector) ForgetReceiver(meetingID, receiverUserID string) {
	c.mut.Lock()
	defer c.mut.Unlock()

	delete(c.buffers, receiverKey{meetingID: meetingID, receiverUserID: receiverUserID})
	if receivers, ok := c.meetingReceivers[meetingID]; ok {
		delete(receivers, receiverUserID)
	}
}
