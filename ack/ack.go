// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package ack implements the AckAggregator: a per-(meeting, speaker)
// window that tallies fingerprint match/mismatch outcomes and emits a
// periodic delivery summary to the speaker.
package ack

import (
	"sync"
	"time"

	"github.com/confdio/confd/fingerprint"
)

// WindowLength is the ack window duration per spec.
const WindowLength = 5 * time.Second

type receiverState int

const (
	statePending receiverState = iota
	stateAcked
	stateNotAcked
)

// Summary is the ack-summary payload emitted at window close.
type Summary struct {
	MeetingID    string
	SenderUserID string
	AckedUsers   []string
	MissingUsers []string
	MatchRate    float64
	Timestamp    time.Time
}

type windowKey struct {
	meetingID string
	sender    string
}

type window struct {
	states   map[string]receiverState // receiverUserID -> state
	frameIDs map[uint64]struct{}      // every frame ingested this window
}

func newWindow() *window {
	return &window{
		states:   make(map[string]receiverState),
		frameIDs: make(map[uint64]struct{}),
	}
}

// RosterFunc returns the current roster for a meeting, excluding the
// speaker, as of window close (roster changes during the window apply
// only at close per spec).
type RosterFunc func(meetingID, excludeUserID string) []string

// ForgetFunc reclaims a fingerprint.Verifier record once its frame is no
// longer needed, matching fingerprint.Verifier.Forget's signature.
type ForgetFunc func(meetingID, senderUserID string, frameID uint64)

// Aggregator is the AckAggregator. It owns no timers of its own beyond
// the single window ticker started by Run, which closes every active
// speaker's window on each tick; callers feed it fingerprint.Outcome
// values via Ingest.
type Aggregator struct {
	mut     sync.Mutex
	windows map[windowKey]*window

	roster  RosterFunc
	forget  ForgetFunc
	nowFunc func() time.Time

	summaries chan Summary

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns an Aggregator. roster supplies the live participant list
// at window-close time; forget reclaims the fingerprint.Verifier state
// for every frame a window decided, once that window closes, so a
// window never outlives the fingerprint records it depended on. A nil
// forget is valid and leaves reclaim entirely to the Verifier's own TTL
// sweep. summaryBuf sizes the bounded output channel.
func New(roster RosterFunc, forget ForgetFunc, summaryBuf int) *Aggregator {
	return &Aggregator{
		windows:   make(map[windowKey]*window),
		roster:    roster,
		forget:    forget,
		nowFunc:   time.Now,
		summaries: make(chan Summary, summaryBuf),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Summaries returns the channel on which ack-summary events are
// published, one per closed window.
func (a *Aggregator) Summaries() <-chan Summary {
	return a.summaries
}

// Ingest applies a fingerprint outcome to the relevant window, creating
// it if this is the first outcome seen for (meeting, sender). Only the
// last state recorded for a given receiver within the window matters.
func (a *Aggregator) Ingest(o fingerprint.Outcome) {
	key := windowKey{meetingID: o.MeetingID, sender: o.SenderUserID}

	a.mut.Lock()
	defer a.mut.Unlock()

	w, ok := a.windows[key]
	if !ok {
		w = newWindow()
		a.windows[key] = w
	}
	if o.Matched {
		w.states[o.ReceiverUserID] = stateAcked
	} else {
		w.states[o.ReceiverUserID] = stateNotAcked
	}
	w.frameIDs[o.FrameID] = struct{}{}
}

// Close closes the window for (meetingID, senderUserID) immediately,
// emitting its summary and resetting state. Used both by the periodic
// driver and by tests.
func (a *Aggregator) Close(meetingID, senderUserID string) Summary {
	key := windowKey{meetingID: meetingID, sender: senderUserID}

	a.mut.Lock()
	w, ok := a.windows[key]
	if !ok {
		w = newWindow()
	}
	delete(a.windows, key)
	a.mut.Unlock()

	roster := a.roster(meetingID, senderUserID)

	var acked, missing []string
	for _, userID := range roster {
		if w.states[userID] == stateAcked {
			acked = append(acked, userID)
		} else {
			missing = append(missing, userID)
		}
	}
	if acked == nil {
		acked = []string{}
	}
	if missing == nil {
		missing = []string{}
	}

	matchRate := 1.0
	if len(roster) > 0 {
		matchRate = float64(len(acked)) / float64(len(roster))
	}

	summary := Summary{
		MeetingID:    meetingID,
		SenderUserID: senderUserID,
		AckedUsers:   acked,
		MissingUsers: missing,
		MatchRate:    matchRate,
		Timestamp:    a.nowFunc(),
	}

	select {
	case a.summaries <- summary:
	default:
		// Summary channel full: drop rather than block the ingest
		// path. A missed slot is skipped, not backfilled, per the
		// strict 5s cadence contract.
	}

	if a.forget != nil {
		for frameID := range w.frameIDs {
			a.forget(meetingID, senderUserID, frameID)
		}
	}

	return summary
}

// ActiveSpeakers returns the (meetingID, senderUserID) pairs with an
// open window, used by the periodic driver to know what to close.
func (a *Aggregator) ActiveSpeakers() []struct{ MeetingID, SenderUserID string } {
	a.mut.Lock()
	defer a.mut.Unlock()

	out := make([]struct{ MeetingID, SenderUserID string }, 0, len(a.windows))
	for key := range a.windows {
		out = append(out, struct{ MeetingID, SenderUserID string }{key.meetingID, key.sender})
	}
	return out
}

// EnsureSpeaker opens an empty window for (meetingID, senderUserID) if
// one does not already exist, so that a speaker who has not yet
// received any fingerprint outcomes still gets periodic summaries
// (e.g. the "no one to fail" all-empty case).
func (a *Aggregator) EnsureSpeaker(meetingID, senderUserID string) {
	key := windowKey{meetingID: meetingID, sender: senderUserID}

	a.mut.Lock()
	defer a.mut.Unlock()
	if _, ok := a.windows[key]; !ok {
		a.windows[key] = newWindow()
	}
}

// Run drains outcomes from v.Outcomes() and closes every active
// speaker's window every WindowLength, until Stop is called.
func (a *Aggregator) Run(outcomes <-chan fingerprint.Outcome) {
	defer close(a.doneCh)

	ticker := time.NewTicker(WindowLength)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			a.Ingest(o)
		case <-ticker.C:
			for _, speaker := range a.ActiveSpeakers() {
				a.Close(speaker.MeetingID, speaker.SenderUserID)
			}
		case <-a.stopCh:
			return
		}
	}
}

// Stop cancels Run and waits for it to exit.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}
