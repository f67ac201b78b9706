// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package registry implements the authoritative in-memory mapping of
// meetings to sessions, generalizing the teacher's group→call→session
// three-level map down to a two-level meeting→session map.
package registry

import (
	"errors"
	"sync"
	"time"
)

// Tier is the current adaptive-quality tier for a meeting.
type Tier string

const (
	TierLow  Tier = "LOW"
	TierMed  Tier = "MED"
	TierHigh Tier = "HIGH"
)

// ErrDuplicateUser is returned by Register when user_id is already live
// in the meeting.
var ErrDuplicateUser = errors.New("registry: duplicate user")

// ErrUnknownMeeting is returned by operations addressing a meeting that
// does not exist.
var ErrUnknownMeeting = errors.New("registry: unknown meeting")

// SendHandle is whatever the caller needs to reach a session's outbound
// queue; the registry treats it opaquely.
type SendHandle interface{}

// Participant is one entry in a meeting's roster, ordered by join time.
type Participant struct {
	UserID    string
	SessionID string
	Send      SendHandle
	JoinedAt  time.Time
}

type meeting struct {
	id          string
	createdAt   time.Time
	tier        Tier
	order       []string // userID join order
	sessions    map[string]*Participant
	bySessionID map[string]string // sessionID -> userID

	mut sync.RWMutex
}

func newMeeting(id string) *meeting {
	return &meeting{
		id:          id,
		createdAt:   nowFunc(),
		tier:        TierHigh,
		sessions:    make(map[string]*Participant),
		bySessionID: make(map[string]string),
	}
}

func (m *meeting) participants() []Participant {
	m.mut.RLock()
	defer m.mut.RUnlock()
	out := make([]Participant, 0, len(m.order))
	for _, userID := range m.order {
		if p, ok := m.sessions[userID]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// nowFunc is overridable by tests.
var nowFunc = time.Now

// Registry is the MeetingRegistry: an authoritative map of meeting_id to
// meeting, and meeting to sessions, with quick participant listing.
//
// One goroutine may own each meeting's mutations conceptually, but the
// registry itself serializes access with a per-meeting lock so callers
// from multiple session tasks can register/remove concurrently.
type Registry struct {
	mut      sync.RWMutex
	meetings map[string]*meeting
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		meetings: make(map[string]*meeting),
	}
}

func (r *Registry) getOrCreateMeeting(meetingID string) *meeting {
	r.mut.Lock()
	defer r.mut.Unlock()
	m, ok := r.meetings[meetingID]
	if !ok {
		m = newMeeting(meetingID)
		r.meetings[meetingID] = m
	}
	return m
}

func (r *Registry) getMeeting(meetingID string) *meeting {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return r.meetings[meetingID]
}

// Register adds session for userID in meetingID, creating the meeting on
// first touch. It is idempotent by sessionID (re-registering the same
// sessionID returns the existing roster without error) and fails with
// ErrDuplicateUser when a different session already holds userID.
func (r *Registry) Register(meetingID, userID, sessionID string, send SendHandle) ([]Participant, error) {
	m := r.getOrCreateMeeting(meetingID)

	m.mut.Lock()
	if existingUserID, ok := m.bySessionID[sessionID]; ok && existingUserID == userID {
		m.mut.Unlock()
		return m.participants(), nil
	}
	if _, ok := m.sessions[userID]; ok {
		m.mut.Unlock()
		return nil, ErrDuplicateUser
	}

	p := &Participant{
		UserID:    userID,
		SessionID: sessionID,
		Send:      send,
		JoinedAt:  nowFunc(),
	}
	m.sessions[userID] = p
	m.bySessionID[sessionID] = userID
	m.order = append(m.order, userID)
	m.mut.Unlock()

	return m.participants(), nil
}

// Remove removes userID's session from meetingID. If it was the last
// session in the meeting, the meeting is destroyed. Returns whether the
// meeting was destroyed as a result.
func (r *Registry) Remove(meetingID, userID string) (destroyed bool) {
	m := r.getMeeting(meetingID)
	if m == nil {
		return false
	}

	m.mut.Lock()
	p, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
		delete(m.bySessionID, p.SessionID)
		for i, id := range m.order {
			if id == userID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	empty := len(m.sessions) == 0
	m.mut.Unlock()

	if empty {
		r.mut.Lock()
		delete(r.meetings, meetingID)
		r.mut.Unlock()
		return true
	}
	return false
}

// ListRecipients returns the roster ordered by join time, optionally
// excluding one user.
func (r *Registry) ListRecipients(meetingID, excludeUserID string) []Participant {
	m := r.getMeeting(meetingID)
	if m == nil {
		return nil
	}
	all := m.participants()
	if excludeUserID == "" {
		return all
	}
	out := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.UserID != excludeUserID {
			out = append(out, p)
		}
	}
	return out
}

// SetTier updates the meeting's current tier.
func (r *Registry) SetTier(meetingID string, tier Tier) error {
	m := r.getMeeting(meetingID)
	if m == nil {
		return ErrUnknownMeeting
	}
	m.mut.Lock()
	m.tier = tier
	m.mut.Unlock()
	return nil
}

// GetTier returns the meeting's current tier.
func (r *Registry) GetTier(meetingID string) (Tier, error) {
	m := r.getMeeting(meetingID)
	if m == nil {
		return "", ErrUnknownMeeting
	}
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.tier, nil
}

// HasUser reports whether userID currently holds a live session in
// meetingID.
func (r *Registry) HasUser(meetingID, userID string) bool {
	m := r.getMeeting(meetingID)
	if m == nil {
		return false
	}
	m.mut.RLock()
	defer m.mut.RUnlock()
	_, ok := m.sessions[userID]
	return ok
}

// MeetingExists reports whether meetingID currently has any live
// sessions.
func (r *Registry) MeetingExists(meetingID string) bool {
	return r.getMeeting(meetingID) != nil
}

// Count returns the number of live meetings.
func (r *Registry) Count() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.meetings)
}

// MeetingIDs returns every currently live meeting id, used by
// QualityController's periodic evaluation driver.
func (r *Registry) MeetingIDs() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	ids := make([]string, 0, len(r.meetings))
	for id := range r.meetings {
		ids = append(ids, id)
	}
	return ids
}

// ParticipantCount returns the number of live sessions in meetingID.
func (r *Registry) ParticipantCount(meetingID string) int {
	m := r.getMeeting(meetingID)
	if m == nil {
		return 0
	}
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.sessions)
}
