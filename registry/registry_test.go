// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateUser(t *testing.T) {
	r := New()

	participants, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	require.Len(t, participants, 1)

	_, err = r.Register("m1", "u1", "s2", nil)
	require.ErrorIs(t, err, ErrDuplicateUser)
}

func TestRegisterIdempotentBySession(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)

	participants, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	require.Len(t, participants, 1)
}

func TestRegisterOrdersByJoinTime(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	_, err = r.Register("m1", "u2", "s2", nil)
	require.NoError(t, err)
	participants, err := r.Register("m1", "u3", "s3", nil)
	require.NoError(t, err)

	require.Len(t, participants, 3)
	require.Equal(t, []string{"u1", "u2", "u3"}, userIDs(participants))
}

func TestRemoveLastSessionDestroysMeeting(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	require.True(t, r.MeetingExists("m1"))

	destroyed := r.Remove("m1", "u1")
	require.True(t, destroyed)
	require.False(t, r.MeetingExists("m1"))
}

func TestRemoveKeepsMeetingAlive(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	_, err = r.Register("m1", "u2", "s2", nil)
	require.NoError(t, err)

	destroyed := r.Remove("m1", "u1")
	require.False(t, destroyed)
	require.True(t, r.MeetingExists("m1"))
	require.Equal(t, 1, r.ParticipantCount("m1"))
}

func TestRemoveThenReregisterSameUser(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	r.Remove("m1", "u1")
	require.False(t, r.MeetingExists("m1"))

	participants, err := r.Register("m1", "u1", "s2", nil)
	require.NoError(t, err)
	require.Len(t, participants, 1)
}

func TestListRecipientsExcludesSelf(t *testing.T) {
	r := New()

	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)
	_, err = r.Register("m1", "u2", "s2", nil)
	require.NoError(t, err)

	recipients := r.ListRecipients("m1", "u1")
	require.Len(t, recipients, 1)
	require.Equal(t, "u2", recipients[0].UserID)
}

func TestTierDefaultsToHigh(t *testing.T) {
	r := New()
	_, err := r.Register("m1", "u1", "s1", nil)
	require.NoError(t, err)

	tier, err := r.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, TierHigh, tier)

	require.NoError(t, r.SetTier("m1", TierLow))
	tier, err = r.GetTier("m1")
	require.NoError(t, err)
	require.Equal(t, TierLow, tier)
}

func TestTierUnknownMeeting(t *testing.T) {
	r := New()
	_, err := r.GetTier("nope")
	require.ErrorIs(t, err, ErrUnknownMeeting)
	require.ErrorIs(t, r.SetTier("nope", TierLow), ErrUnknownMeeting)
}

func userIDs(participants []Participant) []string {
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = p.UserID
	}
	return out
}
