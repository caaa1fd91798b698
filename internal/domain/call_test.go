package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStatusTransitions(t *testing.T) {
	testCases := []struct {
		from, to CallStatus
		allowed  bool
	}{
		{CallInitiated, CallRinging, true},
		{CallRinging, CallConnected, true},
		{CallRinging, CallRejected, true},
		{CallRinging, CallMissed, true},
		{CallConnected, CallCompleted, true},
		{CallConnected, CallFailed, true},
		{CallConnected, CallRinging, false},
		{CallConnected, CallRejected, false},
		{CallCompleted, CallFailed, false},
		{CallMissed, CallConnected, false},
		{CallRinging, CallInitiated, false},
	}
	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestCallStatusTerminal(t *testing.T) {
	for _, s := range []CallStatus{CallCompleted, CallRejected, CallMissed, CallFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []CallStatus{CallInitiated, CallRinging, CallConnected} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, CallCompleted.HasDuration())
	assert.True(t, CallFailed.HasDuration())
	assert.False(t, CallRejected.HasDuration())
}

func TestParseCallType(t *testing.T) {
	ct, err := ParseCallType("audio")
	require.NoError(t, err)
	assert.Equal(t, CallAudio, ct)

	_, err = ParseCallType("screen")
	assert.ErrorIs(t, err, ErrCallTypeInvalid)
}

func TestParseUserID(t *testing.T) {
	u, err := ParseUserID("  u1 ")
	require.NoError(t, err)
	assert.Equal(t, UserID("u1"), u)

	_, err = ParseUserID("   ")
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	long := make([]byte, MaxUserIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = ParseUserID(string(long))
	assert.ErrorIs(t, err, ErrUserIDTooLong)
}

func TestResponseChatAllowed(t *testing.T) {
	r := Response{ID: "r1", ItemOwner: "owner", Responder: "finder", Status: ResponsePending}
	assert.ErrorIs(t, r.ChatAllowed("owner"), ErrNotAccepted)
	assert.ErrorIs(t, r.ChatAllowed("stranger"), ErrNotParticipant)

	r.Status = ResponseAccepted
	assert.NoError(t, r.ChatAllowed("owner"))
	assert.NoError(t, r.ChatAllowed("finder"))
	assert.Equal(t, UserID("finder"), r.Counterpart("owner"))
	assert.Equal(t, UserID("owner"), r.Counterpart("finder"))
}

func TestNewMessage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m, err := NewMessage("r1", "u1", "  hello ", now)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, []UserID{"u1"}, m.ReadBy)
	assert.NotEmpty(t, m.ID)

	_, err = NewMessage("r1", "u1", "   ", now)
	assert.ErrorIs(t, err, ErrMessageEmpty)
}
