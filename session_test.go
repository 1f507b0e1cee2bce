package relay

import (
	"testing"

	"github.com/bt-bridge/meeting-relay/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelaySessionCallAccumulation(t *testing.T) {
	sess := NewRelaySession(nil, "m1")

	sess.AppendCallDelta("call_1", `{"meeting`)
	sess.AppendCallDelta("call_2", `{"limit`)
	sess.AppendCallDelta("call_1", `_id":"m1"}`)
	sess.AppendCallDelta("call_2", `":5}`)

	assert.Equal(t, `{"meeting_id":"m1"}`, sess.FinishCall("call_1", ""))
	assert.Equal(t, `{"limit":5}`, sess.FinishCall("call_2", ""))
}

func TestRelaySessionFinishCallFallback(t *testing.T) {
	sess := NewRelaySession(nil, "m1")

	// No deltas seen: the done event's full argument string wins.
	assert.Equal(t, `{"a":1}`, sess.FinishCall("call_1", `{"a":1}`))

	// A finished call leaves no residue.
	sess.AppendCallDelta("call_2", `{}`)
	assert.Equal(t, `{}`, sess.FinishCall("call_2", "fallback"))
	assert.Equal(t, "again", sess.FinishCall("call_2", "again"))
}

func TestRelaySessionResponseGating(t *testing.T) {
	sess := NewRelaySession(nil, "m1")

	require.True(t, sess.BeginResponse())
	assert.False(t, sess.BeginResponse(), "second response must not start while one is in flight")

	sess.EnqueueOutput("call_1", `{"x":1}`)
	sess.EnqueueOutput("call_2", `{"y":2}`)

	queued := sess.CompleteResponse()
	require.Len(t, queued, 2)
	assert.Equal(t, "call_1", queued[0].callID)
	assert.Equal(t, "call_2", queued[1].callID)

	// Returning queued outputs re-arms the flag for the follow-up response.
	assert.True(t, sess.ResponseInFlight())
	assert.Empty(t, sess.CompleteResponse())
	assert.False(t, sess.ResponseInFlight())
	assert.True(t, sess.BeginResponse())
}

func TestRelaySessionInflightTracking(t *testing.T) {
	sess := NewRelaySession(nil, "m1")
	assert.Equal(t, 0, sess.InflightCalls())

	sess.TrackDispatch()
	sess.TrackDispatch()
	assert.Equal(t, 2, sess.InflightCalls())

	sess.TrackCompletion()
	sess.TrackCompletion()
	sess.TrackCompletion()
	assert.Equal(t, 0, sess.InflightCalls(), "counter never goes negative")
}

func TestRelaySessionIdentity(t *testing.T) {
	anon := NewRelaySession(nil, "m1")
	assert.Empty(t, anon.UserID())
	assert.NotEmpty(t, anon.ID)

	known := NewRelaySession(&auth.Identity{UserID: "u1"}, "m1")
	assert.Equal(t, "u1", known.UserID())
	assert.NotEqual(t, anon.ID, known.ID)
}
