package relay

import (
	"strings"
	"sync"

	"github.com/bt-bridge/meeting-relay/auth"
	"github.com/google/uuid"
)

// pendingCall accumulates streamed function-call arguments for one call_id.
type pendingCall struct {
	args strings.Builder
}

// queuedOutput is a finished function-call output waiting for the in-flight
// response to complete before it may be sent upstream.
type queuedOutput struct {
	callID string
	output string
}

// RelaySession is the state bridging one client connection to one upstream
// session. Owned by the orchestrator; mutated under its own mutex because
// executor completions land from separate goroutines.
type RelaySession struct {
	ID        string
	Identity  *auth.Identity
	MeetingID string

	mu               sync.Mutex
	pending          map[string]*pendingCall
	responseInFlight bool
	outputQueue      []queuedOutput
	inflightCalls    int
}

func NewRelaySession(identity *auth.Identity, meetingID string) *RelaySession {
	return &RelaySession{
		ID:        uuid.NewString(),
		Identity:  identity,
		MeetingID: meetingID,
		pending:   make(map[string]*pendingCall),
	}
}

// UserID returns the resolved user id, or "" for anonymous sessions.
func (s *RelaySession) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.UserID
}

// AppendCallDelta adds an argument fragment to the call's buffer, creating the
// pending call on first sight. Buffers are per call_id so concurrent function
// calls within one response cannot cross-contaminate arguments.
func (s *RelaySession) AppendCallDelta(callID, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[callID]
	if !ok {
		pc = &pendingCall{}
		s.pending[callID] = pc
	}
	pc.args.WriteString(delta)
}

// FinishCall removes the pending call and returns its accumulated arguments.
// When no deltas were seen for the call the fallback (the done event's full
// argument string) is returned instead.
func (s *RelaySession) FinishCall(callID, fallback string) (args string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[callID]
	if !ok || pc.args.Len() == 0 {
		args = fallback
	} else {
		args = pc.args.String()
	}
	delete(s.pending, callID)
	return args
}

// TrackDispatch and TrackCompletion bound the drain grace period: the session
// only waits for calls dispatched before the client went away.
func (s *RelaySession) TrackDispatch() {
	s.mu.Lock()
	s.inflightCalls++
	s.mu.Unlock()
}

func (s *RelaySession) TrackCompletion() {
	s.mu.Lock()
	if s.inflightCalls > 0 {
		s.inflightCalls--
	}
	s.mu.Unlock()
}

func (s *RelaySession) InflightCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflightCalls
}

// BeginResponse marks a response generation as requested. Returns false when
// one is already in flight, in which case the caller must queue instead.
func (s *RelaySession) BeginResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseInFlight {
		return false
	}
	s.responseInFlight = true
	return true
}

// EnqueueOutput parks a finished function-call output until response.done.
func (s *RelaySession) EnqueueOutput(callID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputQueue = append(s.outputQueue, queuedOutput{callID: callID, output: output})
}

// CompleteResponse clears the in-flight flag and hands back any queued
// outputs. When outputs are returned the flag is re-armed because the caller
// will immediately issue the follow-up response.create.
func (s *RelaySession) CompleteResponse() []queuedOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseInFlight = false
	if len(s.outputQueue) == 0 {
		return nil
	}
	queued := s.outputQueue
	s.outputQueue = nil
	s.responseInFlight = true
	return queued
}

func (s *RelaySession) ResponseInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseInFlight
}
