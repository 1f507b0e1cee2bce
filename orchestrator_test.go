package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/meeting-relay/functions"
	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream records every operation the orchestrator performs, in order,
// and replays scripted events.
type fakeUpstream struct {
	mu     sync.Mutex
	ops    []string
	opC    chan string
	events chan *ServerEvent
	done   chan struct{}
	active chan struct{}
	once   sync.Once
	err    error
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{
		opC:    make(chan string, 64),
		events: make(chan *ServerEvent, 64),
		done:   make(chan struct{}),
		active: make(chan struct{}),
	}
	close(f.active)
	return f
}

func (f *fakeUpstream) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	f.opC <- op
}

func (f *fakeUpstream) Events() <-chan *ServerEvent { return f.events }
func (f *fakeUpstream) Done() <-chan struct{}       { return f.done }
func (f *fakeUpstream) Active() <-chan struct{}     { return f.active }

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeUpstream) AppendAudio(chunk []byte) error {
	f.record("audio:" + string(chunk))
	return nil
}

func (f *fakeUpstream) CommitInput() error { f.record("commit"); return nil }
func (f *fakeUpstream) ClearInput() error  { f.record("clear"); return nil }

func (f *fakeUpstream) AddUserText(text string) error {
	f.record("text:" + text)
	return nil
}

func (f *fakeUpstream) AddFunctionCallOutput(callID, output string) error {
	f.record("output:" + callID + ":" + output)
	return nil
}

func (f *fakeUpstream) CreateResponse() error { f.record("response.create"); return nil }
func (f *fakeUpstream) CancelResponse() error { f.record("response.cancel"); return nil }

func (f *fakeUpstream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeUpstream) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	close(f.events)
}

// fakeClient feeds scripted frames to the orchestrator and records what it
// writes back.
type fakeClient struct {
	in     chan clientFrame
	mu     sync.Mutex
	out    []clientFrame
	outC   chan clientFrame
	closed chan struct{}
	once   sync.Once
}

type clientFrame struct {
	messageType int
	data        []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		in:     make(chan clientFrame, 64),
		outC:   make(chan clientFrame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-f.in:
		if !ok {
			return 0, nil, errors.New("client gone")
		}
		return frame.messageType, frame.data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeClient) WriteMessage(messageType int, data []byte) error {
	frame := clientFrame{messageType: messageType, data: data}
	f.mu.Lock()
	f.out = append(f.out, frame)
	f.mu.Unlock()
	f.outC <- frame
	return nil
}

func (f *fakeClient) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeClient) errorFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frames []string
	for _, frame := range f.out {
		if frame.messageType == websocket.TextMessage && strings.Contains(string(frame.data), `"type":"error"`) {
			frames = append(frames, string(frame.data))
		}
	}
	return frames
}

func waitOp(t *testing.T, f *fakeUpstream) string {
	t.Helper()
	select {
	case op := <-f.opC:
		return op
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream operation")
		return ""
	}
}

func noOpWithin(t *testing.T, f *fakeUpstream, d time.Duration) {
	t.Helper()
	select {
	case op := <-f.opC:
		t.Fatalf("unexpected upstream operation %q", op)
	case <-time.After(d):
	}
}

func callDone(callID, name, args string) *ServerEvent {
	return &ServerEvent{
		Type: ServerEventTypeResponseFunctionCallArgumentsDone,
		Param: &ServerEventParamFunctionCallArgumentsDone{
			ResponseId: "resp_1",
			ItemId:     "item_1",
			CallId:     callID,
			Name:       name,
			Arguments:  args,
		},
	}
}

func callDelta(callID, delta string) *ServerEvent {
	return &ServerEvent{
		Type: ServerEventTypeResponseFunctionCallArgumentsDelta,
		Param: &ServerEventParamFunctionCallArgumentsDelta{
			ResponseId: "resp_1",
			ItemId:     "item_1",
			CallId:     callID,
			Delta:      delta,
		},
	}
}

type orchFixture struct {
	orch     *Orchestrator
	upstream *fakeUpstream
	client   *fakeClient
	result   chan error
}

func startOrchestrator(t *testing.T, executor *functions.Executor, connectTimeout, graceTimeout time.Duration) *orchFixture {
	t.Helper()
	upstream := newFakeUpstream()
	client := newFakeClient()
	dial := func(context.Context) (Upstream, error) { return upstream, nil }
	orch, err := NewOrchestrator(shared.NewNopLogger(), executor, dial, connectTimeout, graceTimeout)
	require.NoError(t, err)

	fixture := &orchFixture{orch: orch, upstream: upstream, client: client, result: make(chan error, 1)}
	go func() {
		fixture.result <- orch.HandleConnection(context.Background(), client, nil, "m1")
	}()
	return fixture
}

func (fx *orchFixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-fx.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not finish")
		return nil
	}
}

func newTestExecutor(t *testing.T) *functions.Executor {
	t.Helper()
	executor, err := functions.NewExecutor(shared.NewNopLogger())
	require.NoError(t, err)
	return executor
}

func TestOrchestratorAudioOrdering(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	for i := 0; i < 5; i++ {
		fx.client.in <- clientFrame{websocket.BinaryMessage, []byte{byte('a' + i)}}
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, "audio:"+string(byte('a'+i)), waitOp(t, fx.upstream))
	}

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorFunctionCallReassembly(t *testing.T) {
	executor := newTestExecutor(t)
	var gotArgs string
	var gotCalls int
	var mu sync.Mutex
	err := executor.Register(functions.Definition{Name: "get_meeting_brief"}, func(_ context.Context, call functions.Call) (any, error) {
		mu.Lock()
		gotArgs = call.Arguments
		gotCalls++
		mu.Unlock()
		return map[string]any{"brief": "ok"}, nil
	})
	require.NoError(t, err)

	fx := startOrchestrator(t, executor, time.Second, time.Second)

	fx.upstream.events <- callDelta("call_1", `{"meeting`)
	fx.upstream.events <- callDelta("call_1", `_id":"m1"}`)
	fx.upstream.events <- callDone("call_1", "get_meeting_brief", "")

	op := waitOp(t, fx.upstream)
	assert.True(t, strings.HasPrefix(op, "output:call_1:"), "got %q", op)
	assert.Contains(t, op, `"brief":"ok"`)
	assert.Equal(t, "response.create", waitOp(t, fx.upstream))

	mu.Lock()
	assert.Equal(t, 1, gotCalls, "exactly one executor call per completed request")
	assert.Equal(t, `{"meeting_id":"m1"}`, gotArgs)
	mu.Unlock()

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorResponseGating(t *testing.T) {
	executor := newTestExecutor(t)
	require.NoError(t, executor.Register(functions.Definition{Name: "get_chat_history"}, func(context.Context, functions.Call) (any, error) {
		return []string{}, nil
	}))

	fx := startOrchestrator(t, executor, time.Second, time.Second)

	// A provider-initiated response is already running.
	fx.upstream.events <- &ServerEvent{
		Type:  ServerEventTypeResponseCreated,
		Param: &ServerEventParamResponseCreated{Response: map[string]any{"id": "resp_1"}},
	}
	fx.upstream.events <- callDone("call_1", "get_chat_history", `{}`)

	// The finished call must wait for response.done.
	noOpWithin(t, fx.upstream, 150*time.Millisecond)

	fx.upstream.events <- &ServerEvent{
		Type:  ServerEventTypeResponseDone,
		Param: &ServerEventParamResponseDone{Response: map[string]any{"id": "resp_1"}},
	}
	op := waitOp(t, fx.upstream)
	assert.True(t, strings.HasPrefix(op, "output:call_1:"), "got %q", op)
	assert.Equal(t, "response.create", waitOp(t, fx.upstream))

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorUnsupportedFunction(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	fx.upstream.events <- callDone("call_1", "delete_everything", `{}`)

	op := waitOp(t, fx.upstream)
	assert.True(t, strings.HasPrefix(op, "output:call_1:"), "got %q", op)
	assert.Contains(t, op, "unsupported_function")
	assert.Equal(t, "response.create", waitOp(t, fx.upstream))

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorInvalidArguments(t *testing.T) {
	executor := newTestExecutor(t)
	require.NoError(t, executor.Register(functions.Definition{Name: "get_meeting_brief"}, func(context.Context, functions.Call) (any, error) {
		t.Error("handler must not run for malformed arguments")
		return nil, nil
	}))

	fx := startOrchestrator(t, executor, time.Second, time.Second)

	fx.upstream.events <- callDelta("call_1", `{"meeting_id":`)
	fx.upstream.events <- callDone("call_1", "get_meeting_brief", "")

	op := waitOp(t, fx.upstream)
	assert.Contains(t, op, "invalid_arguments")
	assert.Equal(t, "response.create", waitOp(t, fx.upstream))

	// The session keeps relaying afterwards.
	fx.client.in <- clientFrame{websocket.BinaryMessage, []byte("pcm")}
	assert.Equal(t, "audio:pcm", waitOp(t, fx.upstream))

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorGracePeriodHonorsResult(t *testing.T) {
	executor := newTestExecutor(t)
	started := make(chan struct{})
	require.NoError(t, executor.Register(functions.Definition{Name: "slow"}, func(context.Context, functions.Call) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	}))

	fx := startOrchestrator(t, executor, time.Second, time.Second)
	fx.upstream.events <- callDone("call_1", "slow", `{}`)
	<-started

	close(fx.client.in)

	op := waitOp(t, fx.upstream)
	assert.True(t, strings.HasPrefix(op, "output:call_1:"), "got %q", op)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorGracePeriodDiscardsLateResult(t *testing.T) {
	executor := newTestExecutor(t)
	started := make(chan struct{})
	require.NoError(t, executor.Register(functions.Definition{Name: "glacial"}, func(context.Context, functions.Call) (any, error) {
		close(started)
		time.Sleep(time.Second)
		return "too late", nil
	}))

	fx := startOrchestrator(t, executor, time.Second, 50*time.Millisecond)
	fx.upstream.events <- callDone("call_1", "glacial", `{}`)
	<-started

	close(fx.client.in)
	require.NoError(t, fx.wait(t))

	fx.upstream.mu.Lock()
	defer fx.upstream.mu.Unlock()
	for _, op := range fx.upstream.ops {
		assert.False(t, strings.HasPrefix(op, "output:"), "stale result must be discarded, got %q", op)
	}
}

func TestOrchestratorUpstreamErrorSingleTerminalFrame(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	fx.upstream.events <- &ServerEvent{
		Type: ServerEventTypeError,
		Param: &ServerEventParamError{
			Type:    "server_error",
			Message: "the model blew a fuse",
		},
	}
	require.NoError(t, fx.wait(t))

	frames := fx.client.errorFrames()
	require.Len(t, frames, 1, "exactly one terminal error frame")
	assert.Contains(t, frames[0], "upstream_session_error")

	select {
	case <-fx.upstream.done:
	default:
		t.Fatal("upstream must be closed after teardown")
	}
}

func TestOrchestratorUpstreamChannelClosed(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	fx.upstream.failWith(fmt.Errorf("%w: connection reset", shared.ErrTransportClosed))
	err := fx.wait(t)
	require.Error(t, err)

	frames := fx.client.errorFrames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "transport_closed")
}

func TestOrchestratorConnectTimeout(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.active = make(chan struct{}) // never becomes active
	client := newFakeClient()
	dial := func(context.Context) (Upstream, error) { return upstream, nil }
	orch, err := NewOrchestrator(shared.NewNopLogger(), newTestExecutor(t), dial, 50*time.Millisecond, time.Second)
	require.NoError(t, err)

	err = orch.HandleConnection(context.Background(), client, nil, "m1")
	require.ErrorIs(t, err, shared.ErrConnectTimeout)

	frames := client.errorFrames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "connect_timeout")
}

func TestOrchestratorForwardsAudioDeltas(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	fx.upstream.events <- &ServerEvent{
		Type: ServerEventTypeResponseAudioDelta,
		Param: &ServerEventParamResponseAudioDelta{deltaParam{
			ResponseId: "resp_1",
			ItemId:     "item_1",
			Delta:      "AAECAw==",
		}},
	}

	select {
	case frame := <-fx.client.outC:
		assert.Equal(t, websocket.BinaryMessage, frame.messageType)
		assert.Equal(t, []byte{0, 1, 2, 3}, frame.data)
	case <-time.After(2 * time.Second):
		t.Fatal("audio delta never reached the client")
	}

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}

func TestOrchestratorClientControls(t *testing.T) {
	fx := startOrchestrator(t, newTestExecutor(t), time.Second, time.Second)

	fx.client.in <- clientFrame{websocket.TextMessage, []byte(`{"type":"input_audio.commit"}`)}
	assert.Equal(t, "commit", waitOp(t, fx.upstream))

	fx.client.in <- clientFrame{websocket.TextMessage, []byte(`{"type":"text","text":"hello"}`)}
	assert.Equal(t, "text:hello", waitOp(t, fx.upstream))
	assert.Equal(t, "response.create", waitOp(t, fx.upstream))

	// Malformed control frames are dropped, never fatal.
	fx.client.in <- clientFrame{websocket.TextMessage, []byte(`not json`)}
	fx.client.in <- clientFrame{websocket.TextMessage, []byte(`{"type":"input_audio.clear"}`)}
	assert.Equal(t, "clear", waitOp(t, fx.upstream))

	close(fx.client.in)
	require.NoError(t, fx.wait(t))
}
