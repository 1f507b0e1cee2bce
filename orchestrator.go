package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/meeting-relay/auth"
	"github.com/bt-bridge/meeting-relay/functions"
	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConn is the client-facing duplex channel. Message types follow the
// gorilla/websocket constants so *websocket.Conn satisfies the shape through a
// thin adapter.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// clientControl is a JSON control message from the client. Binary frames are
// audio; everything else arrives through this envelope.
type clientControl struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	controlInputAudioCommit = "input_audio.commit"
	controlInputAudioClear  = "input_audio.clear"
	controlText             = "text"
	controlResponseCancel   = "response.cancel"
)

// Terminal error frame codes.
const (
	errCodeConnectTimeout   = "connect_timeout"
	errCodeUpstreamSession  = "upstream_session_error"
	errCodeUpstreamProtocol = "upstream_protocol_error"
	errCodeTransportClosed  = "transport_closed"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultGraceTimeout   = 5 * time.Second
	resultChanSize        = 16
)

// UpstreamDialer opens one fresh upstream session per client connection.
type UpstreamDialer func(ctx context.Context) (Upstream, error)

// Orchestrator bridges client connections to upstream sessions, intercepting
// function calls and answering them through the executor. One
// HandleConnection call per client connection; the orchestrator itself is
// stateless and shared.
type Orchestrator struct {
	logger         shared.LoggerAdapter
	executor       *functions.Executor
	dial           UpstreamDialer
	connectTimeout time.Duration
	graceTimeout   time.Duration
}

func NewOrchestrator(
	logger shared.LoggerAdapter,
	executor *functions.Executor,
	dial UpstreamDialer,
	connectTimeout, graceTimeout time.Duration,
) (*Orchestrator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if executor == nil {
		return nil, shared.ErrNoExecutor
	}
	if dial == nil {
		return nil, errors.New("upstream dialer is required")
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if graceTimeout <= 0 {
		graceTimeout = defaultGraceTimeout
	}
	return &Orchestrator{
		logger:         logger,
		executor:       executor,
		dial:           dial,
		connectTimeout: connectTimeout,
		graceTimeout:   graceTimeout,
	}, nil
}

// HandleConnection runs one relay session until either side closes. A nil
// identity is an anonymous preview session and is allowed through.
func (o *Orchestrator) HandleConnection(ctx context.Context, client ClientConn, identity *auth.Identity, meetingID string) error {
	sess := NewRelaySession(identity, meetingID)
	logger := o.logger.With(
		zap.String("relay_session_id", sess.ID),
		zap.String("meeting_id", meetingID),
		zap.String("user_id", sess.UserID()),
	)
	logger.Info("relay session starting", zap.Bool("anonymous", identity == nil))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer client.Close()

	up, err := o.dial(ctx)
	if err != nil {
		logger.Error("dialing upstream failed", err)
		o.writeErrorFrame(client, errCodeUpstreamSession, "could not reach the voice service")
		return fmt.Errorf("dialing upstream: %w", err)
	}
	defer up.Close()

	clientDone := make(chan struct{})
	go o.clientLoop(logger, client, up, sess, clientDone)

	// The client may already be streaming audio; the upstream session buffers
	// it until the provider acknowledges configuration.
	select {
	case <-up.Active():
	case <-up.Done():
		o.writeErrorFrame(client, o.errorCode(up.Err()), "voice session failed to start")
		return fmt.Errorf("waiting for upstream: %w", up.Err())
	case <-time.After(o.connectTimeout):
		logger.Warn("upstream connect timeout", zap.Duration("timeout", o.connectTimeout))
		o.writeErrorFrame(client, errCodeConnectTimeout, "voice session took too long to start")
		return shared.ErrConnectTimeout
	case <-clientDone:
		logger.Debug("client left before upstream became active")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("relay session active")

	results := make(chan functions.Result, resultChanSize)
	for {
		select {
		case event, ok := <-up.Events():
			if !ok {
				err := up.Err()
				logger.Warn("upstream session ended", zap.Error(err))
				o.writeErrorFrame(client, o.errorCode(err), "voice session ended unexpectedly")
				return fmt.Errorf("%w: %v", errUpstreamGone, err)
			}
			if done := o.handleUpstreamEvent(ctx, logger, client, up, sess, results, event); done {
				return nil
			}
		case res := <-results:
			sess.TrackCompletion()
			o.deliverResult(logger, up, sess, res)
		case <-clientDone:
			o.drain(logger, up, sess, results)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// clientLoop forwards client frames upstream. Binary frames are audio and map
// one-to-one onto append events in arrival order; text frames are control
// messages. Malformed control frames are dropped, never fatal.
func (o *Orchestrator) clientLoop(logger shared.LoggerAdapter, client ClientConn, up Upstream, sess *RelaySession, done chan<- struct{}) {
	defer close(done)
	for {
		messageType, data, err := client.ReadMessage()
		if err != nil {
			logger.Debug("client connection closed", zap.Error(err))
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := up.AppendAudio(data); err != nil {
				logger.Warn("forwarding audio failed", zap.Error(err))
				return
			}
		case websocket.TextMessage:
			o.handleControl(logger, up, sess, data)
		default:
			logger.Debug("ignoring client frame", zap.Int("message_type", messageType))
		}
	}
}

func (o *Orchestrator) handleControl(logger shared.LoggerAdapter, up Upstream, sess *RelaySession, data []byte) {
	var ctl clientControl
	if err := sonic.Unmarshal(data, &ctl); err != nil || ctl.Type == "" {
		logger.Warn("malformed client control frame", zap.ByteString("data", data))
		return
	}
	var err error
	switch ctl.Type {
	case controlInputAudioCommit:
		err = up.CommitInput()
	case controlInputAudioClear:
		err = up.ClearInput()
	case controlText:
		if ctl.Text == "" {
			logger.Warn("text control frame without text")
			return
		}
		if err = up.AddUserText(ctl.Text); err != nil {
			break
		}
		if sess.BeginResponse() {
			err = up.CreateResponse()
		} else {
			logger.Debug("response already in flight, text queued in conversation only")
		}
	case controlResponseCancel:
		err = up.CancelResponse()
	default:
		logger.Warn("unknown client control type", zap.String("type", ctl.Type))
		return
	}
	if err != nil {
		logger.Warn("client control failed", zap.String("type", ctl.Type), zap.Error(err))
	}
}

// handleUpstreamEvent routes one provider event. Returns true when the
// session must tear down.
func (o *Orchestrator) handleUpstreamEvent(
	ctx context.Context,
	logger shared.LoggerAdapter,
	client ClientConn,
	up Upstream,
	sess *RelaySession,
	results chan<- functions.Result,
	event *ServerEvent,
) (teardown bool) {
	switch param := event.Param.(type) {
	case *ServerEventParamError:
		logger.Warn("upstream error event",
			zap.String("error_type", param.Type),
			zap.String("code", param.Code),
			zap.String("message", param.Message),
		)
		o.writeErrorFrame(client, errCodeUpstreamSession, param.Message)
		return true

	case *ServerEventParamResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(param.Delta)
		if err != nil {
			logger.Warn("undecodable audio delta", zap.Error(err))
			return false
		}
		if err := client.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
			logger.Debug("writing audio to client failed", zap.Error(err))
		}

	case *ServerEventParamFunctionCallArgumentsDelta:
		sess.AppendCallDelta(param.CallId, param.Delta)

	case *ServerEventParamFunctionCallArgumentsDone:
		o.dispatchCall(ctx, logger, sess, results, param)

	case *ServerEventParamResponseCreated:
		// The provider starts responses on its own after turn detection; the
		// in-flight flag must cover those too.
		sess.BeginResponse()
		o.forwardJSON(logger, client, event)

	case *ServerEventParamResponseDone:
		o.forwardJSON(logger, client, event)
		o.flushQueuedOutputs(logger, up, sess)

	case *ServerEventParamSessionCreated, *ServerEventParamSessionUpdated:
		// Lifecycle events, consumed by the upstream session itself.

	case *ServerEventParamUnknown:
		logger.Debug("ignoring unknown upstream event", zap.String("wire_type", param.WireType))

	default:
		// Text, transcript and buffer events pass through verbatim.
		o.forwardJSON(logger, client, event)
	}
	return false
}

// dispatchCall finalizes an accumulated function call and runs it on its own
// goroutine so audio keeps flowing while the lookup completes.
func (o *Orchestrator) dispatchCall(
	ctx context.Context,
	logger shared.LoggerAdapter,
	sess *RelaySession,
	results chan<- functions.Result,
	param *ServerEventParamFunctionCallArgumentsDone,
) {
	args := sess.FinishCall(param.CallId, param.Arguments)
	call := functions.Call{
		CallID:    param.CallId,
		Name:      param.Name,
		Arguments: args,
		MeetingID: sess.MeetingID,
		UserID:    sess.UserID(),
	}
	logger.Info("function call requested",
		zap.String("function", call.Name),
		zap.String("call_id", call.CallID),
	)

	sess.TrackDispatch()

	var probe map[string]any
	if err := sonic.UnmarshalString(args, &probe); err != nil {
		go func() {
			sendResult(ctx, results, functions.Result{
				CallID: call.CallID,
				Err:    functions.NewError(functions.KindInvalidArguments, "arguments are not a JSON object"),
			})
		}()
		return
	}

	go func() {
		sendResult(ctx, results, o.executor.Execute(ctx, call))
	}()
}

// sendResult delivers a result unless the session is already gone.
func sendResult(ctx context.Context, results chan<- functions.Result, res functions.Result) {
	select {
	case results <- res:
	case <-ctx.Done():
	}
}

// deliverResult answers one finished call upstream: function_call_output then
// response.create, never interleaved with an in-flight response.
func (o *Orchestrator) deliverResult(logger shared.LoggerAdapter, up Upstream, sess *RelaySession, res functions.Result) {
	if !sess.BeginResponse() {
		logger.Debug("response in flight, queueing function output", zap.String("call_id", res.CallID))
		sess.EnqueueOutput(res.CallID, res.OutputJSON())
		return
	}
	if err := up.AddFunctionCallOutput(res.CallID, res.OutputJSON()); err != nil {
		logger.Warn("sending function output failed", zap.String("call_id", res.CallID), zap.Error(err))
		return
	}
	if err := up.CreateResponse(); err != nil {
		logger.Warn("requesting response failed", zap.Error(err))
	}
}

// flushQueuedOutputs sends outputs that were parked behind the response that
// just completed, followed by a single response.create.
func (o *Orchestrator) flushQueuedOutputs(logger shared.LoggerAdapter, up Upstream, sess *RelaySession) {
	queued := sess.CompleteResponse()
	if len(queued) == 0 {
		return
	}
	for _, q := range queued {
		if err := up.AddFunctionCallOutput(q.callID, q.output); err != nil {
			logger.Warn("sending queued function output failed", zap.String("call_id", q.callID), zap.Error(err))
			return
		}
	}
	if err := up.CreateResponse(); err != nil {
		logger.Warn("requesting response after flush failed", zap.Error(err))
	}
}

// drain gives in-flight executor calls a bounded window to finish after the
// client disconnects, so their results still reach the conversation. Late
// results are discarded when the window closes.
func (o *Orchestrator) drain(logger shared.LoggerAdapter, up Upstream, sess *RelaySession, results <-chan functions.Result) {
	inflight := sess.InflightCalls()
	if inflight == 0 {
		logger.Info("client disconnected, closing upstream")
		return
	}
	logger.Info("client disconnected, draining in-flight calls",
		zap.Int("inflight", inflight),
		zap.Duration("grace", o.graceTimeout),
	)
	timer := time.NewTimer(o.graceTimeout)
	defer timer.Stop()
	for sess.InflightCalls() > 0 {
		select {
		case res := <-results:
			sess.TrackCompletion()
			o.deliverResult(logger, up, sess, res)
		case <-timer.C:
			logger.Warn("grace period elapsed, discarding in-flight calls", zap.Int("abandoned", sess.InflightCalls()))
			return
		case <-up.Done():
			return
		}
	}
	logger.Info("drain complete")
}

// forwardJSON relays one upstream event to the client as a JSON frame.
func (o *Orchestrator) forwardJSON(logger shared.LoggerAdapter, client ClientConn, event *ServerEvent) {
	data, err := event.MarshalJSON()
	if err != nil {
		logger.Error("marshaling event for client failed", err, zap.String("type", string(event.Type)))
		return
	}
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debug("writing event to client failed", zap.Error(err))
	}
}

// writeErrorFrame sends the terminal error frame. Each session sends at most
// one; the websocket write failing is fine, the client may already be gone.
func (o *Orchestrator) writeErrorFrame(client ClientConn, code, message string) {
	frame := map[string]any{
		"type": "error",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		return
	}
	_ = client.WriteMessage(websocket.TextMessage, data)
}

func (o *Orchestrator) errorCode(err error) string {
	switch {
	case errors.Is(err, shared.ErrUpstreamSession):
		return errCodeUpstreamSession
	case errors.Is(err, shared.ErrTransportClosed):
		return errCodeTransportClosed
	case errors.Is(err, shared.ErrConnectTimeout):
		return errCodeConnectTimeout
	default:
		return errCodeUpstreamProtocol
	}
}
