package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/meeting-relay/functions"
	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

type UpstreamState int

const (
	UpstreamStateDisconnected UpstreamState = iota
	UpstreamStateConnecting
	UpstreamStateConfiguring
	UpstreamStateActive
	UpstreamStateClosing
	UpstreamStateClosed
	UpstreamStateErrored
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamStateDisconnected:
		return "disconnected"
	case UpstreamStateConnecting:
		return "connecting"
	case UpstreamStateConfiguring:
		return "configuring"
	case UpstreamStateActive:
		return "active"
	case UpstreamStateClosing:
		return "closing"
	case UpstreamStateClosed:
		return "closed"
	case UpstreamStateErrored:
		return "errored"
	default:
		return "invalid"
	}
}

const (
	eventChanSize     = 256
	writeTimeout      = 10 * time.Second
	keepaliveInterval = 30 * time.Second
	pongWait          = keepaliveInterval * 2
)

// UpstreamConfig carries everything needed to open one provider session.
type UpstreamConfig struct {
	URL     string // ws(s) endpoint, model query included by the caller
	APIKey  string
	Session *realtime.RealtimeSessionCreateRequestParam
	Tools   []functions.Definition
}

// UpstreamSession is one duplex connection to the realtime provider. A session
// is single-use: Connect once, read Events until Done, then Close. Audio
// appended before the provider acknowledges the session configuration is
// buffered and flushed, in arrival order, the moment the session goes active.
type UpstreamSession struct {
	logger shared.LoggerAdapter
	cfg    UpstreamConfig

	mu           sync.Mutex
	conn         *websocket.Conn
	state        UpstreamState
	pendingAudio [][]byte
	sessionId    string

	events chan *ServerEvent
	active chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewUpstreamSession(ctx context.Context, logger shared.LoggerAdapter, cfg UpstreamConfig) (*UpstreamSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.Session == nil {
		return nil, shared.ErrNoConfig
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &UpstreamSession{
		logger: logger,
		cfg:    cfg,
		state:  UpstreamStateDisconnected,
		events: make(chan *ServerEvent, eventChanSize),
		active: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Events delivers decoded provider events in arrival order. The channel is
// closed after the read loop exits.
func (u *UpstreamSession) Events() <-chan *ServerEvent {
	return u.events
}

func (u *UpstreamSession) Done() <-chan struct{} {
	return u.ctx.Done()
}

// Active is closed once the provider has acknowledged the session
// configuration and buffered audio has been flushed.
func (u *UpstreamSession) Active() <-chan struct{} {
	return u.active
}

// Err reports why the session ended, nil while it is still running.
func (u *UpstreamSession) Err() error {
	if err := context.Cause(u.ctx); err != nil {
		return err
	}
	return nil
}

func (u *UpstreamSession) State() UpstreamState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SessionId is the provider-assigned id, empty until session.created arrives.
func (u *UpstreamSession) SessionId() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionId
}

func (u *UpstreamSession) respectCtx() error {
	select {
	case <-u.ctx.Done():
		return context.Cause(u.ctx)
	default:
	}
	return nil
}

// Connect dials the provider and starts the read loop. The session is not
// usable for responses until Active; audio may be appended immediately.
func (u *UpstreamSession) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.respectCtx(); err != nil {
		return fmt.Errorf("respecting session context: %w", err)
	}
	if u.state != UpstreamStateDisconnected {
		return shared.ErrSessionAlreadyRunning
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.cfg.APIKey)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		u.fail(fmt.Errorf("dialing provider: %w", err))
		return fmt.Errorf("dialing provider: %w", err)
	}
	u.conn = conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	u.state = UpstreamStateConnecting
	u.logger.Info("upstream connected", zap.String("url", u.cfg.URL))
	go u.readLoop()
	go u.keepalive()
	return nil
}

// Close ends the session. Safe to call more than once.
func (u *UpstreamSession) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == UpstreamStateClosed || u.state == UpstreamStateErrored {
		return nil
	}
	u.state = UpstreamStateClosing
	if u.conn != nil {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := u.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			u.logger.Debug("writing close frame failed", zap.Error(err))
		}
		if err := u.conn.Close(); err != nil {
			u.logger.Debug("closing upstream connection failed", zap.Error(err))
		}
	}
	u.state = UpstreamStateClosed
	u.cancel(shared.ErrTransportClosed)
	return nil
}

// fail moves the session to Errored and records the cause. Callers hold mu.
func (u *UpstreamSession) fail(err error) {
	if u.state == UpstreamStateClosed || u.state == UpstreamStateErrored {
		return
	}
	u.state = UpstreamStateErrored
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.cancel(err)
}

func (u *UpstreamSession) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			if u.conn != nil && u.state != UpstreamStateClosed && u.state != UpstreamStateErrored {
				deadline := time.Now().Add(writeTimeout)
				if err := u.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					u.logger.Debug("keepalive ping failed", zap.Error(err))
				}
			}
			u.mu.Unlock()
		}
	}
}

func (u *UpstreamSession) readLoop() {
	defer close(u.events)
	for {
		if err := u.respectCtx(); err != nil {
			return
		}
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			u.mu.Lock()
			closing := u.state == UpstreamStateClosing || u.state == UpstreamStateClosed
			u.fail(fmt.Errorf("%w: %v", shared.ErrTransportClosed, err))
			u.mu.Unlock()
			if !closing {
				u.logger.Warn("upstream read failed", zap.Error(err))
			}
			return
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			u.logger.Error("can not unmarshal upstream event",
				fmt.Errorf("%w: %v", shared.ErrUpstreamProtocol, err),
				zap.ByteString("data", data),
			)
			continue
		}
		u.handleLifecycle(event)
		// Buffered send first: a fatal error event cancels the context, and
		// the event must still reach the consumer for the terminal frame.
		select {
		case u.events <- event:
			continue
		default:
		}
		select {
		case u.events <- event:
		case <-u.ctx.Done():
			return
		}
	}
}

// handleLifecycle drives the session state machine off the provider's own
// acknowledgements before the event is surfaced to the consumer.
func (u *UpstreamSession) handleLifecycle(event *ServerEvent) {
	switch event.Type {
	case ServerEventTypeSessionCreated:
		param, ok := event.Param.(*ServerEventParamSessionCreated)
		if !ok {
			return
		}
		u.mu.Lock()
		u.sessionId = param.SessionId()
		if u.state == UpstreamStateConnecting {
			u.state = UpstreamStateConfiguring
		}
		u.mu.Unlock()
		if err := u.sendSessionUpdate(); err != nil {
			u.logger.Error("configuring session failed", err)
			u.mu.Lock()
			u.fail(fmt.Errorf("%w: configuring session: %v", shared.ErrUpstreamSession, err))
			u.mu.Unlock()
		}
	case ServerEventTypeSessionUpdated:
		u.mu.Lock()
		if u.state == UpstreamStateConfiguring {
			u.state = UpstreamStateActive
			pending := u.pendingAudio
			u.pendingAudio = nil
			for _, chunk := range pending {
				if err := u.writeEventLocked(ClientEventTypeInputAudioBufferAppend, map[string]any{
					"audio": base64.StdEncoding.EncodeToString(chunk),
				}); err != nil {
					u.logger.Error("flushing buffered audio failed", err)
					u.fail(fmt.Errorf("%w: flushing buffered audio: %v", shared.ErrUpstreamSession, err))
					u.mu.Unlock()
					return
				}
			}
			close(u.active)
			u.logger.Info("upstream session active",
				zap.String("session_id", u.sessionId),
				zap.Int("flushed_audio_chunks", len(pending)),
			)
		}
		u.mu.Unlock()
	case ServerEventTypeError:
		param, _ := event.Param.(*ServerEventParamError)
		u.mu.Lock()
		cause := fmt.Errorf("%w: provider reported an error", shared.ErrUpstreamSession)
		if param != nil {
			cause = fmt.Errorf("%w: %s (%s)", shared.ErrUpstreamSession, param.Message, param.Type)
		}
		u.fail(cause)
		u.mu.Unlock()
	}
}

// sendSessionUpdate pushes the session configuration plus the function tool
// declarations as one session.update.
func (u *UpstreamSession) sendSessionUpdate() error {
	cfgBytes, err := u.cfg.Session.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	var session map[string]any
	if err := sonic.Unmarshal(cfgBytes, &session); err != nil {
		return fmt.Errorf("decoding session config: %w", err)
	}
	if len(u.cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(u.cfg.Tools))
		for _, def := range u.cfg.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			})
		}
		session["tools"] = tools
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writeEventLocked(ClientEventTypeSessionUpdate, map[string]any{
		"session": session,
	})
}

// writeEventLocked serializes one client event onto the wire. Callers hold mu.
func (u *UpstreamSession) writeEventLocked(t ClientEventType, payload map[string]any) error {
	if u.conn == nil {
		return shared.ErrSessionNotActive
	}
	if u.state == UpstreamStateClosed || u.state == UpstreamStateErrored {
		return shared.ErrSessionNotActive
	}
	msg := map[string]any{
		"event_id": uuid.NewString(),
		"type":     t,
	}
	for k, v := range payload {
		msg[k] = v
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling client event: %w", err)
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := u.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing client event: %w", err)
	}
	u.logger.Trace("sent upstream event", zap.String("type", string(t)))
	return nil
}

// AppendAudio forwards one raw audio chunk. Before the session is active the
// chunk is buffered; buffered chunks are flushed in order on activation.
func (u *UpstreamSession) AppendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.respectCtx(); err != nil {
		return fmt.Errorf("respecting session context: %w", err)
	}
	switch u.state {
	case UpstreamStateConnecting, UpstreamStateConfiguring, UpstreamStateDisconnected:
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		u.pendingAudio = append(u.pendingAudio, buf)
		return nil
	case UpstreamStateActive:
		return u.writeEventLocked(ClientEventTypeInputAudioBufferAppend, map[string]any{
			"audio": base64.StdEncoding.EncodeToString(chunk),
		})
	default:
		return shared.ErrSessionNotActive
	}
}

func (u *UpstreamSession) CommitInput() error {
	return u.sendActive(ClientEventTypeInputAudioBufferCommit, nil)
}

func (u *UpstreamSession) ClearInput() error {
	return u.sendActive(ClientEventTypeInputAudioBufferClear, nil)
}

// AddUserText injects a typed user message into the conversation.
func (u *UpstreamSession) AddUserText(text string) error {
	return u.sendActive(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// AddFunctionCallOutput attaches the result of an executed function call to
// the conversation. The caller follows it with CreateResponse.
func (u *UpstreamSession) AddFunctionCallOutput(callID, output string) error {
	return u.sendActive(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (u *UpstreamSession) CreateResponse() error {
	return u.sendActive(ClientEventTypeResponseCreate, nil)
}

func (u *UpstreamSession) CancelResponse() error {
	return u.sendActive(ClientEventTypeResponseCancel, nil)
}

func (u *UpstreamSession) sendActive(t ClientEventType, payload map[string]any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.respectCtx(); err != nil {
		return fmt.Errorf("respecting session context: %w", err)
	}
	if u.state != UpstreamStateActive {
		return shared.ErrSessionNotActive
	}
	return u.writeEventLocked(t, payload)
}

var _ Upstream = (*UpstreamSession)(nil)

// Upstream is the slice of UpstreamSession the orchestrator drives. Narrowed
// to an interface so orchestration logic is testable without a provider
// socket.
type Upstream interface {
	Events() <-chan *ServerEvent
	Done() <-chan struct{}
	Active() <-chan struct{}
	Err() error
	AppendAudio(chunk []byte) error
	CommitInput() error
	ClearInput() error
	AddUserText(text string) error
	AddFunctionCallOutput(callID, output string) error
	CreateResponse() error
	CancelResponse() error
	Close() error
}

var errUpstreamGone = errors.New("upstream session ended")

// NewUpstreamDialer builds the production dialer: one fresh connected
// UpstreamSession per relay session.
func NewUpstreamDialer(logger shared.LoggerAdapter, cfg UpstreamConfig) UpstreamDialer {
	return func(ctx context.Context) (Upstream, error) {
		session, err := NewUpstreamSession(ctx, logger, cfg)
		if err != nil {
			return nil, err
		}
		if err := session.Connect(ctx); err != nil {
			return nil, err
		}
		return session, nil
	}
}
