package relay

import (
	"encoding/json"
	"errors"

	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                                        ServerEventType = "error"
	ServerEventTypeSessionCreated                               ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                               ServerEventType = "session.updated"
	ServerEventTypeConversationItemCreated                      ServerEventType = "conversation.item.created"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta ServerEventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeConversationItemInputAudioTranscriptionDone  ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeInputAudioBufferCommitted                    ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferSpeechStarted                ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                              ServerEventType = "response.created"
	ServerEventTypeResponseDone                                 ServerEventType = "response.done"
	ServerEventTypeResponseTextDelta                            ServerEventType = "response.text.delta"
	ServerEventTypeResponseAudioDelta                           ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioTranscriptDelta                 ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone                  ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta           ServerEventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone            ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeRateLimitsUpdated                            ServerEventType = "rate_limits.updated"

	// ServerEventTypeUnknown is not a wire value. Events whose type is not in
	// the closed set above decode into it so new upstream event kinds never
	// fail the relay.
	ServerEventTypeUnknown ServerEventType = "unknown"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

// ServerEvent is one decoded upstream event.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	e.Param = newEventParam(e.Type)
	if _, ok := e.Param.(*ServerEventParamUnknown); ok {
		// Preserve the original type for logging before falling back.
		e.Param = &ServerEventParamUnknown{WireType: string(e.Type)}
		e.Type = ServerEventTypeUnknown
	}
	return e.Param.New(raw)
}

// newEventParam maps a wire type to its empty param. Unlisted types land in
// the Unknown catch-all instead of erroring.
func newEventParam(t ServerEventType) EventParam {
	switch t {
	case ServerEventTypeError:
		return new(ServerEventParamError)
	case ServerEventTypeSessionCreated:
		return new(ServerEventParamSessionCreated)
	case ServerEventTypeSessionUpdated:
		return new(ServerEventParamSessionUpdated)
	case ServerEventTypeConversationItemCreated:
		return new(ServerEventParamConversationItemCreated)
	case ServerEventTypeConversationItemInputAudioTranscriptionDelta:
		return new(ServerEventParamInputAudioTranscriptionDelta)
	case ServerEventTypeConversationItemInputAudioTranscriptionDone:
		return new(ServerEventParamInputAudioTranscriptionDone)
	case ServerEventTypeInputAudioBufferCommitted:
		return new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		return new(ServerEventParamInputAudioBufferSpeechStarted)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		return new(ServerEventParamInputAudioBufferSpeechStopped)
	case ServerEventTypeResponseCreated:
		return new(ServerEventParamResponseCreated)
	case ServerEventTypeResponseDone:
		return new(ServerEventParamResponseDone)
	case ServerEventTypeResponseTextDelta:
		return new(ServerEventParamResponseTextDelta)
	case ServerEventTypeResponseAudioDelta:
		return new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioTranscriptDelta:
		return new(ServerEventParamResponseAudioTranscriptDelta)
	case ServerEventTypeResponseAudioTranscriptDone:
		return new(ServerEventParamResponseAudioTranscriptDone)
	case ServerEventTypeResponseFunctionCallArgumentsDelta:
		return new(ServerEventParamFunctionCallArgumentsDelta)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		return new(ServerEventParamFunctionCallArgumentsDone)
	case ServerEventTypeRateLimitsUpdated:
		return new(ServerEventParamRateLimitsUpdated)
	default:
		return new(ServerEventParamUnknown)
	}
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// ServerEventParamError
type ServerEventParamError struct {
	Type    string
	EventId string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(jsonMap map[string]any) error {
	if errObj, ok := jsonMap["error"].(map[string]any); ok {
		if v, ok := errObj["type"].(string); ok {
			p.Type = v
		} else {
			return errors.New("missing error.type")
		}
		if v, ok := errObj["code"].(string); ok {
			p.Code = v
		}
		if v, ok := errObj["message"].(string); ok {
			p.Message = v
		} else {
			return errors.New("missing error.message")
		}
		if v, ok := errObj["event_id"].(string); ok {
			p.EventId = v
		}
		p.Param = errObj["param"]
		return nil
	}

	// Fallback: flattened keys
	if v, ok := jsonMap["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing type")
	}
	if v, ok := jsonMap["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing message")
	}
	if v, ok := jsonMap["code"].(string); ok {
		p.Code = v
	}
	if v, ok := jsonMap["event_id"].(string); ok {
		p.EventId = v
	}
	p.Param = jsonMap["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	// Emit official nested shape
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

// session.created
type ServerEventParamSessionCreated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionCreated) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// SessionId pulls the provider-assigned session id out of the session object.
func (p *ServerEventParamSessionCreated) SessionId() string {
	if v, ok := p.Session["id"].(string); ok {
		return v
	}
	return ""
}

// session.updated
type ServerEventParamSessionUpdated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ServerEventParamSessionUpdated) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.created
type ServerEventParamConversationItemCreated struct {
	PreviousItemId any
	Item           map[string]any
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"] // can be string or nil
	if item, ok := m["item"].(map[string]any); ok {
		p.Item = item
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ServerEventParamConversationItemCreated) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item":             p.Item,
	}
}

// conversation.item.input_audio_transcription.delta
type ServerEventParamInputAudioTranscriptionDelta struct {
	ItemId       string
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamInputAudioTranscriptionDelta) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionDelta) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamInputAudioTranscriptionDone struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamInputAudioTranscriptionDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionDone) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	PreviousItemId any
	ItemId         string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	p.PreviousItemId = m["previous_item_id"]
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferCommitted) Json() map[string]any {
	return map[string]any{
		"previous_item_id": p.PreviousItemId,
		"item_id":          p.ItemId,
	}
}

// input_audio_buffer.speech_started
type ServerEventParamInputAudioBufferSpeechStarted struct {
	AudioStartMs int
	ItemId       string
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	} else {
		return errors.New("missing audio_start_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) Json() map[string]any {
	return map[string]any{
		"audio_start_ms": p.AudioStartMs,
		"item_id":        p.ItemId,
	}
}

// input_audio_buffer.speech_stopped
type ServerEventParamInputAudioBufferSpeechStopped struct {
	AudioEndMs int
	ItemId     string
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	} else {
		return errors.New("missing audio_end_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) Json() map[string]any {
	return map[string]any{
		"audio_end_ms": p.AudioEndMs,
		"item_id":      p.ItemId,
	}
}

// response.created
type ServerEventParamResponseCreated struct {
	Response map[string]any
}

func (p *ServerEventParamResponseCreated) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseCreated) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

// deltaParam covers the shared shape of response.text.delta,
// response.audio.delta and response.audio_transcript.delta.
type deltaParam struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *deltaParam) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *deltaParam) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// response.text.delta
type ServerEventParamResponseTextDelta struct{ deltaParam }

// response.audio.delta (delta is a base64 audio chunk)
type ServerEventParamResponseAudioDelta struct{ deltaParam }

// response.audio_transcript.delta
type ServerEventParamResponseAudioTranscriptDelta struct{ deltaParam }

// response.audio_transcript.done
type ServerEventParamResponseAudioTranscriptDone struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamResponseAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDone) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

// response.function_call_arguments.delta
type ServerEventParamFunctionCallArgumentsDelta struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Delta       string
}

func (p *ServerEventParamFunctionCallArgumentsDelta) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamFunctionCallArgumentsDelta) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"delta":        p.Delta,
	}
}

// response.function_call_arguments.done
type ServerEventParamFunctionCallArgumentsDone struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Name        string
	Arguments   string
}

func (p *ServerEventParamFunctionCallArgumentsDone) New(m map[string]any) error {
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	} else {
		return errors.New("missing response_id")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	if v, ok := m["name"].(string); ok {
		p.Name = v
	}
	if v, ok := m["arguments"].(string); ok {
		p.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	return nil
}

func (p *ServerEventParamFunctionCallArgumentsDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"name":         p.Name,
		"arguments":    p.Arguments,
	}
}

// rate_limits.updated
type ServerEventParamRateLimitsUpdated struct {
	RateLimits []map[string]any
}

func (p *ServerEventParamRateLimitsUpdated) New(m map[string]any) error {
	v, ok := m["rate_limits"]
	if !ok {
		return errors.New("missing rate_limits")
	}
	switch rr := v.(type) {
	case []any:
		res := make([]map[string]any, 0, len(rr))
		for _, r := range rr {
			if rm, ok := r.(map[string]any); ok {
				res = append(res, rm)
			} else {
				return errors.New("invalid element in rate_limits")
			}
		}
		p.RateLimits = res
	case []map[string]any:
		p.RateLimits = rr
	default:
		return errors.New("invalid rate_limits")
	}
	return nil
}

func (p *ServerEventParamRateLimitsUpdated) Json() map[string]any {
	return map[string]any{
		"rate_limits": p.RateLimits,
	}
}

// ServerEventParamUnknown holds any event kind outside the closed set.
type ServerEventParamUnknown struct {
	WireType string
	Raw      map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Raw = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	return p.Raw
}
