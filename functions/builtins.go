package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bt-bridge/meeting-relay/store"
	"github.com/bytedance/sonic"
)

// DataSource is the slice of the data layer the built-in functions read.
type DataSource interface {
	MeetingBrief(ctx context.Context, meetingID string) (json.RawMessage, error)
	ChatHistory(ctx context.Context, meetingID string, limit int) ([]store.ChatMessage, error)
}

// RegisterBuiltins wires the meeting lookups into the executor.
func RegisterBuiltins(e *Executor, data DataSource) error {
	if data == nil {
		return fmt.Errorf("no data source provided")
	}
	if err := e.Register(meetingBriefDefinition, meetingBriefHandler(data)); err != nil {
		return err
	}
	if err := e.Register(chatHistoryDefinition, chatHistoryHandler(data)); err != nil {
		return err
	}
	return nil
}

var meetingBriefDefinition = Definition{
	Name:        "get_meeting_brief",
	Description: "Fetch the prepared brief for a meeting, including agenda, participants and goals.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"meeting_id": map[string]any{
				"type":        "string",
				"description": "Identifier of the meeting to fetch the brief for. Defaults to the current meeting.",
			},
		},
	},
}

var chatHistoryDefinition = Definition{
	Name:        "get_chat_history",
	Description: "Fetch prior chat messages of the meeting for conversational context, oldest first.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"meeting_id": map[string]any{
				"type":        "string",
				"description": "Identifier of the meeting. Defaults to the current meeting.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of messages to return.",
			},
		},
	},
}

type meetingBriefArgs struct {
	MeetingID string `json:"meeting_id"`
}

type chatHistoryArgs struct {
	MeetingID string `json:"meeting_id"`
	Limit     int    `json:"limit"`
}

// resolveMeetingID prefers the model-supplied id, falling back to the one the
// relay session was opened with.
func resolveMeetingID(requested, sessionMeetingID string) (string, *Error) {
	if requested != "" {
		return requested, nil
	}
	if sessionMeetingID != "" {
		return sessionMeetingID, nil
	}
	return "", NewError(KindInvalidArguments, "no meeting_id supplied and session has none")
}

func meetingBriefHandler(data DataSource) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		var args meetingBriefArgs
		if err := sonic.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, NewError(KindInvalidArguments, "parsing arguments: %v", err)
		}
		meetingID, execErr := resolveMeetingID(args.MeetingID, call.MeetingID)
		if execErr != nil {
			return nil, execErr
		}
		brief, err := data.MeetingBrief(ctx, meetingID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil, NewError(KindNotFound, "no brief for meeting %q", meetingID)
		}
		if err != nil {
			return nil, fmt.Errorf("fetching brief: %w", err)
		}
		return map[string]any{
			"meeting_id": meetingID,
			"brief":      brief,
		}, nil
	}
}

func chatHistoryHandler(data DataSource) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		var args chatHistoryArgs
		if err := sonic.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, NewError(KindInvalidArguments, "parsing arguments: %v", err)
		}
		meetingID, execErr := resolveMeetingID(args.MeetingID, call.MeetingID)
		if execErr != nil {
			return nil, execErr
		}
		history, err := data.ChatHistory(ctx, meetingID, args.Limit)
		if err != nil {
			return nil, fmt.Errorf("fetching chat history: %w", err)
		}
		if history == nil {
			history = []store.ChatMessage{}
		}
		return map[string]any{
			"meeting_id": meetingID,
			"messages":   history,
		}, nil
	}
}
