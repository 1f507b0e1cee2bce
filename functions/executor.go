// Package functions executes the named function calls the upstream model
// emits mid-conversation. Execution never raises: every call, including one
// for a name nobody registered, produces either output JSON or a structured
// error the relay can send back upstream, because the provider requires an
// answer to every function call.
package functions

import (
	"context"
	"errors"
	"fmt"

	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// ErrorKind classifies execution failures.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindUnsupportedFunction ErrorKind = "unsupported_function"
	KindInvalidArguments    ErrorKind = "invalid_arguments"
	KindInternal            ErrorKind = "internal"
)

// Error is a structured execution failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Call is one finalized function-call request.
type Call struct {
	CallID    string
	Name      string
	Arguments string // raw JSON object, reassembled from streamed deltas
	MeetingID string
	UserID    string
}

// Result always carries the call id and exactly one of Output or Err.
type Result struct {
	CallID string
	Output string
	Err    *Error
}

// OutputJSON renders the payload sent upstream as the function_call_output.
// Errors are encoded as {"error": {...}} so the model can react
// conversationally instead of the conversation hanging.
func (r Result) OutputJSON() string {
	if r.Err == nil {
		return r.Output
	}
	b, err := sonic.Marshal(map[string]any{
		"error": map[string]any{
			"kind":    string(r.Err.Kind),
			"message": r.Err.Message,
		},
	})
	if err != nil {
		return `{"error":{"kind":"internal","message":"failed to encode error"}}`
	}
	return string(b)
}

// Definition declares a function to the upstream session's tool schema.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema for the arguments object
}

// Handler runs one call. A returned *Error passes through as-is; any other
// error is wrapped as KindInternal.
type Handler func(ctx context.Context, call Call) (any, error)

type registration struct {
	def     Definition
	handler Handler
}

type Executor struct {
	logger   shared.LoggerAdapter
	registry map[string]registration
	order    []string
}

func NewExecutor(logger shared.LoggerAdapter) (*Executor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Executor{
		logger:   logger,
		registry: make(map[string]registration),
	}, nil
}

// Register adds a function to the registry. Registration happens during
// wiring, before any session runs; the registry is read-only afterwards.
func (e *Executor) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("function definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("function %q has no handler", def.Name)
	}
	if _, exists := e.registry[def.Name]; exists {
		return fmt.Errorf("function %q already registered", def.Name)
	}
	e.registry[def.Name] = registration{def: def, handler: handler}
	e.order = append(e.order, def.Name)
	return nil
}

// Definitions lists registered functions in registration order, for the
// session-configuration tool declarations.
func (e *Executor) Definitions() []Definition {
	defs := make([]Definition, 0, len(e.order))
	for _, name := range e.order {
		defs = append(defs, e.registry[name].def)
	}
	return defs
}

// Execute runs one call to completion. It never panics and never returns a
// bare error; the Result is always safe to send upstream.
func (e *Executor) Execute(ctx context.Context, call Call) (res Result) {
	res.CallID = call.CallID
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("function handler panicked", fmt.Errorf("%v", r), zap.String("function", call.Name))
			res.Output = ""
			res.Err = NewError(KindInternal, "function %q failed", call.Name)
		}
	}()

	reg, ok := e.registry[call.Name]
	if !ok {
		e.logger.Warn("unsupported function requested", zap.String("function", call.Name), zap.String("call_id", call.CallID))
		res.Err = NewError(KindUnsupportedFunction, "function %q is not supported", call.Name)
		return res
	}

	out, err := reg.handler(ctx, call)
	if err != nil {
		var execErr *Error
		if !errors.As(err, &execErr) {
			execErr = NewError(KindInternal, "executing %q: %v", call.Name, err)
		}
		e.logger.Warn("function execution failed",
			zap.String("function", call.Name),
			zap.String("call_id", call.CallID),
			zap.String("kind", string(execErr.Kind)),
		)
		res.Err = execErr
		return res
	}

	encoded, err := sonic.Marshal(out)
	if err != nil {
		res.Err = NewError(KindInternal, "encoding output of %q: %v", call.Name, err)
		return res
	}
	res.Output = string(encoded)
	return res
}
