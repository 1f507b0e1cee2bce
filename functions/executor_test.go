package functions

import (
	"context"
	"errors"
	"testing"

	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(shared.NewNopLogger())
	require.NoError(t, err)
	return e
}

func TestExecutorRegister(t *testing.T) {
	e := newExecutor(t)
	handler := func(context.Context, Call) (any, error) { return nil, nil }

	require.NoError(t, e.Register(Definition{Name: "a"}, handler))
	assert.Error(t, e.Register(Definition{Name: "a"}, handler), "duplicate name")
	assert.Error(t, e.Register(Definition{}, handler), "empty name")
	assert.Error(t, e.Register(Definition{Name: "b"}, nil), "nil handler")
}

func TestExecutorDefinitionsOrder(t *testing.T) {
	e := newExecutor(t)
	handler := func(context.Context, Call) (any, error) { return nil, nil }
	for _, name := range []string{"third", "first", "second"} {
		require.NoError(t, e.Register(Definition{Name: name}, handler))
	}
	defs := e.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "third", defs[0].Name)
	assert.Equal(t, "first", defs[1].Name)
	assert.Equal(t, "second", defs[2].Name)
}

func TestExecutorExecute(t *testing.T) {
	tests := []struct {
		name     string
		handler  Handler
		call     Call
		wantKind ErrorKind
		wantOut  string
	}{
		{
			name: "success encodes output",
			handler: func(context.Context, Call) (any, error) {
				return map[string]any{"ok": true}, nil
			},
			call:    Call{CallID: "c1", Name: "fn"},
			wantOut: `{"ok":true}`,
		},
		{
			name:     "unknown function",
			call:     Call{CallID: "c1", Name: "delete_everything"},
			wantKind: KindUnsupportedFunction,
		},
		{
			name: "structured error passes through",
			handler: func(context.Context, Call) (any, error) {
				return nil, NewError(KindNotFound, "no such meeting")
			},
			call:     Call{CallID: "c1", Name: "fn"},
			wantKind: KindNotFound,
		},
		{
			name: "wrapped structured error passes through",
			handler: func(context.Context, Call) (any, error) {
				return nil, errorsJoin(NewError(KindInvalidArguments, "bad limit"))
			},
			call:     Call{CallID: "c1", Name: "fn"},
			wantKind: KindInvalidArguments,
		},
		{
			name: "plain error becomes internal",
			handler: func(context.Context, Call) (any, error) {
				return nil, errors.New("database exploded")
			},
			call:     Call{CallID: "c1", Name: "fn"},
			wantKind: KindInternal,
		},
		{
			name: "panic becomes internal",
			handler: func(context.Context, Call) (any, error) {
				panic("boom")
			},
			call:     Call{CallID: "c1", Name: "fn"},
			wantKind: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecutor(t)
			if tt.handler != nil {
				require.NoError(t, e.Register(Definition{Name: "fn"}, tt.handler))
			}
			res := e.Execute(context.Background(), tt.call)
			assert.Equal(t, tt.call.CallID, res.CallID)
			if tt.wantKind != "" {
				require.NotNil(t, res.Err)
				assert.Equal(t, tt.wantKind, res.Err.Kind)
				return
			}
			require.Nil(t, res.Err)
			assert.JSONEq(t, tt.wantOut, res.Output)
		})
	}
}

func errorsJoin(err *Error) error {
	return &wrapped{inner: err}
}

type wrapped struct{ inner error }

func (w *wrapped) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapped) Unwrap() error { return w.inner }

func TestResultOutputJSON(t *testing.T) {
	ok := Result{CallID: "c1", Output: `{"a":1}`}
	assert.Equal(t, `{"a":1}`, ok.OutputJSON())

	failed := Result{CallID: "c1", Err: NewError(KindNotFound, "no brief")}
	assert.JSONEq(t, `{"error":{"kind":"not_found","message":"no brief"}}`, failed.OutputJSON())
}
