package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/conductor/pkg/schema"
)

// Store persists WorkflowState keyed by session id.
// All implementations must be safe for concurrent use.
type Store interface {
	// Load returns the state for id, or a NOT_FOUND error when absent.
	Load(ctx context.Context, id string) (*schema.WorkflowState, error)
	// Save creates or replaces the state for state.SessionID.
	Save(ctx context.Context, state *schema.WorkflowState) error
	// Delete removes the state for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Purger is implemented by stores that need explicit expiry sweeps.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return schema.KindOf(err) == schema.ErrCodeNotFound
}

func sessionNotFound(id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "session %q not found", id)
}

func storeError(op string, err error) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func encodeState(state *schema.WorkflowState) ([]byte, error) {
	if state == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "state is nil")
	}
	if state.SessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "state has no session id")
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, storeError("encode state", err)
	}
	return b, nil
}

func decodeState(b []byte) (*schema.WorkflowState, error) {
	var state schema.WorkflowState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, storeError("decode state", err)
	}
	return &state, nil
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")
