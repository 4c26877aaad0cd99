package executor

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/seldon-engine/aof/pkg/types"
)

// Null accepts every spawn and does nothing with it. Useful when AOF is run
// as a pure board, with agents picking up work through the protocol instead
// of being launched by the daemon.
type Null struct{}

// NewNull creates a null executor.
func NewNull() *Null {
	return &Null{}
}

// Spawn hands back a fresh session id without starting anything.
func (n *Null) Spawn(_ context.Context, _ types.TaskContext, _ SpawnOptions) (*SpawnResult, error) {
	return &SpawnResult{SessionID: uuid.NewString()}, nil
}

// ForceComplete is a no-op: there is no session to end.
func (n *Null) ForceComplete(_ context.Context, sessionID, _ string) error {
	if sessionID == "" {
		return fmt.Errorf("session id required: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
