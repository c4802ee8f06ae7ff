package channels

import (
	"context"
	"fmt"

	"github.com/chozzz/vargos/pkg/models"
)

// InboundHandler receives each message an adapter decodes, before the
// shared ingress pipeline.
type InboundHandler func(msg *models.ChannelMessage)

// Adapter is the contract every channel connector implements. Initialize
// runs once at boot; Start opens the provider connection (blocking only for
// the handshake); Stop cancels pending debounce and reconnect timers and
// closes the connection.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, userID, text string) error
	StartTyping(userID string)
	StopTyping(userID string)

	SetInboundHandler(fn InboundHandler)
	Status() Status
}

// Status is an adapter's connection state.
type Status struct {
	Connected bool   `json:"connected"`
	State     string `json:"state,omitempty"` // running, reconnecting, error
	Error     string `json:"error,omitempty"`
}

// Adapter configuration error helpers, classified the way the service
// reports them.

// ErrConfig wraps an adapter configuration problem.
func ErrConfig(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("channel config: %s", msg)
	}
	return fmt.Errorf("channel config: %s: %w", msg, cause)
}

// ErrConnection wraps a transport-level failure.
func ErrConnection(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("channel connection: %s", msg)
	}
	return fmt.Errorf("channel connection: %s: %w", msg, cause)
}
