package admission

import (
	"context"
	"fmt"

	"github.com/mauro3422/gitteach/internal/inference"
)

// ScheduledClient wraps an inference client with slot acquisition/release.
// It implements inference.Client so it can be injected transparently
// wherever a raw client is expected.
type ScheduledClient struct {
	Controller *Controller
	Priority   Priority
	Client     inference.Client
}

// Compile-time assertion that ScheduledClient implements inference.Client
var _ inference.Client = (*ScheduledClient)(nil)

// NewScheduledClient wraps a client at the given priority.
func NewScheduledClient(controller *Controller, priority Priority, client inference.Client) *ScheduledClient {
	return &ScheduledClient{
		Controller: controller,
		Priority:   priority,
		Client:     client,
	}
}

// Complete acquires a slot, makes the call, releases the slot.
func (c *ScheduledClient) Complete(ctx context.Context, req inference.Request) (string, error) {
	if err := c.Controller.Acquire(ctx, c.Priority); err != nil {
		return "", fmt.Errorf("failed to acquire inference slot: %w", err)
	}
	defer c.Controller.Release()

	return c.Client.Complete(ctx, req)
}

// Model returns the wrapped client's model name.
func (c *ScheduledClient) Model() string { return c.Client.Model() }
