package connector

import (
	"context"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// MockEcho returns its params unchanged. No I/O, no guard; used in
// tests and development manifests.
type MockEcho struct {
	tool string
}

// NewMockEcho creates an echo connector registered under tool.
func NewMockEcho(tool string) *MockEcho {
	return &MockEcho{tool: tool}
}

func (c *MockEcho) Tool() string { return c.tool }

func (c *MockEcho) Validate(map[string]any, *contracts.Manifest) error { return nil }

func (c *MockEcho) Execute(_ context.Context, params map[string]any, inv Invocation) (map[string]any, error) {
	return map[string]any{
		"echo":           params,
		"interaction_id": inv.InteractionID,
	}, nil
}
