// Package connector holds the outbound adapters the gateway executes
// allowed actions through: HTTP, gateway-signed webhooks, a mock echo,
// and simulated mailer/payments that only write a journal. Every
// network-touching variant goes through the SSRF guard; connectors
// never trust environment proxies.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrValidation is returned when params fail the connector's schema.
	ErrValidation = errors.New("connector: invalid params")
	// ErrDomainNotAllowed is returned when the target host is not on the
	// manifest's domain allowlist.
	ErrDomainNotAllowed = errors.New("connector: domain not allowed")
	// ErrSSRFBlocked is returned when the target scheme or a resolved
	// address falls in the blocked set. No dial has occurred.
	ErrSSRFBlocked = errors.New("connector: ssrf blocked")
	// ErrExecution wraps downstream failures after the guard passed.
	ErrExecution = errors.New("connector: execution failed")
	// ErrUnknownTool is returned for a tool with no registered connector.
	ErrUnknownTool = errors.New("connector: unknown tool")
)

// Invocation carries the per-call context a connector may need beyond
// its params. Domains is the effective outbound-domain allowlist the
// gateway computed for this manifest.
type Invocation struct {
	InteractionID string
	OrgID         string
	UAPKID        string
	AgentID       string
	Counterparty  *contracts.Counterparty
	Domains       []string
}

// Connector is one outbound adapter. Validate is pure; Execute performs
// the side effect and must honor ctx cancellation.
type Connector interface {
	Tool() string
	Validate(params map[string]any, m *contracts.Manifest) error
	Execute(ctx context.Context, params map[string]any, inv Invocation) (map[string]any, error)
}

// Registry maps tool names to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector under its tool name, replacing any previous
// registration.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Tool()] = c
}

// Lookup resolves the connector for a tool.
func (r *Registry) Lookup(tool string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return c, nil
}

// Tools lists the registered tool names.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}
