package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/agentgate/pkg/contracts"
)

const mailerParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["to", "subject"],
  "properties": {
    "to": {"type": "string", "format": "email", "minLength": 3},
    "subject": {"type": "string", "minLength": 1},
    "body": {"type": "string"}
  },
  "additionalProperties": false
}`

const paymentsParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["recipient"],
  "properties": {
    "recipient": {"type": "string", "minLength": 1},
    "reference": {"type": "string"},
    "memo": {"type": "string"}
  },
  "additionalProperties": false
}`

var (
	mailerSchema   = compileParamsSchema("mailer-params", mailerParamsSchema)
	paymentsSchema = compileParamsSchema("payments-params", paymentsParamsSchema)
)

// journal appends JSON lines to a file, serialized. Both simulated
// connectors write through one of these instead of performing the real
// side effect.
type journal struct {
	mu   sync.Mutex
	path string
}

func (j *journal) write(entry map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open journal: %v", ErrExecution, err)
	}
	defer func() { _ = f.Close() }()
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode journal entry: %v", ErrExecution, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: write journal: %v", ErrExecution, err)
	}
	return nil
}

// SimulatedMailer journals the send instead of delivering mail.
type SimulatedMailer struct {
	tool    string
	journal *journal
	clock   func() time.Time
}

// NewSimulatedMailer creates a mailer journaling to path.
func NewSimulatedMailer(tool, path string) *SimulatedMailer {
	return &SimulatedMailer{tool: tool, journal: &journal{path: path}, clock: time.Now}
}

func (c *SimulatedMailer) Tool() string { return c.tool }

func (c *SimulatedMailer) Validate(params map[string]any, m *contracts.Manifest) error {
	return validateSchema(mailerSchema, params)
}

func (c *SimulatedMailer) Execute(_ context.Context, params map[string]any, inv Invocation) (map[string]any, error) {
	entry := map[string]any{
		"kind":           "mail",
		"timestamp":      c.clock().UTC().Format(time.RFC3339Nano),
		"interaction_id": inv.InteractionID,
		"org_id":         inv.OrgID,
		"to":             params["to"],
		"subject":        params["subject"],
	}
	if err := c.journal.write(entry); err != nil {
		return nil, err
	}
	return map[string]any{"delivered": true, "simulated": true}, nil
}

// SimulatedPayments journals the transfer instead of moving money. The
// amount and currency come from the action, not the params, so policy
// and execution cannot disagree about what was paid.
type SimulatedPayments struct {
	tool    string
	journal *journal
	clock   func() time.Time
}

// NewSimulatedPayments creates a payments connector journaling to path.
func NewSimulatedPayments(tool, path string) *SimulatedPayments {
	return &SimulatedPayments{tool: tool, journal: &journal{path: path}, clock: time.Now}
}

func (c *SimulatedPayments) Tool() string { return c.tool }

func (c *SimulatedPayments) Validate(params map[string]any, m *contracts.Manifest) error {
	return validateSchema(paymentsSchema, params)
}

func (c *SimulatedPayments) Execute(_ context.Context, params map[string]any, inv Invocation) (map[string]any, error) {
	entry := map[string]any{
		"kind":           "payment",
		"timestamp":      c.clock().UTC().Format(time.RFC3339Nano),
		"interaction_id": inv.InteractionID,
		"org_id":         inv.OrgID,
		"recipient":      params["recipient"],
		"reference":      params["reference"],
	}
	if cp := inv.Counterparty; !cp.Empty() {
		entry["counterparty_id"] = cp.ID
	}
	if err := c.journal.write(entry); err != nil {
		return nil, err
	}
	return map[string]any{"settled": true, "simulated": true}, nil
}

func validateSchema(s *jsonschema.Schema, params map[string]any) error {
	if err := s.Validate(anyMap(params)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
