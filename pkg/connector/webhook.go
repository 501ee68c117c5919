package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
)

const webhookParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url", "payload"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "payload": {"type": "object"}
  },
  "additionalProperties": false
}`

var webhookSchema = compileParamsSchema("webhook-params", webhookParamsSchema)

// Webhook delivers gateway-signed envelopes. It is deliberately narrower
// than the HTTP connector: POST only, allowlisted domains only, and the
// receiver can verify the envelope against the gateway's public key.
type Webhook struct {
	tool   string
	guard  *Guard
	signer *signing.Service
	clock  func() time.Time
}

// NewWebhook creates a webhook connector registered under tool.
func NewWebhook(tool string, guard *Guard, signer *signing.Service) *Webhook {
	return &Webhook{tool: tool, guard: guard, signer: signer, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (c *Webhook) WithClock(clock func() time.Time) *Webhook {
	c.clock = clock
	return c
}

func (c *Webhook) Tool() string { return c.tool }

func (c *Webhook) Validate(params map[string]any, m *contracts.Manifest) error {
	if err := webhookSchema.Validate(anyMap(params)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Envelope is the signed wire format a webhook receiver gets. Signature
// is the gateway's Ed25519 signature over the canonical serialization of
// the envelope with the signature field empty.
type Envelope struct {
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	KeyID       string         `json:"key_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Signature   string         `json:"signature"`
}

func (c *Webhook) Execute(ctx context.Context, params map[string]any, inv Invocation) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	payload, _ := params["payload"].(map[string]any)

	payloadHash, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: hash payload: %v", ErrValidation, err)
	}
	env := Envelope{
		Payload:     payload,
		PayloadHash: payloadHash,
		KeyID:       c.signer.KeyID(),
		Timestamp:   c.clock().UTC(),
	}
	unsigned, err := canonical.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize envelope: %v", ErrValidation, err)
	}
	env.Signature = c.signer.Sign(unsigned)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", ErrValidation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentgate")
	req.Header.Set("X-Agentgate-Key-Id", env.KeyID)

	resp, respBody, err := c.guard.Do(ctx, req, inv.Domains)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"payload_hash": payloadHash,
		"body":         string(respBody),
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("%w: receiver returned %d", ErrExecution, resp.StatusCode)
	}
	return result, nil
}

// VerifyEnvelope checks a received envelope against the gateway public
// key. Receivers use this; it is exercised by the connector tests.
func VerifyEnvelope(env Envelope, pubKeyHex string) error {
	sig := env.Signature
	env.Signature = ""
	unsigned, err := canonical.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: canonicalize envelope: %v", ErrValidation, err)
	}
	hash, err := canonical.Hash(env.Payload)
	if err != nil || hash != env.PayloadHash {
		return fmt.Errorf("%w: payload hash mismatch", ErrValidation)
	}
	ok, err := signing.VerifyWithKey(pubKeyHex, sig, unsigned)
	if err != nil || !ok {
		return fmt.Errorf("%w: bad envelope signature", ErrValidation)
	}
	return nil
}
