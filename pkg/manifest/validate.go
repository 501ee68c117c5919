package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/currency"

	"github.com/agentgate/agentgate/pkg/contracts"
)

var (
	// ErrInvalid is the base error for schema violations.
	ErrInvalid = errors.New("manifest: invalid")
	// ErrUnenforcedConstraint is returned when a manifest carries
	// constraint fields the engine does not enforce (hourly budgets,
	// allowed-hours windows). Accepting them silently would let
	// operators believe limits exist that do not; rejection is the
	// fail-closed reading.
	ErrUnenforcedConstraint = errors.New("manifest: unenforced constraint field present")
	// ErrSchemaVersion is returned for an unsupported schema_version.
	ErrSchemaVersion = errors.New("manifest: unsupported schema_version")
)

// supportedSchema is the schema_version range this engine enforces.
var supportedSchema = semver.MustParse("1.0.0")

// schemaJSON mirrors the contracts.Manifest shape. additionalProperties
// is closed on constraints so unenforced fields fail validation instead
// of being ignored.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["uapk_id", "org_id", "status", "allowed_action_types", "allowed_tools"],
  "properties": {
    "uapk_id": {"type": "string", "minLength": 1},
    "org_id": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string"},
    "status": {"enum": ["active", "suspended", "revoked"]},
    "allowed_action_types": {"type": "array", "items": {"type": "string"}},
    "allowed_tools": {"type": "array", "items": {"type": "string"}},
    "constraints": {
      "type": "object",
      "properties": {
        "max_actions_per_day": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
        "counterparty_allowlist": {"type": "array", "items": {"type": "string"}},
        "counterparty_denylist": {"type": "array", "items": {"type": "string"}},
        "amount_caps": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "approval_thresholds": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["amount"],
        "properties": {
          "amount": {"type": "string"},
          "currency": {"type": "string"},
          "tool": {"type": "string"},
          "action_type": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "deny_rules": {"type": "array", "items": {"type": "string"}},
    "cel_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expression"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expression": {"type": "string", "minLength": 1}
        },
        "additionalProperties": false
      }
    },
    "require_approval": {"type": "array", "items": {"type": "string"}},
    "jurisdictions_allowed": {"type": "array", "items": {"type": "string", "minLength": 2, "maxLength": 2}},
    "webhook_domains_allowlist": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://agentgate.schemas.local/manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}()

// unenforcedFields are documented in older manifest schemas but carry no
// enforcement in this engine.
var unenforcedFields = []string{"max_actions_per_hour", "allowed_hours"}

// Validate checks a manifest against the schema, verifies currency codes
// and gates the schema version. Unenforced constraint fields are
// rejected, not ignored.
func Validate(m *contracts.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		if isUnenforcedViolation(err) {
			return ErrUnenforcedConstraint
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if m.SchemaVersion != "" {
		v, err := semver.NewVersion(m.SchemaVersion)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrSchemaVersion, m.SchemaVersion)
		}
		if v.Major() != supportedSchema.Major() {
			return fmt.Errorf("%w: %q", ErrSchemaVersion, m.SchemaVersion)
		}
	}

	for code := range m.Constraints.AmountCaps {
		if _, err := currency.ParseISO(code); err != nil {
			return fmt.Errorf("%w: unknown currency %q in amount_caps", ErrInvalid, code)
		}
	}
	for _, t := range m.ApprovalThresholds {
		if t.Currency != "" {
			if _, err := currency.ParseISO(t.Currency); err != nil {
				return fmt.Errorf("%w: unknown currency %q in approval_thresholds", ErrInvalid, t.Currency)
			}
		}
	}
	return nil
}

// ValidateJSON validates a raw manifest document as received from the
// registration system, before any fields are dropped by decoding. This
// is the path that catches unenforced constraint fields in the source
// document.
func ValidateJSON(raw []byte) (*contracts.Manifest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		if isUnenforcedViolation(err) {
			return nil, ErrUnenforcedConstraint
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var m contracts.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func isUnenforcedViolation(err error) bool {
	msg := err.Error()
	for _, f := range unenforcedFields {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
