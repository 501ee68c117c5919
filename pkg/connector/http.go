package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/agentgate/pkg/contracts"
)

const httpParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {}
  },
  "additionalProperties": false
}`

func compileParamsSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := "https://agentgate.schemas.local/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

var httpSchema = compileParamsSchema("http-params", httpParamsSchema)

// HTTP is the general-purpose outbound connector. Methods are
// configurable per instance; every request passes the SSRF guard
// against the manifest's domain allowlist.
type HTTP struct {
	tool    string
	guard   *Guard
	methods map[string]struct{}
}

// NewHTTP creates an HTTP connector registered under tool. Allowed
// methods default to GET and POST.
func NewHTTP(tool string, guard *Guard, methods ...string) *HTTP {
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost}
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return &HTTP{tool: tool, guard: guard, methods: set}
}

func (c *HTTP) Tool() string { return c.tool }

func (c *HTTP) Validate(params map[string]any, m *contracts.Manifest) error {
	if err := httpSchema.Validate(anyMap(params)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := c.methods[strings.ToUpper(method)]; !ok {
		return fmt.Errorf("%w: method %s not permitted", ErrValidation, method)
	}
	return nil
}

func (c *HTTP) Execute(ctx context.Context, params map[string]any, inv Invocation) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body *bytes.Reader
	if b, ok := params["body"]; ok && b != nil {
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrValidation, err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentgate")
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, respBody, err := c.guard.Do(ctx, req, inv.Domains)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("%w: upstream returned %d", ErrExecution, resp.StatusCode)
	}
	return result, nil
}

// anyMap round-trips params through JSON so schema validation sees the
// generic representation regardless of how the caller built the map.
func anyMap(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return params
	}
	return generic
}
