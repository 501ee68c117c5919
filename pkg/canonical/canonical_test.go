package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestMarshalSortsKeys(t *testing.T) {
	out, err := canonical.Marshal(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestActionHashStableAcrossAmountForms(t *testing.T) {
	cp := &contracts.Counterparty{ID: "cp-1"}
	base := contracts.Action{Type: "payment", Tool: "payments", Amount: dec("150"), Currency: "EUR"}
	variant := base
	variant.Amount = dec("150.00")

	h1, err := canonical.ActionHash(&base, cp)
	require.NoError(t, err)
	h2, err := canonical.ActionHash(&variant, cp)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "150 and 150.00 must hash identically")
}

func TestActionHashIgnoresDescription(t *testing.T) {
	a := contracts.Action{Type: "email", Tool: "mailer", Description: "say hi"}
	b := contracts.Action{Type: "email", Tool: "mailer", Description: "completely different"}

	h1, err := canonical.ActionHash(&a, nil)
	require.NoError(t, err)
	h2, err := canonical.ActionHash(&b, nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestActionHashSensitiveToCounterparty(t *testing.T) {
	a := contracts.Action{Type: "email", Tool: "mailer"}

	h1, err := canonical.ActionHash(&a, &contracts.Counterparty{Email: "a@example.com"})
	require.NoError(t, err)
	h2, err := canonical.ActionHash(&a, &contracts.Counterparty{Email: "b@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"150":    "150",
		"150.00": "150",
		"150.10": "150.1",
		"0.00":   "0",
		"-0":     "0",
		"-3.50":  "-3.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonical.NormalizeAmount(decimal.RequireFromString(in)), in)
	}
}

func TestMarshalIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is a fixed point", prop.ForAll(
		func(keys []string, vals []int) bool {
			m := map[string]any{}
			for i, k := range keys {
				if i < len(vals) {
					m[k] = vals[i]
				}
			}
			first, err := canonical.Marshal(m)
			if err != nil {
				return false
			}
			var back map[string]any
			if err := jsonUnmarshal(first, &back); err != nil {
				return false
			}
			second, err := canonical.Marshal(back)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(-1_000_000, 1_000_000)),
	))

	properties.TestingRun(t)
}

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
