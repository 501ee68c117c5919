package connector_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/connector"
)

// fakeResolver returns canned answers so no DNS lookup or dial happens.
type fakeResolver struct {
	ips map[string][]net.IP
}

func (r fakeResolver) LookupIP(_ context.Context, host string) ([]net.IP, error) {
	ips, ok := r.ips[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCheckURLEmptyAllowlistDeniesEverything(t *testing.T) {
	g := connector.NewGuard()
	_, err := g.CheckURL(context.Background(), mustURL(t, "https://example.com/hook"), nil)
	assert.ErrorIs(t, err, connector.ErrDomainNotAllowed)

	_, err = g.CheckURL(context.Background(), mustURL(t, "https://example.com/hook"), []string{})
	assert.ErrorIs(t, err, connector.ErrDomainNotAllowed)
}

func TestCheckURLAllowlistMatching(t *testing.T) {
	g := connector.NewGuard(connector.WithResolver(fakeResolver{ips: map[string][]net.IP{
		"example.com":     {net.ParseIP("93.184.216.34")},
		"api.example.com": {net.ParseIP("93.184.216.34")},
		"a.b.example.com": {net.ParseIP("93.184.216.34")},
		"evilexample.com": {net.ParseIP("93.184.216.34")},
		"EXAMPLE.COM.":    {net.ParseIP("93.184.216.34")},
	}}))

	cases := []struct {
		host      string
		allowlist []string
		ok        bool
	}{
		{"example.com", []string{"example.com"}, true},
		{"example.com", []string{"other.com"}, false},
		{"api.example.com", []string{"*.example.com"}, true},
		{"a.b.example.com", []string{"*.example.com"}, true},
		// The wildcard does not match the bare apex.
		{"example.com", []string{"*.example.com"}, false},
		{"evilexample.com", []string{"*.example.com"}, false},
		// Case and trailing dots do not defeat the match.
		{"EXAMPLE.COM.", []string{"example.com"}, true},
	}
	for _, tc := range cases {
		_, err := g.CheckURL(context.Background(), mustURL(t, "https://"+tc.host+"/x"), tc.allowlist)
		if tc.ok {
			assert.NoError(t, err, "host %s against %v", tc.host, tc.allowlist)
		} else {
			assert.ErrorIs(t, err, connector.ErrDomainNotAllowed, "host %s against %v", tc.host, tc.allowlist)
		}
	}
}

// A hostname resolving into private space is blocked before any dial.
func TestCheckURLBlocksPrivateResolution(t *testing.T) {
	g := connector.NewGuard(connector.WithResolver(fakeResolver{ips: map[string][]net.IP{
		"internal.example.com": {net.ParseIP("10.0.0.7")},
	}}))

	_, err := g.CheckURL(context.Background(),
		mustURL(t, "https://internal.example.com/admin"), []string{"*.example.com"})
	assert.ErrorIs(t, err, connector.ErrSSRFBlocked)
}

// One clean address does not launder a poisoned answer: every resolved
// address must be outside the blocked set.
func TestCheckURLBlocksMixedResolution(t *testing.T) {
	g := connector.NewGuard(connector.WithResolver(fakeResolver{ips: map[string][]net.IP{
		"pivot.example.com": {net.ParseIP("93.184.216.34"), net.ParseIP("192.168.1.10")},
	}}))

	_, err := g.CheckURL(context.Background(),
		mustURL(t, "https://pivot.example.com/"), []string{"*.example.com"})
	assert.ErrorIs(t, err, connector.ErrSSRFBlocked)
}

func TestCheckURLBlocksLiteralAddresses(t *testing.T) {
	g := connector.NewGuard()

	blocked := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.9.1",
		"192.168.1.1",
		"169.254.169.254",
		"100.64.0.1",
		"0.0.0.0",
		"[::1]",
		"[fd00::1]",
		"[fe80::1]",
		"[::ffff:10.0.0.1]",
		"[fd00:ec2::254]",
	}
	for _, host := range blocked {
		u := mustURL(t, "https://"+host+"/latest/meta-data")
		// Allowlist the literal itself so the failure is the address
		// check, not the allowlist.
		_, err := g.CheckURL(context.Background(), u, []string{u.Hostname()})
		assert.ErrorIs(t, err, connector.ErrSSRFBlocked, "literal %s must be blocked", host)
	}

	u := mustURL(t, "https://93.184.216.34/")
	ips, err := g.CheckURL(context.Background(), u, []string{"93.184.216.34"})
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "93.184.216.34", ips[0].String())
}

func TestCheckURLSchemes(t *testing.T) {
	resolver := fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("93.184.216.34")},
	}}
	allow := []string{"example.com"}

	g := connector.NewGuard(connector.WithResolver(resolver))
	_, err := g.CheckURL(context.Background(), mustURL(t, "ftp://example.com/"), allow)
	assert.ErrorIs(t, err, connector.ErrSSRFBlocked)

	_, err = g.CheckURL(context.Background(), mustURL(t, "http://example.com/"), allow)
	assert.NoError(t, err)

	strict := connector.NewGuard(connector.WithResolver(resolver), connector.WithHTTPSOnly())
	_, err = strict.CheckURL(context.Background(), mustURL(t, "http://example.com/"), allow)
	assert.ErrorIs(t, err, connector.ErrSSRFBlocked)
	_, err = strict.CheckURL(context.Background(), mustURL(t, "https://example.com/"), allow)
	assert.NoError(t, err)
}

// Do surfaces guard failures without having dialed anything.
func TestDoRejectsBeforeDial(t *testing.T) {
	g := connector.NewGuard(connector.WithResolver(fakeResolver{ips: map[string][]net.IP{
		"internal.example.com": {net.ParseIP("10.0.0.7")},
	}}))

	req, err := http.NewRequest(http.MethodGet, "https://internal.example.com/", nil)
	require.NoError(t, err)
	_, _, err = g.Do(context.Background(), req, []string{"*.example.com"})
	assert.ErrorIs(t, err, connector.ErrSSRFBlocked)

	req, err = http.NewRequest(http.MethodGet, "https://stranger.com/", nil)
	require.NoError(t, err)
	_, _, err = g.Do(context.Background(), req, []string{"*.example.com"})
	assert.ErrorIs(t, err, connector.ErrDomainNotAllowed)
}
