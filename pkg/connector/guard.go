package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// metadataAddrs are cloud metadata endpoints blocked explicitly on top
// of the range table.
var metadataAddrs = []string{"169.254.169.254", "fd00:ec2::254"}

// blockedRanges is the address space outbound connectors may never
// reach: loopback, link-local, unique-local, RFC 1918, shared (CGN),
// multicast, broadcast, reserved, and the unspecified addresses.
var blockedRanges = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"255.255.255.255/32",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}()

// Resolver is the DNS seam; tests inject fixed answers so no real
// lookup or dial ever happens.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Guard performs the SSRF checks and issues guarded HTTP requests with
// the resolved address pinned, so a post-check DNS change cannot
// redirect the dial.
type Guard struct {
	resolver     Resolver
	maxBodyBytes int64
	maxRedirects int
	timeout      time.Duration
	httpsOnly    bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) GuardOption {
	return func(g *Guard) { g.resolver = r }
}

// WithMaxBodyBytes caps request and response bodies.
func WithMaxBodyBytes(n int64) GuardOption {
	return func(g *Guard) { g.maxBodyBytes = n }
}

// WithHTTPSOnly narrows the allowed schemes to https.
func WithHTTPSOnly() GuardOption {
	return func(g *Guard) { g.httpsOnly = true }
}

// NewGuard creates a guard with production defaults: 1 MiB bodies, five
// redirects, 30 second timeout.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		resolver:     netResolver{},
		maxBodyBytes: 1 << 20,
		maxRedirects: 5,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckURL runs the pre-dial checks: scheme, literal-host allowlist
// (deny by default when the allowlist is empty), DNS resolution and the
// blocked-range table. It returns the vetted addresses for pinning.
func (g *Guard) CheckURL(ctx context.Context, u *url.URL, allowlist []string) ([]net.IP, error) {
	switch u.Scheme {
	case "https":
	case "http":
		if g.httpsOnly {
			return nil, fmt.Errorf("%w: scheme %q not permitted", ErrSSRFBlocked, u.Scheme)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q not permitted", ErrSSRFBlocked, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrSSRFBlocked)
	}
	if !hostAllowed(host, allowlist) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, host)
	}

	// A literal IP in the URL is checked directly; otherwise every
	// resolved address must be clean.
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := g.resolver.LookupIP(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrSSRFBlocked, host, err)
		}
		if len(resolved) == 0 {
			return nil, fmt.Errorf("%w: %s resolved to nothing", ErrSSRFBlocked, host)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return nil, fmt.Errorf("%w: %s resolves to blocked address %s", ErrSSRFBlocked, host, ip)
		}
	}
	return ips, nil
}

// Do issues the request with the guard applied at every hop: the first
// URL and every redirect target are re-checked, and each dial goes to
// the pinned vetted address rather than through a second resolution.
// The response body is returned capped at maxBodyBytes.
func (g *Guard) Do(ctx context.Context, req *http.Request, allowlist []string) (*http.Response, []byte, error) {
	current := req
	for hop := 0; ; hop++ {
		if hop > g.maxRedirects {
			return nil, nil, fmt.Errorf("%w: too many redirects", ErrExecution)
		}

		ips, err := g.CheckURL(ctx, current.URL, allowlist)
		if err != nil {
			return nil, nil, err
		}

		resp, err := g.doPinned(ctx, current, ips[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, g.maxBodyBytes))
			_ = resp.Body.Close()
			if loc == "" {
				return nil, nil, fmt.Errorf("%w: redirect without location", ErrExecution)
			}
			next, err := current.URL.Parse(loc)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: bad redirect target: %v", ErrExecution, err)
			}
			redirected, err := http.NewRequestWithContext(ctx, current.Method, next.String(), nil)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrExecution, err)
			}
			redirected.Header = current.Header.Clone()
			current = redirected
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBodyBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read body: %v", ErrExecution, err)
		}
		return resp, body, nil
	}
}

// doPinned dials the vetted address directly, keeping the URL's host for
// TLS SNI and the Host header. Proxies from the environment are never
// consulted.
func (g *Guard) doPinned(ctx context.Context, req *http.Request, ip net.IP) (*http.Response, error) {
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	pinned := net.JoinHostPort(ip.String(), port)

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, network, pinned)
		},
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   g.timeout,
		// Redirects are handled by the hop loop so each target is
		// re-checked before any dial.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return client.Do(req.WithContext(ctx))
}

// hostAllowed matches the literal host against the allowlist: exact
// match, or a "*." entry matching any single-level-or-deeper subdomain.
// An empty allowlist allows nothing.
func hostAllowed(host string, allowlist []string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, entry := range allowlist {
		e := strings.ToLower(strings.TrimSuffix(entry, "."))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "*.") {
			if strings.HasSuffix(h, e[1:]) && len(h) > len(e[1:]) {
				return true
			}
			continue
		}
		if h == e {
			return true
		}
	}
	return false
}

func blockedIP(ip net.IP) bool {
	// Normalize v6-mapped v4 so ::ffff:10.0.0.1 hits the v4 table.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, meta := range metadataAddrs {
		if ip.Equal(net.ParseIP(meta)) {
			return true
		}
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
