package tools

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- SSRF Protection ---

var ssrfBlockedNets = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "0.0.0.0/8", "100.64.0.0/10", "192.0.0.0/24",
		"198.18.0.0/15", "::1/128", "fc00::/7", "fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

var metadataHosts = []string{"metadata.google.internal", "metadata.google.com"}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, n := range ssrfBlockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseWebURL accepts only absolute http(s) URLs with a host.
func parseWebURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("invalid URL %q: not absolute", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("blocked: scheme %q not allowed (only http/https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("blocked: empty hostname")
	}
	return u, nil
}

// fetchGuard validates destinations before and during a fetch. With
// allowPrivate set only the scheme and host checks apply.
type fetchGuard struct {
	allowPrivate bool
}

func (g fetchGuard) validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return nil, err
	}
	if g.allowPrivate {
		return u, nil
	}

	hostname := strings.ToLower(u.Hostname())
	for _, mh := range metadataHosts {
		if hostname == mh {
			return nil, fmt.Errorf("blocked: cloud metadata endpoint %q", hostname)
		}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip.IP) {
			return nil, fmt.Errorf("blocked: %q resolves to private/internal IP %s", hostname, ip.IP)
		}
	}
	return u, nil
}

// transport re-checks resolved addresses at connect time so a DNS answer
// cannot change between validation and dial.
func (g fetchGuard) transport(dialTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if g.allowPrivate {
		return &http.Transport{DialContext: dialer.DialContext}
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS resolution failed: %w", err)
			}

			for _, ipAddr := range ips {
				if isBlockedIP(ipAddr.IP) {
					return nil, fmt.Errorf("SSRF blocked: %q resolved to private IP %s at connect time", host, ipAddr.IP)
				}
			}

			for _, ipAddr := range ips {
				target := net.JoinHostPort(ipAddr.IP.String(), port)
				conn, err := dialer.DialContext(ctx, network, target)
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to connect to any resolved IP for %q", host)
		},
	}
}

func (g fetchGuard) redirectCheck() func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		if _, err := g.validate(req.Context(), req.URL.String()); err != nil {
			return fmt.Errorf("redirect blocked: %w", err)
		}
		return nil
	}
}

func (g fetchGuard) client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     g.transport(10 * time.Second),
		CheckRedirect: g.redirectCheck(),
	}
}
