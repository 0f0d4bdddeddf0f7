package mcp

import (
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
)

// blockedNetworks are address ranges remote providers may never resolve
// to: loopback, private, link-local, and carrier-grade NAT space.
var blockedNetworks = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var shellMetachars = regexp.MustCompile("[;&|`$(){}!<>\n\r]")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("invalid blocked network " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// Validate checks a provider configuration before any connection attempt.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}

	switch c.Transport {
	case TransportStdio, "":
		return c.validateStdio()
	case TransportSSE:
		return c.validateSSE()
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
}

func (c *ServerConfig) validateStdio() error {
	if c.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	// The command must resolve before we spawn anything.
	if _, err := exec.LookPath(c.Command); err != nil {
		return fmt.Errorf("command %q not found: %w", c.Command, err)
	}
	return nil
}

func (c *ServerConfig) validateSSE() error {
	if c.URL == "" {
		return fmt.Errorf("url is required for sse transport")
	}

	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if blockedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("host %q is blocked", host)
	}

	// Literal IPs are checked directly; hostnames are resolved and every
	// returned address must be allowed.
	if ip := net.ParseIP(host); ip != nil {
		if blocked(ip) {
			return fmt.Errorf("address %s is in a blocked network", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, ip := range addrs {
		if blocked(ip) {
			return fmt.Errorf("host %q resolves to blocked address %s", host, ip)
		}
	}
	return nil
}

func blocked(ip net.IP) bool {
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateToolArguments rejects string argument values containing shell
// metacharacters before they are forwarded to a remote provider.
func ValidateToolArguments(args map[string]any) error {
	for key, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if loc := shellMetachars.FindString(s); loc != "" {
			return fmt.Errorf("argument %q contains forbidden character %q", key, loc)
		}
	}
	return nil
}
