package mcp

import (
	"strings"
	"testing"
)

func TestValidateSSEBlockedTargets(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"loopback ip", "http://127.0.0.1:8080/mcp"},
		{"loopback range", "http://127.1.2.3/mcp"},
		{"private 10", "http://10.0.0.5/mcp"},
		{"private 172", "http://172.16.9.1/mcp"},
		{"private 192", "http://192.168.1.10/mcp"},
		{"link local", "http://169.254.169.254/latest/meta-data"},
		{"cgnat", "http://100.64.0.1/mcp"},
		{"ipv6 loopback", "http://[::1]/mcp"},
		{"ipv6 unique local", "http://[fc00::1]/mcp"},
		{"localhost name", "http://localhost:9000/mcp"},
		{"cloud metadata name", "http://metadata.google.internal/computeMetadata"},
		{"bad scheme", "ftp://example.com/mcp"},
		{"no url", ""},
	}

	for _, tc := range cases {
		cfg := &ServerConfig{Name: "p", Transport: TransportSSE, URL: tc.url}
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected rejection for %q", tc.name, tc.url)
		}
	}
}

func TestValidateSSEAllowsPublicLiteral(t *testing.T) {
	cfg := &ServerConfig{Name: "p", Transport: TransportSSE, URL: "https://8.8.8.8/mcp"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("public literal rejected: %v", err)
	}
}

func TestValidateStdio(t *testing.T) {
	cfg := &ServerConfig{Name: "p", Transport: TransportStdio, Command: "definitely-not-a-real-binary-1234"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection for unresolvable command")
	}

	cfg = &ServerConfig{Name: "p", Transport: TransportStdio, Command: "sh"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sh rejected: %v", err)
	}

	cfg = &ServerConfig{Name: "p", Transport: TransportStdio}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection for empty command")
	}

	cfg = &ServerConfig{Transport: TransportStdio, Command: "sh"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected rejection for empty name")
	}
}

func TestValidateToolArguments(t *testing.T) {
	bad := []string{
		"ls; rm -rf /",
		"a && b",
		"`whoami`",
		"$(cat /etc/passwd)",
		"a | b",
		"out > file",
		"multi\nline",
	}
	for _, v := range bad {
		if err := ValidateToolArguments(map[string]any{"arg": v}); err == nil {
			t.Errorf("expected rejection for %q", v)
		}
	}

	ok := map[string]any{
		"query":  "weather in berlin",
		"path":   "/tmp/file.txt",
		"count":  3,
		"nested": map[string]any{"ignored": true},
	}
	if err := ValidateToolArguments(ok); err != nil {
		t.Errorf("benign args rejected: %v", err)
	}
}

func TestValidateErrorMentionsArgument(t *testing.T) {
	err := ValidateToolArguments(map[string]any{"cmd": "x;y"})
	if err == nil || !strings.Contains(err.Error(), "cmd") {
		t.Errorf("err = %v", err)
	}
}
