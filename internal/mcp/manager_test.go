package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

type fakeSession struct {
	tools      []*Tool
	connectErr error
	connected  bool
	closed     int
	callFn     func(name string, args map[string]any) (*ToolCallResult, error)
}

func (f *fakeSession) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Close() error {
	f.connected = false
	f.closed++
	return nil
}

func (f *fakeSession) Connected() bool { return f.connected }
func (f *fakeSession) Tools() []*Tool  { return f.tools }

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if f.callFn != nil {
		return f.callFn(name, args)
	}
	return &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "ok"}}}, nil
}

func newTestManager(t *testing.T, sessions map[string]*fakeSession) *Manager {
	t.Helper()
	var configs []*ServerConfig
	for name := range sessions {
		configs = append(configs, &ServerConfig{Name: name, Transport: TransportStdio, Command: "fake"})
	}
	m := NewManager(configs, slog.Default())
	m.validate = func(cfg *ServerConfig) error { return nil }
	m.newSession = func(cfg *ServerConfig, logger *slog.Logger) session {
		return sessions[cfg.Name]
	}
	return m
}

func tool(name string) *Tool {
	return &Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func TestStartupIsolatesFailures(t *testing.T) {
	sessions := map[string]*fakeSession{
		"good": {tools: []*Tool{tool("search")}},
		"bad":  {connectErr: errors.New("spawn failed")},
	}
	m := newTestManager(t, sessions)
	m.Startup(context.Background())

	var good, bad *ProviderStatus
	for _, st := range m.Statuses() {
		switch st.Name {
		case "good":
			good = st
		case "bad":
			bad = st
		}
	}
	if good == nil || good.State != StateConnected || good.ToolCount != 1 {
		t.Errorf("good status = %+v", good)
	}
	if bad == nil || bad.State != StateError || bad.Error == "" {
		t.Errorf("bad status = %+v", bad)
	}

	if _, ok := m.ToolProvider("search"); !ok {
		t.Error("healthy provider's tool missing from catalogue")
	}
}

func TestConnectIdempotent(t *testing.T) {
	sess := &fakeSession{tools: []*Tool{tool("a")}}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	ctx := context.Background()

	if err := m.Connect(ctx, "p"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(ctx, "p"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if len(m.order) != 1 {
		t.Errorf("order = %v", m.order)
	}
}

func TestConnectUnknownProvider(t *testing.T) {
	m := newTestManager(t, map[string]*fakeSession{})
	if err := m.Connect(context.Background(), "ghost"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}

func TestDisconnectDropsTools(t *testing.T) {
	sess := &fakeSession{tools: []*Tool{tool("a"), tool("b")}}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	ctx := context.Background()

	m.Connect(ctx, "p")
	if len(m.Tools()) != 2 {
		t.Fatalf("tools = %d", len(m.Tools()))
	}

	if err := m.Disconnect("p"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if sess.closed != 1 {
		t.Errorf("closed = %d", sess.closed)
	}
	if len(m.Tools()) != 0 {
		t.Error("tools survived disconnect")
	}
	if _, ok := m.ToolProvider("a"); ok {
		t.Error("tool map not rebuilt")
	}

	// Disconnecting again is a no-op.
	if err := m.Disconnect("p"); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
}

func TestConnectReplacesDeadSession(t *testing.T) {
	sess := &fakeSession{tools: []*Tool{tool("a")}}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	ctx := context.Background()

	if err := m.Connect(ctx, "p"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Transport dies out from under the session.
	sess.connected = false

	if err := m.Connect(ctx, "p"); err != nil {
		t.Fatalf("reconnect over dead session: %v", err)
	}
	if sess.closed != 1 {
		t.Errorf("dead session not released: closed = %d", sess.closed)
	}
	if len(m.order) != 1 {
		t.Errorf("order = %v", m.order)
	}
	if !sess.Connected() {
		t.Error("session not reconnected")
	}
	if _, ok := m.ToolProvider("a"); !ok {
		t.Error("tool missing after reconnect")
	}
}

func TestMidCallFailureQuarantinesProvider(t *testing.T) {
	var sess *fakeSession
	sess = &fakeSession{
		tools: []*Tool{tool("search")},
		callFn: func(name string, args map[string]any) (*ToolCallResult, error) {
			sess.connected = false
			return nil, errors.New("transport closed")
		},
	}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	m.Connect(context.Background(), "p")

	if _, err := m.CallTool(context.Background(), "search", nil); err == nil {
		t.Fatal("expected mid-call error")
	}

	var status *ProviderStatus
	for _, st := range m.Statuses() {
		if st.Name == "p" {
			status = st
		}
	}
	if status == nil || status.State != StateError || status.Error == "" {
		t.Errorf("status = %+v", status)
	}
	if _, ok := m.ToolProvider("search"); ok {
		t.Error("dead provider's tool still in catalogue")
	}
	if len(m.Tools()) != 0 {
		t.Errorf("catalogue size = %d", len(m.Tools()))
	}
	if sess.closed != 1 {
		t.Errorf("session not released: closed = %d", sess.closed)
	}

	// An ordinary call error on a live session does not quarantine.
	live := &fakeSession{
		tools: []*Tool{tool("lookup")},
		callFn: func(name string, args map[string]any) (*ToolCallResult, error) {
			return nil, errors.New("bad arguments")
		},
	}
	m2 := newTestManager(t, map[string]*fakeSession{"q": live})
	m2.Connect(context.Background(), "q")
	if _, err := m2.CallTool(context.Background(), "lookup", nil); err == nil {
		t.Fatal("expected call error")
	}
	if _, ok := m2.ToolProvider("lookup"); !ok {
		t.Error("live provider dropped on ordinary call error")
	}
}

func TestToolNameCollisionLastWins(t *testing.T) {
	first := &fakeSession{tools: []*Tool{tool("search")}}
	second := &fakeSession{tools: []*Tool{tool("search")}}
	m := newTestManager(t, map[string]*fakeSession{"first": first, "second": second})
	ctx := context.Background()

	m.Connect(ctx, "first")
	m.Connect(ctx, "second")

	owner, ok := m.ToolProvider("search")
	if !ok || owner != "second" {
		t.Errorf("owner = %q", owner)
	}
	if len(m.Tools()) != 1 {
		t.Errorf("catalogue size = %d", len(m.Tools()))
	}

	// The loser's copy comes back when the winner disconnects.
	m.Disconnect("second")
	owner, ok = m.ToolProvider("search")
	if !ok || owner != "first" {
		t.Errorf("owner after disconnect = %q", owner)
	}
}

func TestCallToolNormalizesContent(t *testing.T) {
	sess := &fakeSession{
		tools: []*Tool{tool("search")},
		callFn: func(name string, args map[string]any) (*ToolCallResult, error) {
			return &ToolCallResult{Content: []ToolResultContent{
				{Type: "text", Text: "line one"},
				{Type: "image", Data: "abc"},
				{Type: "text", Text: "line two"},
			}}, nil
		},
	}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	m.Connect(context.Background(), "p")

	out, err := m.CallTool(context.Background(), "search", map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["content"] != "line one\nline two" {
		t.Errorf("content = %q", out["content"])
	}
}

func TestCallToolRejectsShellMetachars(t *testing.T) {
	called := false
	sess := &fakeSession{
		tools: []*Tool{tool("search")},
		callFn: func(name string, args map[string]any) (*ToolCallResult, error) {
			called = true
			return &ToolCallResult{}, nil
		},
	}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	m.Connect(context.Background(), "p")

	if _, err := m.CallTool(context.Background(), "search", map[string]any{"query": "x; rm -rf /"}); err == nil {
		t.Error("expected rejection")
	}
	if called {
		t.Error("provider reached despite rejection")
	}
}

func TestCallToolUnknown(t *testing.T) {
	m := newTestManager(t, map[string]*fakeSession{})
	if _, err := m.CallTool(context.Background(), "ghost", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestCallToolErrorResult(t *testing.T) {
	sess := &fakeSession{
		tools: []*Tool{tool("search")},
		callFn: func(name string, args map[string]any) (*ToolCallResult, error) {
			return &ToolCallResult{
				IsError: true,
				Content: []ToolResultContent{{Type: "text", Text: "boom"}},
			}, nil
		},
	}
	m := newTestManager(t, map[string]*fakeSession{"p": sess})
	m.Connect(context.Background(), "p")

	if _, err := m.CallTool(context.Background(), "search", nil); err == nil {
		t.Error("expected error for isError result")
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	a := &fakeSession{tools: []*Tool{tool("a")}}
	b := &fakeSession{tools: []*Tool{tool("b")}}
	m := newTestManager(t, map[string]*fakeSession{"a": a, "b": b})
	ctx := context.Background()

	m.Connect(ctx, "a")
	m.Connect(ctx, "b")
	m.Shutdown()

	if a.closed != 1 || b.closed != 1 {
		t.Errorf("closed = %d, %d", a.closed, b.closed)
	}
	for _, st := range m.Statuses() {
		if st.State != StateDisconnected {
			t.Errorf("%s state = %q", st.Name, st.State)
		}
	}
	if len(m.Tools()) != 0 {
		t.Error("tools survived shutdown")
	}
}
