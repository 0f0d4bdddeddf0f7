package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ProviderState is the lifecycle state of a configured provider.
type ProviderState string

const (
	StateConnected    ProviderState = "connected"
	StateDisconnected ProviderState = "disconnected"
	StateError        ProviderState = "error"
)

// ProviderStatus is the reportable state of one configured provider.
type ProviderStatus struct {
	Name      string        `json:"name"`
	State     ProviderState `json:"state"`
	ToolCount int           `json:"tool_count"`
	Error     string        `json:"error_message,omitempty"`
}

// session is the slice of Client the manager needs; tests substitute
// fakes.
type session interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Tools() []*Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
}

// Manager owns the lifecycle of all configured tool providers and the
// merged tool catalogue.
type Manager struct {
	logger  *slog.Logger
	configs []*ServerConfig

	mu       sync.RWMutex
	sessions map[string]session
	order    []string // acquisition order, for reverse-order shutdown
	statuses map[string]*ProviderStatus
	toolMap  map[string]string // tool name -> provider name

	// Overridable in tests.
	newSession func(cfg *ServerConfig, logger *slog.Logger) session
	validate   func(cfg *ServerConfig) error
}

// NewManager creates a provider manager for the given configurations.
func NewManager(configs []*ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger:   logger.With("component", "mcp"),
		configs:  configs,
		sessions: make(map[string]session),
		statuses: make(map[string]*ProviderStatus),
		toolMap:  make(map[string]string),
		newSession: func(cfg *ServerConfig, logger *slog.Logger) session {
			return NewClient(cfg, logger)
		},
		validate: func(cfg *ServerConfig) error { return cfg.Validate() },
	}
	for _, cfg := range configs {
		m.statuses[cfg.Name] = &ProviderStatus{Name: cfg.Name, State: StateDisconnected}
	}
	return m
}

// Startup connects every configured provider. One provider failing never
// prevents the others from connecting.
func (m *Manager) Startup(ctx context.Context) {
	for _, cfg := range m.configs {
		if err := m.Connect(ctx, cfg.Name); err != nil {
			m.logger.Error("provider connect failed", "provider", cfg.Name, "error", err)
		}
	}
}

// Shutdown closes all sessions in reverse acquisition order.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		sess, ok := m.sessions[name]
		if !ok {
			continue
		}
		if err := sess.Close(); err != nil {
			m.logger.Warn("provider close failed", "provider", name, "error", err)
		}
		delete(m.sessions, name)
		m.statuses[name] = &ProviderStatus{Name: name, State: StateDisconnected}
	}
	m.order = nil
	m.rebuildToolMapLocked()
}

// Connect connects one provider by name. Connecting an already-connected
// provider is a no-op. On failure every acquired resource is released
// before the error status is recorded.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg := m.findConfig(name)
	if cfg == nil {
		return fmt.Errorf("provider %q not configured", name)
	}

	m.mu.RLock()
	existing, registered := m.sessions[name]
	m.mu.RUnlock()
	if registered {
		if existing.Connected() {
			return nil
		}
		// A dead session must be released before a new one is built,
		// or its transport resources leak.
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn("stale session close failed", "provider", name, "error", err)
		}
	}

	if err := m.validate(cfg); err != nil {
		m.recordError(name, err)
		return fmt.Errorf("validate %s: %w", name, err)
	}

	sess := m.newSession(cfg, m.logger)
	if err := sess.Connect(ctx); err != nil {
		// Connect releases its own partial state; nothing of this
		// provider may remain registered.
		m.recordError(name, err)
		return fmt.Errorf("connect %s: %w", name, err)
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.order = append(m.order, name)
	m.statuses[name] = &ProviderStatus{
		Name:      name,
		State:     StateConnected,
		ToolCount: len(sess.Tools()),
	}
	m.rebuildToolMapLocked()
	m.mu.Unlock()

	m.logger.Info("provider connected", "provider", name, "tools", len(sess.Tools()))
	return nil
}

// Disconnect closes one provider's session and drops its tools from the
// catalogue.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[name]
	if !ok {
		return nil
	}

	err := sess.Close()
	delete(m.sessions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.statuses[name] = &ProviderStatus{Name: name, State: StateDisconnected}
	m.rebuildToolMapLocked()

	if err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	m.logger.Info("provider disconnected", "provider", name)
	return nil
}

// Reconnect tears the session down and brings it back up.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	if err := m.Disconnect(name); err != nil {
		m.logger.Warn("disconnect before reconnect failed", "provider", name, "error", err)
	}
	return m.Connect(ctx, name)
}

func (m *Manager) findConfig(name string) *ServerConfig {
	for _, cfg := range m.configs {
		if cfg.Name == name {
			return cfg
		}
	}
	return nil
}

// quarantine drops a provider whose transport died mid-call: the
// session is released, its tools leave the catalogue, and the status
// records the cause. Reconnect is explicit.
func (m *Manager) quarantine(name string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[name]; ok {
		if err := sess.Close(); err != nil {
			m.logger.Warn("quarantined session close failed", "provider", name, "error", err)
		}
		delete(m.sessions, name)
	}
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.statuses[name] = &ProviderStatus{Name: name, State: StateError, Error: cause.Error()}
	m.rebuildToolMapLocked()

	m.logger.Warn("provider lost mid-call", "provider", name, "error", cause)
}

func (m *Manager) recordError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = &ProviderStatus{Name: name, State: StateError, Error: err.Error()}
}

// rebuildToolMapLocked recomputes the tool name to provider mapping.
// When two providers advertise the same tool name, the later-connected one
// wins and the collision is logged.
func (m *Manager) rebuildToolMapLocked() {
	m.toolMap = make(map[string]string)
	for _, name := range m.order {
		sess, ok := m.sessions[name]
		if !ok {
			continue
		}
		for _, tool := range sess.Tools() {
			if prev, exists := m.toolMap[tool.Name]; exists && prev != name {
				m.logger.Warn("tool name collision",
					"tool", tool.Name, "previous", prev, "winner", name)
			}
			m.toolMap[tool.Name] = name
		}
	}
}

// Tools returns the merged tool catalogue: each advertised tool exactly
// once, owned by its winning provider.
func (m *Manager) Tools() []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []*Tool
	for toolName, providerName := range m.toolMap {
		sess, ok := m.sessions[providerName]
		if !ok {
			continue
		}
		for _, t := range sess.Tools() {
			if t.Name == toolName {
				tools = append(tools, t)
				break
			}
		}
	}
	return tools
}

// ToolProvider returns the provider owning a tool name.
func (m *Manager) ToolProvider(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.toolMap[name]
	return provider, ok
}

// Statuses reports the state of every configured provider, in
// configuration order.
func (m *Manager) Statuses() []*ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ProviderStatus, 0, len(m.configs))
	for _, cfg := range m.configs {
		if st, ok := m.statuses[cfg.Name]; ok {
			copied := *st
			result = append(result, &copied)
		}
	}
	return result
}

// CallTool routes a tool invocation to the provider owning the name and
// normalizes the result to a single content string. String argument
// values carrying shell metacharacters are rejected before anything
// reaches the provider.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	m.mu.RLock()
	providerName, ok := m.toolMap[name]
	sess := m.sessions[providerName]
	m.mu.RUnlock()

	if !ok || sess == nil {
		return nil, fmt.Errorf("tool %q not available", name)
	}

	if err := ValidateToolArguments(args); err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}

	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		if !sess.Connected() {
			m.quarantine(providerName, err)
		}
		return nil, fmt.Errorf("call %s on %s: %w", name, providerName, err)
	}

	var texts []string
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	if len(texts) == 0 && len(result.Content) > 0 {
		// Non-text results pass through as raw JSON.
		raw, _ := json.Marshal(result.Content)
		texts = append(texts, string(raw))
	}

	out := map[string]any{"content": strings.Join(texts, "\n")}
	if result.IsError {
		return out, fmt.Errorf("tool %q reported an error: %s", name, strings.Join(texts, "\n"))
	}
	return out, nil
}
