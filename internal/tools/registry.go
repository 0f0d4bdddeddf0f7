// Package tools implements the tool registry: built-in tool registration,
// argument validation, the destructive-command gate, and routing between
// built-in handlers and external providers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anteroom/anteroom/internal/mcp"
)

// Handler executes one tool invocation. The returned map is the tool
// result document; a non-nil error marks the invocation failed.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Definition is the canonical advertising form of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Confirmer asks the human to approve a destructive operation. It is
// called without any registry lock held and may block for minutes.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, message string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, message string) (bool, error) {
	return f(ctx, message)
}

// RemoteDispatcher routes tool calls that no built-in claims. The
// provider manager implements it.
type RemoteDispatcher interface {
	Tools() []*mcp.Tool
	ToolProvider(name string) (string, bool)
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type builtinTool struct {
	def     Definition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry is the single dispatch point for tool invocations.
type Registry struct {
	logger    *slog.Logger
	confirmer Confirmer
	remote    RemoteDispatcher

	mu       sync.RWMutex
	builtins map[string]*builtinTool
	order    []string
}

// NewRegistry creates a registry. confirmer gates destructive commands;
// remote may be nil when no external providers are configured.
func NewRegistry(confirmer Confirmer, remote RemoteDispatcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "tools"),
		confirmer: confirmer,
		remote:    remote,
		builtins:  make(map[string]*builtinTool),
	}
}

// Register adds a built-in tool. The parameter schema is compiled once;
// an invalid schema is a registration error.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	schemaJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("marshal schema for %q: %w", def.Name, err)
	}
	schema, err := jsonschema.CompileString(def.Name+".json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.builtins[def.Name] = &builtinTool{def: def, handler: handler, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// List returns every known tool in canonical form: built-ins in
// registration order, then external tools.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.builtins[name].def)
	}
	r.mu.RUnlock()

	if r.remote != nil {
		for _, t := range r.remote.Tools() {
			var params map[string]any
			if len(t.InputSchema) > 0 {
				if err := json.Unmarshal(t.InputSchema, &params); err != nil {
					params = nil
				}
			}
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			})
		}
	}
	return defs
}

// Has reports whether any tool answers to the name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, builtin := r.builtins[name]
	r.mu.RUnlock()
	if builtin {
		return true
	}
	if r.remote != nil {
		_, ok := r.remote.ToolProvider(name)
		return ok
	}
	return false
}

// ProviderName returns the owning external provider for a tool name, or
// the empty string for built-ins.
func (r *Registry) ProviderName(name string) string {
	r.mu.RLock()
	_, builtin := r.builtins[name]
	r.mu.RUnlock()
	if builtin || r.remote == nil {
		return ""
	}
	provider, _ := r.remote.ToolProvider(name)
	return provider
}

// Dispatch routes an invocation: built-ins first, then external
// providers. Built-in arguments are validated against the declared schema
// before the handler runs. A destructive bash command goes through the
// confirmer; refusal yields the cancelled result, not an error.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, builtin := r.builtins[name]
	r.mu.RUnlock()

	if builtin {
		if args == nil {
			args = map[string]any{}
		}
		if err := tool.schema.Validate(normalizeForSchema(args)); err != nil {
			return nil, fmt.Errorf("invalid arguments for %q: %w", name, err)
		}

		if name == "bash" {
			command, _ := args["command"].(string)
			if IsDestructive(command) {
				approved, err := r.confirm(ctx, command)
				if err != nil {
					return nil, fmt.Errorf("confirm %q: %w", name, err)
				}
				if !approved {
					r.logger.Info("destructive command refused", "command", command)
					return CancelledResult(), nil
				}
			}
		}

		return tool.handler(ctx, args)
	}

	if r.remote != nil {
		if _, ok := r.remote.ToolProvider(name); ok {
			return r.remote.CallTool(ctx, name, args)
		}
	}

	return nil, fmt.Errorf("unknown tool %q", name)
}

func (r *Registry) confirm(ctx context.Context, command string) (bool, error) {
	if r.confirmer == nil {
		// No confirmer means nobody can approve, so deny.
		return false, nil
	}
	return r.confirmer.Confirm(ctx, fmt.Sprintf("Allow destructive command?\n\n  %s", command))
}

// normalizeForSchema round-trips the arguments through JSON so numeric
// types match what the schema validator expects.
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
