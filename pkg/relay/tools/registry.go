// Package tools holds the static table of server-side capabilities the
// upstream model can invoke mid-conversation, plus the dispatch boundary
// that turns handler failures into structured results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Invocation carries one tool call from the upstream model.
type Invocation struct {
	ToolUseID string
	ChannelID string
	// RawArgs is the argument payload as the upstream sent it, usually a
	// JSON object string.
	RawArgs string
}

// Handler runs one tool call. It may be arbitrarily long-running; dispatch
// never serializes handlers behind each other.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Tool is one declarative registry entry.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON-schema object describing the handler's
	// parameters, advertised upstream at session setup.
	InputSchema map[string]any
	Handler     Handler
}

// Spec is the advertised shape of a tool, without its handler.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Result is what a dispatch returns across the registry boundary. Exactly
// one of Content or Error is meaningful; failures are carried as data, never
// as a panic or a bare error the event loop would have to recover from.
type Result struct {
	Content any    `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry is the process-wide tool table. Tools are registered at startup;
// the spec list is stable for the process lifetime.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected so a misconfigured
// table fails at startup, not at dispatch time.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	sort.Strings(r.order)
	return nil
}

// Specs returns the advertised tool list in name order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Spec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// Execute dispatches one invocation. It always returns a Result: unknown
// tool names and handler failures (including panics) come back as an error
// result rather than crossing this boundary as a failure.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unsupported tool requested", "tool", name, "channel_id", inv.ChannelID)
		return Result{Error: fmt.Sprintf("unsupported tool: %s", name)}
	}

	content, err := r.run(ctx, t, inv)
	if err != nil {
		r.logger.Error("tool failed", "tool", name, "channel_id", inv.ChannelID, "error", err)
		return Result{Error: err.Error()}
	}
	return Result{Content: content}
}

func (r *Registry) run(ctx context.Context, t Tool, inv Invocation) (content any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, rec)
		}
	}()
	return t.Handler(ctx, inv)
}

// DecodeArgs unmarshals an invocation's raw argument payload into dst. An
// empty payload leaves dst untouched.
func DecodeArgs(inv Invocation, dst any) error {
	if inv.RawArgs == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(inv.RawArgs), dst); err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}
	return nil
}
