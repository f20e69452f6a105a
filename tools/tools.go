// Tools module - tool invocation framework
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/llm"
	"github.com/gliderlab/aiosgate/pkg/logging"
)

// Tool defines the tool interface
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds registered tools
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   logging.OrNop(log).Named("tools"),
	}
}

// Register a tool, replacing any tool with the same name
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
	r.log.Debug("tool registered", zap.String("tool", t.Name()))
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List all tool names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the model-facing declarations of every tool, sorted by name
func (r *Registry) Specs() []llm.ToolSpec {
	names := r.List()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// Call runs the named tool with JSON-encoded arguments and renders the result
// as text for the model. Tool failures are returned as errors; callers decide
// whether to surface them to the model.
func (r *Registry) Call(ctx context.Context, name, argsJSON string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	args, err := ParseArgs(argsJSON)
	if err != nil {
		return "", err
	}

	r.log.Debug("calling tool", zap.String("tool", name))
	result, err := t.Execute(ctx, args)
	if err != nil {
		r.log.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return "", err
	}
	return FormatResult(result), nil
}

// FormatResult renders a tool result as text
func FormatResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ErrorResult renders a tool failure for the model
func ErrorResult(err error) string {
	return fmt.Sprintf("error: %v", err)
}

// ParseArgs parses JSON args
func ParseArgs(argsJSON string) (map[string]any, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		// Try as array
		var arr []any
		if jerr := json.Unmarshal([]byte(argsJSON), &arr); jerr == nil {
			return map[string]any{"args": arr}, nil
		}
		return nil, fmt.Errorf("failed to parse args: %v", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// GetString gets a string arg
func GetString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt gets an int arg
func GetInt(args map[string]any, key string) int {
	if v, ok := args[key]; ok {
		switch f := v.(type) {
		case float64:
			return int(f)
		case int:
			return f
		case string:
			var i int
			fmt.Sscanf(f, "%d", &i)
			return i
		}
	}
	return 0
}

// Truncate long text
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...\n(content truncated)"
}

type userIDKey struct{}

// WithUserID attaches the end-user id tools may scope data by
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID returns the id set by WithUserID, or ""
func UserID(ctx context.Context) string {
	s, _ := ctx.Value(userIDKey{}).(string)
	return s
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
