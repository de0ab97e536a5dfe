package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hupe1980/agentloop/core"
)

var (
	// ErrToolNotFound is returned when resolving an unregistered tool name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrInvalidSchema is returned when a tool schema does not compile.
	ErrInvalidSchema = errors.New("invalid tool schema")
)

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry is the closed set of tools available to the controller. Schemas
// are compiled at registration so malformed tools fail at startup rather than
// mid-conversation. Registry is safe for concurrent use; the controller only
// reads from it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a registry pre-populated with tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error; intended for static setups.
func MustRegistry(tools ...Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register associates t with its name after compiling its schema.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("register tool: nil tool")
	}

	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register tool: empty name")
	}

	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	r.tools[name] = entry{tool: t, schema: schema}

	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	return e.tool, nil
}

// Describe lists the registered tools sorted by name.
func (r *Registry) Describe() []core.ToolDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolDescription, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, core.ToolDescription{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Schema:      e.tool.Parameters(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Names returns the registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	descs := r.Describe()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks args against the compiled schema of the named tool. The
// returned error is a *ToolError with code NOT_FOUND or VALIDATION_ERROR.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return NewToolError(name, fmt.Sprintf("unknown tool %q", name), CodeNotFound)
	}

	if args == nil {
		args = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ToolError{Tool: name, Message: fmt.Sprintf("parameter validation failed: %v", err), Code: CodeValidation}
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			details = append(details, re.String())
		}

		return &ToolError{
			Tool:    name,
			Message: fmt.Sprintf("parameter validation failed: %s", strings.Join(details, "; ")),
			Code:    CodeValidation,
			Details: details,
		}
	}

	return nil
}
