package gemini

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// TransferFunction is the function agents call to hand the turn to another agent.
const TransferFunction = "transfer_to_agent"

// Tool is a function an agent may call. Schema is a JSON Schema object
// describing the arguments.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tools agents refer to by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	switch {
	case name == "":
		return fmt.Errorf("tool name is required")
	case name == TransferFunction:
		return fmt.Errorf("tool name %q is reserved", name)
	case t.Handler == nil:
		return fmt.Errorf("tool %s has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func declaration(t Tool) *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  toSchema(t.Schema),
	}
}

func transferDeclaration(targets []string) *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        TransferFunction,
		Description: "Transfer the conversation to another agent that is better suited to answer.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"agent_name": {
					Type:        genai.TypeString,
					Description: "Name of the agent to transfer to.",
					Enum:        targets,
				},
			},
			Required: []string{"agent_name"},
		},
	}
}

// toSchema converts a JSON Schema map into the Gen AI schema type.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	s.Enum = stringList(m["enum"])
	s.Required = stringList(m["required"])
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	return s
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
