// Package tools implements the local tool set invoked by the direct-SDK
// agent backend's tool-call loop.
package tools

import "context"

// Tool is implemented by every callable the direct-SDK backend can invoke
// mid-turn. Parameters returns a JSON-Schema-shaped description suitable for
// inclusion in an LLM tool manifest.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Result is what a Tool returns. Silent results are not echoed back to the
// user as a chat message (only surfaced to the model); Media references
// host-filesystem paths the caller should deliver as attachments.
type Result struct {
	Text   string
	IsErr  bool
	Silent bool
	Media  []string
}

func ErrorResult(msg string) *Result {
	return &Result{Text: msg, IsErr: true}
}

func SilentResult(msg string) *Result {
	return &Result{Text: msg, Silent: true}
}

func TextResult(msg string) *Result {
	return &Result{Text: msg}
}

// Registry is a name-keyed set of tools handed to a backend worker.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Manifest returns the tool descriptions formatted for an LLM tool-use
// request.
func (r *Registry) Manifest() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, map[string]interface{}{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		})
	}
	return out
}
