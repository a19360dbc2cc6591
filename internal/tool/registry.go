// Package tool owns the tool registry and the dispatcher — the sole path
// by which agent intent becomes external effect.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/sandbox"
)

// Builtin argument shapes.

type FSReadArgs struct {
	Path string `json:"path"`
}

type FSWriteArgs struct {
	Path  string `json:"path"`
	Bytes []byte `json:"bytes"`
}

type FSDeleteArgs struct {
	Path string `json:"path"`
}

type FSRenameArgs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ShellExecArgs struct {
	Argv    []string `json:"argv"`
	EnvKeys []string `json:"env_keys,omitempty"`
}

// ExternalHandler executes a registered external tool. It runs outside the
// sandbox, so external tools must not perform workspace side effects; those
// belong to the built-in fs tools so the journal sees them.
type ExternalHandler func(ctx context.Context, session model.SessionID, args json.RawMessage) (model.ExecutionReport, error)

// Definition describes one registered tool. Built-ins carry a sandbox kind;
// external tools carry a JSON schema and a handler.
type Definition struct {
	Name        string
	Description string
	Capability  model.Capability

	// SandboxKind is set for built-in tools only.
	SandboxKind sandbox.Kind

	// Schema validates external tool arguments.
	Schema  *jsonschema.Schema
	Handler ExternalHandler

	resolved *jsonschema.Resolved
}

// Builtin reports whether the tool executes through the sandbox.
func (d *Definition) Builtin() bool {
	return d.SandboxKind != ""
}

// Registry maps tool names to definitions. Built-ins are installed by
// NewRegistry; external tools are registrable by name and schema.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry returns a registry with the built-in tool set installed.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Definition)}
	for _, def := range []*Definition{
		{Name: "fs.read", Description: "Read a file from the session workspace", Capability: model.CapFSRead, SandboxKind: sandbox.KindFSRead},
		{Name: "fs.write", Description: "Write a file into the session workspace", Capability: model.CapFSWrite, SandboxKind: sandbox.KindFSWrite},
		{Name: "fs.delete", Description: "Delete a file from the session workspace", Capability: model.CapFSWrite, SandboxKind: sandbox.KindFSDelete},
		{Name: "fs.rename", Description: "Rename a file within the session workspace", Capability: model.CapFSWrite, SandboxKind: sandbox.KindFSRename},
		{Name: "shell.exec", Description: "Execute a command through the sandbox runner", Capability: model.CapShellExec, SandboxKind: sandbox.KindShellExec},
	} {
		r.tools[def.Name] = def
	}
	return r
}

// Register adds an external tool. The schema is resolved once here so
// dispatch-time validation cannot fail on a malformed schema.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("%w: external tool needs a name and handler", model.ErrInvalidIntent)
	}
	if def.Schema == nil {
		def.Schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := def.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("%w: bad schema for tool %s: %v", model.ErrInvalidIntent, def.Name, err)
	}
	def.resolved = resolved

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: tool %s already registered", model.ErrInvalidIntent, def.Name)
	}
	r.tools[def.Name] = &def
	return nil
}

// Lookup returns the definition for a tool name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// ValidateArgs checks external tool arguments against the registered
// schema.
func (d *Definition) ValidateArgs(args json.RawMessage) error {
	if d.resolved == nil {
		return nil
	}
	var instance any
	if len(args) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(args, &instance); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", model.ErrInvalidIntent, err)
	}
	if err := d.resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidIntent, err)
	}
	return nil
}

// Call constructors keep argument encoding in one place.

func NewFSRead(path string) model.ToolCall {
	args, _ := json.Marshal(FSReadArgs{Path: path})
	return model.ToolCall{Tool: "fs.read", Args: args}
}

func NewFSWrite(path string, content []byte) model.ToolCall {
	args, _ := json.Marshal(FSWriteArgs{Path: path, Bytes: content})
	return model.ToolCall{Tool: "fs.write", Args: args}
}

func NewFSDelete(path string) model.ToolCall {
	args, _ := json.Marshal(FSDeleteArgs{Path: path})
	return model.ToolCall{Tool: "fs.delete", Args: args}
}

func NewFSRename(from, to string) model.ToolCall {
	args, _ := json.Marshal(FSRenameArgs{From: from, To: to})
	return model.ToolCall{Tool: "fs.rename", Args: args}
}

func NewShellExec(argv []string, envKeys ...string) model.ToolCall {
	args, _ := json.Marshal(ShellExecArgs{Argv: argv, EnvKeys: envKeys})
	return model.ToolCall{Tool: "shell.exec", Args: args}
}
