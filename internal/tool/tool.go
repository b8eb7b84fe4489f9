// Package tool defines the shapes exchanged with tool backends: a proposed
// call, a declared spec, and an execution result.
package tool

import (
	"encoding/json"
	"time"
)

// Call is one proposed tool invocation.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Clone returns a copy with its own top-level argument map.
func (c Call) Clone() Call {
	out := Call{Tool: c.Tool, Args: make(map[string]any, len(c.Args))}
	for k, v := range c.Args {
		out.Args[k] = v
	}
	return out
}

// Spec is a tool as declared by its backend. Schema is a JSON Schema for the
// argument object; nil means arguments are not filtered.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Result is the outcome of executing a Call.
type Result struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Payload    string         `json:"payload"`
	Error      string         `json:"error,omitempty"`
	Incomplete bool           `json:"incomplete,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// Failed reports whether the backend signalled an error.
func (r Result) Failed() bool {
	return r.Error != ""
}
