// Package agentsdk defines the contract between the daemon and the LLM
// agent runtime: a Client that owns one conversation subprocess, the
// streamed message shapes, and the permission-callback types. The telephone
// layer consumes this interface; tests substitute the in-memory fake.
package agentsdk

import (
	"context"
	"errors"
)

// ErrClientClosed is returned when a query or receive races a Close.
var ErrClientClosed = errors.New("agentsdk: client closed")

// SandboxConfig mirrors the runtime's sandbox settings.
type SandboxConfig struct {
	Enabled                  bool     `json:"enabled"`
	AutoAllowBashIfSandboxed bool     `json:"autoAllowBashIfSandboxed,omitempty"`
	AllowUnsandboxedCommands bool     `json:"allowUnsandboxedCommands,omitempty"`
	AllowedDomains           []string `json:"allowedDomains,omitempty"`
}

// MCPServerConfig describes one tool server the agent may call.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// PermissionResult is the verdict for one tool invocation.
type PermissionResult struct {
	Allowed bool
	Reason  string // set when denied
}

// Allow permits the invocation.
func Allow() PermissionResult { return PermissionResult{Allowed: true} }

// Deny blocks the invocation with a reason shown to the agent.
func Deny(reason string) PermissionResult {
	return PermissionResult{Allowed: false, Reason: reason}
}

// PermissionFunc decides whether the agent may run a tool with the given
// input. Called synchronously on the receive path.
type PermissionFunc func(toolName string, input map[string]any) PermissionResult

// Options configures a conversation subprocess.
type Options struct {
	Cwd             string
	Model           string
	AddDirs         []string
	DisallowedTools []string
	PermissionMode  string
	CanUseTool      PermissionFunc
	Sandbox         *SandboxConfig
	MCPServers      map[string]MCPServerConfig

	// Command overrides the agent binary (defaults to "claude").
	Command string
}

// ContentBlock is one piece of a streamed message: text, or a tool
// invocation with its name and input.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage is the cumulative token accounting the runtime reports.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Message is one streamed item from the conversation. A message with
// Type "result" terminates the response stream and carries cumulative cost
// and usage for the whole conversation so far.
type Message struct {
	Type         string         `json:"type"`
	Content      []ContentBlock `json:"content,omitempty"`
	TotalCostUSD float64        `json:"total_cost_usd,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
	Subtype      string         `json:"subtype,omitempty"`
}

// IsResult reports whether this message terminates a response stream.
func (m Message) IsResult() bool { return m.Type == "result" }

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Text != "" {
			out += b.Text
		}
	}
	return out
}

// Client is one conversation with an agent runtime. Connect spawns the
// subprocess; Query sends a user message; ReceiveResponse yields streamed
// messages until a result message closes the channel. Close tears the
// subprocess down.
type Client interface {
	Connect(ctx context.Context) error
	Query(ctx context.Context, prompt string) error
	ReceiveResponse(ctx context.Context) (<-chan Message, error)
	Close() error
}
