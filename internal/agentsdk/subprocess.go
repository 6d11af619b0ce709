package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// SubprocessClient talks to the agent CLI over stream-JSON: one JSON object
// per line on stdin/stdout. Tool permission checks arrive as control
// requests interleaved with the message stream and are answered inline from
// the CanUseTool callback.
type SubprocessClient struct {
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	closed bool
}

// NewSubprocessClient prepares a client; the subprocess starts on Connect.
func NewSubprocessClient(opts Options) *SubprocessClient {
	return &SubprocessClient{opts: opts}
}

type envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`

	// result fields, flattened on the envelope
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Subtype      string  `json:"subtype,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type controlRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

type controlResponse struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id"`
	Response  controlReply `json:"response"`
}

type controlReply struct {
	Subtype  string `json:"subtype"`
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// Connect spawns the agent subprocess in stream-JSON mode.
func (c *SubprocessClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.cmd != nil {
		return nil
	}

	bin := c.opts.Command
	if bin == "" {
		bin = "claude"
	}
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	for _, d := range c.opts.AddDirs {
		args = append(args, "--add-dir", d)
	}
	for _, t := range c.opts.DisallowedTools {
		args = append(args, "--disallowed-tools", t)
	}
	if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", c.opts.PermissionMode)
	}
	if len(c.opts.MCPServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": c.opts.MCPServers})
		if err != nil {
			return fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	if c.opts.Sandbox != nil {
		cfg, err := json.Marshal(c.opts.Sandbox)
		if err != nil {
			return fmt.Errorf("marshal sandbox config: %w", err)
		}
		args = append(args, "--sandbox", string(cfg))
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.opts.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent subprocess: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = scanner
	return nil
}

// Query sends one user message into the conversation.
func (c *SubprocessClient) Query(ctx context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return ErrClientClosed
	}

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write query: %w", err)
	}
	return nil
}

// ReceiveResponse streams messages until the runtime emits a result
// message, which is delivered last before the channel closes. Control
// requests are answered inline and never surface to the caller.
func (c *SubprocessClient) ReceiveResponse(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed || c.stdout == nil {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	scanner := c.stdout
	c.mu.Unlock()

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				continue
			}
			switch env.Type {
			case "control_request":
				c.answerControl(env)
			case "result":
				out <- Message{
					Type:         "result",
					TotalCostUSD: env.TotalCostUSD,
					Usage:        env.Usage,
					IsError:      env.IsError,
					Subtype:      env.Subtype,
				}
				return
			case "assistant", "user", "system":
				msg := Message{Type: env.Type}
				if len(env.Message) > 0 {
					var inner struct {
						Content []ContentBlock `json:"content"`
					}
					if err := json.Unmarshal(env.Message, &inner); err == nil {
						msg.Content = inner.Content
					}
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *SubprocessClient) answerControl(env envelope) {
	if env.Request == nil || env.Request.Subtype != "can_use_tool" {
		return
	}
	result := Allow()
	if c.opts.CanUseTool != nil {
		result = c.opts.CanUseTool(env.Request.ToolName, env.Request.Input)
	}
	reply := controlResponse{
		Type:      "control_response",
		RequestID: env.RequestID,
		Response:  controlReply{Subtype: "success", Behavior: "allow"},
	}
	if !result.Allowed {
		reply.Response.Behavior = "deny"
		reply.Response.Message = result.Reason
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin != nil {
		_, _ = c.stdin.Write(data)
	}
}

// Close tears down the subprocess. Safe to call more than once.
func (c *SubprocessClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

var _ Client = (*SubprocessClient)(nil)
