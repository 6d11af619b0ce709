// Package telephone runs bounded-context conversations with LLM agents.
// A Telephone owns one agent subprocess, tracks token and cost usage, and
// rotates to a fresh subprocess with a summarized memory when the current
// generation's context grows past budget. The Exchange registers telephones
// per (team, agent) and hands out per-task worktree locks.
package telephone

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/delegate/internal/agentsdk"
)

// DefaultMaxContextTokens is the per-generation input-token budget before a
// rotation is forced.
const DefaultMaxContextTokens = 80000

// Config describes one telephone.
type Config struct {
	Preamble         string
	Cwd              string
	Memory           string
	MaxContextTokens int // 0 means DefaultMaxContextTokens
	RotationPrompt   string
	OnRotation       func(memory string)
	Model            string

	AllowedWritePaths []string
	DeniedBash        []string // nil means DefaultDeniedBash
	AddDirs           []string
	Sandbox           bool
	DisallowedTools   []string
	MCPServers        map[string]agentsdk.MCPServerConfig
	AllowedDomains    []string

	// NewClient overrides subprocess creation (tests inject fakes).
	NewClient func(agentsdk.Options) agentsdk.Client
}

// Telephone is one bounded-context conversation.
type Telephone struct {
	mu  sync.Mutex
	cfg Config

	id         string
	generation int
	turns      int
	memory     string

	usage      Usage // current generation
	priorUsage Usage // summed across rotations
	lastCum    Usage // last cumulative figure seen from the runtime

	client agentsdk.Client
	stale  []agentsdk.Client // queued by reset, closed before next connect

	rotating bool // disables budget checks during the summary turn
}

func newID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String())
}

// New creates a telephone. No subprocess is spawned until the first Send.
func New(cfg Config) *Telephone {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.DeniedBash == nil {
		cfg.DeniedBash = DefaultDeniedBash
	}
	return &Telephone{cfg: cfg, id: newID()}
}

// ID returns the current generation's conversation id.
func (t *Telephone) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Generation returns the rotation count.
func (t *Telephone) Generation() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Memory returns the carried-over context summary.
func (t *Telephone) Memory() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memory
}

// Usage returns the current generation's usage.
func (t *Telephone) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// TotalUsage returns usage summed across all generations.
func (t *Telephone) TotalUsage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priorUsage.Add(t.usage)
}

// SetPreamble replaces the static role instructions for future generations.
func (t *Telephone) SetPreamble(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Preamble = p
}

// Preamble returns the current static role instructions.
func (t *Telephone) Preamble() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Preamble
}

func (t *Telephone) needsRotationLocked() bool {
	return !t.rotating && t.usage.InputTokens > t.cfg.MaxContextTokens
}

// NeedsRotation reports whether the current generation is over budget.
func (t *Telephone) NeedsRotation() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needsRotationLocked()
}

func (t *Telephone) buildOptions() agentsdk.Options {
	sandbox := &agentsdk.SandboxConfig{
		Enabled:                  t.cfg.Sandbox,
		AutoAllowBashIfSandboxed: t.cfg.Sandbox,
		AllowedDomains:           t.cfg.AllowedDomains,
	}
	for _, d := range t.cfg.AllowedDomains {
		if d == "*" {
			sandbox.AllowedDomains = nil
			break
		}
	}
	return agentsdk.Options{
		Cwd:             t.cfg.Cwd,
		Model:           t.cfg.Model,
		AddDirs:         t.cfg.AddDirs,
		DisallowedTools: t.cfg.DisallowedTools,
		CanUseTool:      Guard(t.cfg.Cwd, t.cfg.AllowedWritePaths, t.cfg.DeniedBash),
		Sandbox:         sandbox,
		MCPServers:      t.cfg.MCPServers,
	}
}

// connectLocked closes any stale-queued subprocesses and lazily spawns the
// current generation's client. Caller holds t.mu.
func (t *Telephone) connectLocked(ctx context.Context) error {
	for _, c := range t.stale {
		_ = c.Close()
	}
	t.stale = nil

	if t.client != nil {
		return nil
	}
	opts := t.buildOptions()
	if t.cfg.NewClient != nil {
		t.client = t.cfg.NewClient(opts)
	} else {
		t.client = agentsdk.NewSubprocessClient(opts)
	}
	if err := t.client.Connect(ctx); err != nil {
		t.client = nil
		return fmt.Errorf("connect agent: %w", err)
	}
	return nil
}

func (t *Telephone) composeLocked(prompt string) string {
	if t.turns > 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("## PREAMBLE\n\n")
	b.WriteString(t.cfg.Preamble)
	if t.memory != "" {
		b.WriteString("\n\n## MEMORY\n\n")
		b.WriteString(t.memory)
	}
	b.WriteString("\n\n")
	b.WriteString(prompt)
	return b.String()
}

func (t *Telephone) foldUsage(m agentsdk.Message) {
	cum, ok := FromMessage(m)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = t.usage.Add(Delta(cum, t.lastCum))
	t.lastCum = cum
}

// Send streams one turn. Rotation happens first when over budget; the
// subprocess is spawned lazily; turn 0 of a generation carries the preamble
// and memory sections. Usage deltas fold in as messages arrive; the turn
// counter increments when the stream ends.
func (t *Telephone) Send(ctx context.Context, prompt string) (<-chan agentsdk.Message, error) {
	if t.NeedsRotation() {
		if err := t.Rotate(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	if err := t.connectLocked(ctx); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	client := t.client
	msg := t.composeLocked(prompt)
	t.mu.Unlock()

	if err := client.Query(ctx, msg); err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	in, err := client.ReceiveResponse(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive agent response: %w", err)
	}

	out := make(chan agentsdk.Message, 16)
	go func() {
		defer close(out)
		for m := range in {
			t.foldUsage(m)
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		t.mu.Lock()
		t.turns++
		t.mu.Unlock()
	}()
	return out, nil
}

// Rotate summarizes the conversation into memory and resets to a fresh
// generation. With no rotation prompt or no live subprocess, the existing
// memory carries over unchanged.
func (t *Telephone) Rotate(ctx context.Context) error {
	t.mu.Lock()
	hasClient := t.client != nil
	prompt := t.cfg.RotationPrompt
	t.rotating = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.rotating = false
		t.mu.Unlock()
	}()

	if prompt != "" && hasClient {
		stream, err := t.Send(ctx, prompt)
		if err != nil {
			return fmt.Errorf("rotation summary: %w", err)
		}
		var summary strings.Builder
		for m := range stream {
			if txt := m.Text(); txt != "" {
				summary.WriteString(txt)
			}
		}
		if s := strings.TrimSpace(summary.String()); s != "" {
			t.mu.Lock()
			t.memory = s
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	memory := t.memory
	cb := t.cfg.OnRotation
	t.mu.Unlock()
	if cb != nil {
		cb(memory)
	}

	t.reset()
	return nil
}

// reset stale-queues the current subprocess, mints a new id, folds current
// usage into the prior-generation total, and bumps the generation. Memory
// is preserved.
func (t *Telephone) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.stale = append(t.stale, t.client)
		t.client = nil
	}
	t.id = newID()
	t.generation++
	t.turns = 0
	t.priorUsage = t.priorUsage.Add(t.usage)
	t.usage = Usage{}
	t.lastCum = Usage{}
}

// Reset discards the current generation without a summary turn.
func (t *Telephone) Reset() { t.reset() }

// Close disconnects the live and stale-queued subprocesses.
func (t *Telephone) Close() error {
	t.mu.Lock()
	clients := t.stale
	t.stale = nil
	if t.client != nil {
		clients = append(clients, t.client)
		t.client = nil
	}
	t.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
