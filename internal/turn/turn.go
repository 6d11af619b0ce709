// Package turn runs one agent turn: select an inbox batch, build the
// prompt, stream the telephone, and record the bookkeeping around it
// (mailbox lifecycle stamps, session telemetry, worklog, activity events).
package turn

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/leonletto/delegate/internal/activity"
	"github.com/leonletto/delegate/internal/agentsdk"
	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/telephone"
)

// ReflectionProbability is the chance a turn appends a reflection turn.
const ReflectionProbability = 0.1

const reflectionPrompt = `Take a moment to reflect on the turn you just
completed. What went well, what would you do differently, and what should
you remember for next time? Append concise takeaways to your reflections
file if you keep one.`

const rotationPrompt = `Your context window is nearly full. Write a concise
handoff summary of this conversation for your replacement: current task
state, decisions made, open threads, and anything they must not forget.
Reply with the summary only.`

// Runtime carries the shared dependencies a turn needs.
type Runtime struct {
	Home      string
	Cfg       config.Config
	Mail      *mailbox.Store
	Tasks     *taskstore.Store
	Registry  *identity.Registry
	Exchange  *telephone.Exchange
	Broadcast *activity.Broadcaster

	// MCPServers are handed to every telephone (the agent tool server).
	MCPServers map[string]agentsdk.MCPServerConfig

	// NewClient overrides subprocess creation in tests.
	NewClient func(agentsdk.Options) agentsdk.Client
	// Rand overrides the reflection coin flip in tests.
	Rand func() float64
}

// Result summarizes one completed turn.
type Result struct {
	SessionID int64
	BatchSize int
	TaskID    *int64
	Tokens    telephone.Usage
}

func (r *Runtime) random() float64 {
	if r.Rand != nil {
		return r.Rand()
	}
	return rand.Float64() //nolint:gosec // G404: coin flip, not crypto
}

// Run executes one turn for (team, agent). A nil result with nil error
// means there was nothing to do.
func (r *Runtime) Run(ctx context.Context, team, agent string) (*Result, error) {
	teamUUID, err := r.Registry.ResolveTeam(team)
	if err != nil {
		return nil, fmt.Errorf("resolve team %s: %w", team, err)
	}

	// 1. Agent context.
	state, err := config.LoadAgentState(r.Home, teamUUID, agent)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent, err)
	}
	model := state.ResolveModel(r.Cfg.DefaultModel)

	// 2. Batch selection.
	inbox, err := r.Mail.ReadInbox(team, agent, true)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	batch := SelectBatch(inbox, r.Cfg.DefaultHuman)
	if len(batch.Messages) == 0 {
		return nil, nil
	}

	// 3. Task resolution. A batch for a finished task is swallowed whole.
	var task *taskstore.Task
	if batch.TaskID != nil {
		task, err = r.Tasks.Get(int(*batch.TaskID))
		if err != nil {
			return nil, fmt.Errorf("load task %d: %w", *batch.TaskID, err)
		}
		if task.Status == taskstore.StatusCancelled || task.Status == taskstore.StatusDone {
			if err := r.Mail.MarkProcessed(batch.IDs()); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	// 4. Workspace.
	worktrees := map[string]string{}
	cwd := paths.AgentDir(r.Home, teamUUID, agent)
	if task != nil {
		for _, repo := range task.Repos {
			worktrees[repo] = paths.TaskWorktree(r.Home, teamUUID, repo, task.ID)
		}
		if len(task.Repos) > 0 {
			cwd = worktrees[task.Repos[0]]
		}
	}

	// 5. Mark seen.
	if err := r.Mail.MarkSeen(batch.IDs()); err != nil {
		return nil, err
	}

	// 6. Announce.
	r.publishTurn(activity.TypeTurnStarted, team, agent, batch)

	// 7. Telemetry session.
	sessionID, err := r.Mail.StartSession(team, agent, batch.TaskID)
	if err != nil {
		return nil, err
	}

	// 8. Prompt and telephone.
	preamble := BuildPreamble(r.Home, teamUUID, team, agent, state.Role, worktrees)
	phone := r.Exchange.GetOrCreate(team, agent, func() *telephone.Telephone {
		return telephone.New(r.phoneConfig(teamUUID, team, agent, model, cwd, preamble))
	})
	if phone.Preamble() != preamble {
		if err := phone.Rotate(ctx); err != nil {
			return nil, fmt.Errorf("rotate on preamble change: %w", err)
		}
		phone.SetPreamble(preamble)
	}
	userMsg, err := r.buildUserMessage(team, agent, task, worktrees, batch)
	if err != nil {
		return nil, err
	}

	// 9. Stream.
	log := &WorklogBuffer{}
	log.Section("Turn")
	for _, m := range batch.Messages {
		log.Printf("**%s:** %s", m.Sender, m.Content)
	}
	before := phone.TotalUsage()
	if err := r.streamTurn(ctx, phone, userMsg, team, agent, batch, log); err != nil {
		// A failed stream still consumes the batch; an unprocessed batch
		// would be re-selected on every tick.
		_ = r.Mail.MarkProcessed(batch.IDs())
		_ = r.Mail.EndSession(sessionID)
		return nil, err
	}

	// 10. Done with the batch.
	if err := r.Mail.MarkProcessed(batch.IDs()); err != nil {
		return nil, err
	}

	// 11. Late task association.
	taskID := batch.TaskID
	if taskID == nil {
		if current := r.currentTaskOf(team, agent); current != nil {
			id64 := int64(current.ID)
			taskID = &id64
			_ = r.Mail.SetSessionTask(sessionID, id64)
		}
	}

	// 12. The turn is over for feed consumers; the reflection pass rides
	// the same session afterwards.
	r.publishTurn(activity.TypeTurnEnded, team, agent, batch)

	// 13. Reflection coin flip.
	if r.random() < ReflectionProbability {
		log.Section("Reflection")
		if err := r.streamTurn(ctx, phone, reflectionPrompt, team, agent, batch, log); err != nil {
			// A failed reflection never fails the turn.
			log.Printf("reflection failed: %v", err)
		}
	}

	// 14. Finalize.
	tokens := phone.TotalUsage().Sub(before)
	if err := r.Mail.UpdateSessionTokens(sessionID, tokens.InputTokens, tokens.OutputTokens,
		tokens.CacheReadTokens, tokens.CacheCreationTokens, tokens.CostUSD); err != nil {
		return nil, err
	}
	if err := r.Mail.EndSession(sessionID); err != nil {
		return nil, err
	}
	if _, err := WriteWorklog(paths.AgentLogsDir(r.Home, teamUUID, agent), log); err != nil {
		return nil, err
	}

	return &Result{
		SessionID: sessionID,
		BatchSize: len(batch.Messages),
		TaskID:    taskID,
		Tokens:    tokens,
	}, nil
}

func (r *Runtime) phoneConfig(teamUUID, team, agent, model, cwd, preamble string) telephone.Config {
	memory := ""
	if data, err := readFile(paths.AgentContextFile(r.Home, teamUUID, agent)); err == nil {
		memory = data
	}
	contextFile := paths.AgentContextFile(r.Home, teamUUID, agent)
	return telephone.Config{
		Preamble:       preamble,
		Cwd:            cwd,
		Memory:         memory,
		RotationPrompt: rotationPrompt,
		OnRotation: func(newMemory string) {
			_ = writeFileAtomic(contextFile, newMemory)
		},
		Model: model,
		AllowedWritePaths: []string{
			cwd,
			paths.TeamDir(r.Home, teamUUID),
		},
		AddDirs:         []string{paths.TeamDir(r.Home, teamUUID)},
		Sandbox:         r.Cfg.Sandbox,
		DisallowedTools: telephone.DisallowedGitTools,
		MCPServers:      r.mcpServersFor(team, agent),
		AllowedDomains:  r.Cfg.AllowedDomains,
		NewClient:       r.NewClient,
	}
}

// mcpServersFor stamps the agent's identity into each tool server's
// environment so the subprocess can resolve its own team and name.
func (r *Runtime) mcpServersFor(team, agent string) map[string]agentsdk.MCPServerConfig {
	if len(r.MCPServers) == 0 {
		return nil
	}
	out := make(map[string]agentsdk.MCPServerConfig, len(r.MCPServers))
	for name, cfg := range r.MCPServers {
		env := make(map[string]string, len(cfg.Env)+3)
		for k, v := range cfg.Env {
			env[k] = v
		}
		env[paths.HomeEnvVar] = r.Home
		env["DELEGATE_TEAM"] = team
		env["DELEGATE_AGENT"] = agent
		cfg.Env = env
		out[name] = cfg
	}
	return out
}

// streamTurn drives one telephone.Send and fans each message into the
// worklog and the activity stream.
func (r *Runtime) streamTurn(ctx context.Context, phone *telephone.Telephone, prompt, team, agent string, batch Batch, log *WorklogBuffer) error {
	stream, err := phone.Send(ctx, prompt)
	if err != nil {
		return err
	}
	for m := range stream {
		for _, block := range m.Content {
			if block.Name != "" {
				detail := toolDetail(block.Name, block.Input)
				log.Printf("`%s` %s", block.Name, detail)
				r.Broadcast.Publish(activity.Event{
					Type:   activity.TypeTool,
					Agent:  agent,
					Team:   team,
					Tool:   block.Name,
					Detail: detail,
					TaskID: intPtrFrom(batch.TaskID),
				})
			} else if block.Text != "" {
				log.Printf("%s", block.Text)
			}
		}
		if m.IsResult() && m.IsError {
			return fmt.Errorf("agent turn ended in error (%s)", m.Subtype)
		}
	}
	return nil
}

func (r *Runtime) publishTurn(typ, team, agent string, batch Batch) {
	sender := ""
	if len(batch.Messages) > 0 {
		sender = batch.Messages[0].Sender
	}
	r.Broadcast.Publish(activity.Event{
		Type:   typ,
		Agent:  agent,
		Team:   team,
		TaskID: intPtrFrom(batch.TaskID),
		Sender: sender,
	})
}

// currentTaskOf returns the agent's oldest in-progress task, if any.
func (r *Runtime) currentTaskOf(team, agent string) *taskstore.Task {
	tasks, err := r.Tasks.List(team, taskstore.StatusInProgress)
	if err != nil {
		return nil
	}
	for _, t := range tasks {
		if t.Assignee == agent || t.DRI == agent {
			return t
		}
	}
	return nil
}

// buildUserMessage assembles the turn prompt: task context, the other tasks
// on the agent's plate, recent conversation history, then the new messages.
func (r *Runtime) buildUserMessage(team, agent string, task *taskstore.Task, worktrees map[string]string, batch Batch) (string, error) {
	var b strings.Builder

	if task != nil {
		fmt.Fprintf(&b, "## Current task %s: %s\n\nStatus: %s\n", task.Slug(), task.Title, task.Status)
		if task.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", task.Description)
		}
		if len(worktrees) > 0 {
			b.WriteString("\nWorktrees:\n")
			for repo, wt := range worktrees {
				fmt.Fprintf(&b, "- %s: %s\n", repo, wt)
			}
		}
	}

	if others := r.otherAssignedTasks(team, agent, task); len(others) > 0 {
		b.WriteString("\n## Your other tasks\n\n")
		for _, t := range others {
			fmt.Fprintf(&b, "- %s [%s] %s\n", t.Slug(), t.Status, t.Title)
		}
	}

	peer := ""
	if batch.Sender != "" {
		peer = batch.Sender
	}
	history, err := r.Mail.RecentConversation(team, agent, peer, 20)
	if err != nil {
		return "", fmt.Errorf("load conversation history: %w", err)
	}
	inBatch := make(map[int64]bool, len(batch.Messages))
	for _, m := range batch.Messages {
		inBatch[m.ID] = true
	}
	var prior []mailbox.Message
	for _, m := range history {
		if !inBatch[m.ID] {
			prior = append(prior, m)
		}
	}
	if len(prior) > 0 {
		b.WriteString("\n## Recent conversation\n\n")
		for _, m := range prior {
			fmt.Fprintf(&b, "%s → %s: %s\n", m.Sender, m.Recipient, m.Content)
		}
	}

	b.WriteString("\n## New messages\n\n")
	for _, m := range batch.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return b.String(), nil
}

func (r *Runtime) otherAssignedTasks(team, agent string, current *taskstore.Task) []*taskstore.Task {
	tasks, err := r.Tasks.List(team, taskstore.StatusTodo, taskstore.StatusInProgress,
		taskstore.StatusInReview, taskstore.StatusRejected)
	if err != nil {
		return nil
	}
	var out []*taskstore.Task
	for _, t := range tasks {
		if current != nil && t.ID == current.ID {
			continue
		}
		if t.Assignee == agent || t.DRI == agent {
			out = append(out, t)
		}
	}
	return out
}

// toolDetail renders a one-line description of a tool invocation for the
// activity stream.
func toolDetail(name string, input map[string]any) string {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := input[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	var detail string
	switch name {
	case "Bash":
		detail = pick("command")
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		detail = pick("file_path", "notebook_path")
	case "Read":
		detail = pick("file_path")
	case "Grep", "Glob":
		detail = pick("pattern")
	default:
		detail = pick("description", "prompt", "query", "path", "file_path", "command")
	}
	detail = strings.ReplaceAll(detail, "\n", " ")
	if len(detail) > 120 {
		detail = detail[:117] + "..."
	}
	return detail
}

func intPtrFrom(p *int64) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}
