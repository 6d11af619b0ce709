package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/schema"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/workflow"
)

// Env vars the daemon stamps into every tool server subprocess so it can
// resolve who is calling without a handshake.
const (
	TeamEnvVar  = "DELEGATE_TEAM"
	AgentEnvVar = "DELEGATE_AGENT"
)

// Server exposes the agent-facing tools over MCP stdio. Each agent session
// gets its own subprocess; identity comes from the environment.
type Server struct {
	home     string
	team     string
	teamUUID string
	agent    string
	version  string

	db    *sql.DB
	reg   *identity.Registry
	mail  *mailbox.Store
	tasks *taskstore.Store

	server *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer resolves the calling agent's identity from the environment and
// opens the shared database. The team and agent env vars are set by the
// daemon when it launches the agent session.
func NewServer(opts ...Option) (*Server, error) {
	home, err := paths.Home()
	if err != nil {
		return nil, err
	}
	team := os.Getenv(TeamEnvVar)
	agent := os.Getenv(AgentEnvVar)
	if team == "" || agent == "" {
		return nil, fmt.Errorf("%s and %s must be set; this command is launched by the daemon", TeamEnvVar, AgentEnvVar)
	}

	db, err := schema.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	reg := identity.NewRegistry(db)
	teamUUID, err := reg.ResolveTeam(team)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve team %q: %w", team, err)
	}

	s := &Server{
		home:     home,
		team:     team,
		teamUUID: teamUUID,
		agent:    agent,
		version:  "dev",
		db:       db,
		reg:      reg,
		mail:     mailbox.NewStore(db, reg),
		tasks:    taskstore.NewStore(db, reg, workflow.NewRegistry()),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "delegate",
			Version: s.version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdin/stdout until the client disconnects or the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	defer func() { _ = s.db.Close() }()
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_message",
		Description: "Send a message to a teammate or the human. The recipient sees it on their next turn.",
	}, s.handleSendMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "check_messages",
		Description: "Check for messages addressed to you that you have not seen yet",
	}, s.handleCheckMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task_status",
		Description: "Move a task to a new workflow status, optionally reassigning it",
	}, s.handleUpdateTaskStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_task_comment",
		Description: "Add a comment to a task's timeline",
	}, s.handleAddTaskComment)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "submit_review",
		Description: "Record your review verdict on a task's current review attempt",
	}, s.handleSubmitReview)
}

// teamTask loads a task and checks it belongs to the caller's team. Agents
// never see or touch other teams' tasks.
func (s *Server) teamTask(id int) (*taskstore.Task, error) {
	t, err := s.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if t.TeamUUID != s.teamUUID {
		return nil, fmt.Errorf("task %d does not belong to team %s", id, s.team)
	}
	return t, nil
}
