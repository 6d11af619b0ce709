package web

import (
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leonletto/delegate/internal/activity"
	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/gitops"
	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/paths"
)

func (s *Server) teamNames() ([]string, error) {
	m, err := s.Registry.ListTeams()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names, nil
}

// handleBootstrap answers one request with everything the dashboard needs
// on load: config, team list, and the initial team's tasks, agents, stats,
// and messages.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	names, err := s.teamNames()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	initial := r.URL.Query().Get("team")
	if initial == "" && len(names) > 0 {
		initial = names[0]
	}

	resp := map[string]any{
		"config": map[string]any{
			"default_human": s.Cfg.DefaultHuman,
			"default_model": s.Cfg.DefaultModel,
		},
		"teams":        names,
		"initial_team": initial,
	}

	if initial != "" {
		teamUUID, err := s.Registry.ResolveTeam(initial)
		if err == nil {
			tasks, _ := s.Tasks.List(initial)
			agents, _ := s.Registry.ListAgents(teamUUID)
			stats, _ := s.Mail.StatsByAgent(initial)
			messages, _ := s.Mail.List(initial, mailbox.ListOptions{Limit: 100})
			resp["initial_data"] = map[string]any{
				"tasks":    tasks,
				"agents":   agents,
				"stats":    stats,
				"messages": messages,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTeams(w http.ResponseWriter, _ *http.Request) {
	names, err := s.teamNames()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": names})
}

func (s *Server) handleTeamTasks(w http.ResponseWriter, r *http.Request) {
	team, _, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	tasks, err := s.Tasks.List(team)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTeamAgents(w http.ResponseWriter, r *http.Request) {
	_, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	agents, err := s.Registry.ListAgents(teamUUID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type agentInfo struct {
		Name  string `json:"name"`
		Role  string `json:"role"`
		Model string `json:"model"`
	}
	infos := make([]agentInfo, 0, len(agents))
	for _, a := range agents {
		info := agentInfo{Name: a}
		if st, err := config.LoadAgentState(s.Home, teamUUID, a); err == nil {
			info.Role = st.Role
			info.Model = st.ResolveModel(s.Cfg.DefaultModel)
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": infos})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	team, _, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := mailbox.ListOptions{Type: mailbox.Type(q.Get("type"))}
	if v := q.Get("since"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp: "+v)
			return
		}
		opts.Since = &ts
	}
	if v := q.Get("between"); v != "" {
		names := strings.Split(v, ",")
		if len(names) != 2 {
			writeError(w, http.StatusBadRequest, "between takes exactly two comma-separated names")
			return
		}
		opts.Between = names
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("before_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.BeforeID = n
		}
	}
	msgs, err := s.Mail.List(team, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSendMessage lets the human message an AI agent on the team.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	team, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	var body struct {
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
		TaskID    *int64 `json:"task_id,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Recipient == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "recipient and content are required")
		return
	}
	if _, err := s.Registry.ResolveMember(identity.KindAgent, teamUUID, body.Recipient); err != nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("recipient %s is not an AI agent on team %s", body.Recipient, team))
		return
	}
	id, err := s.Mail.Send(team, s.Cfg.DefaultHuman, body.Recipient, body.Content, mailbox.TypeChat, body.TaskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// handleGreet synthesizes a welcome message from the manager to the human.
// A team with zero messages gets the first-run onboarding greeting.
func (s *Server) handleGreet(w http.ResponseWriter, r *http.Request) {
	team, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	var body struct {
		LastSeen string `json:"last_seen,omitempty"`
	}
	_ = decodeBody(w, r, &body) // body is optional

	manager := s.Merges.FindManager(teamUUID)
	if manager == "" {
		writeError(w, http.StatusBadRequest, "team has no manager agent")
		return
	}

	existing, err := s.Mail.List(team, mailbox.ListOptions{Limit: 1})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var content string
	if len(existing) == 0 {
		content = fmt.Sprintf("Welcome! I'm %s, the manager of team %s. "+
			"Tell me what you'd like built and I'll break it into tasks for the team.", manager, team)
	} else {
		content = fmt.Sprintf("Welcome back. I'm %s; the team has kept working while you were away.", manager)
		if body.LastSeen != "" {
			if ts, err := parseTimestamp(body.LastSeen); err == nil {
				if since, err := s.Mail.List(team, mailbox.ListOptions{Since: &ts}); err == nil && len(since) > 0 {
					content += fmt.Sprintf(" %d messages came in since you last looked.", len(since))
				}
			}
		}
	}

	id, err := s.Mail.Send(team, manager, s.Cfg.DefaultHuman, content, mailbox.TypeChat, nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "content": content})
}

// handleExecShell runs a shell command on the human's behalf. CWD resolves
// explicit → first registered repo → home dir.
func (s *Server) handleExecShell(w http.ResponseWriter, r *http.Request) {
	team, teamUUID, ok := s.resolveTeam(w, r)
	if !ok {
		return
	}
	_ = team
	var body struct {
		Command string  `json:"command"`
		Cwd     string  `json:"cwd,omitempty"`
		Timeout float64 `json:"timeout,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	cwd := body.Cwd
	if cwd == "" {
		if repos, err := gitops.ListRepos(s.Home, teamUUID); err == nil && len(repos) > 0 {
			if p, err := gitops.RepoPath(s.Home, teamUUID, repos[0]); err == nil {
				cwd = p
			}
		}
	}
	if cwd == "" {
		cwd = s.Home
	}

	timeout := 60 * time.Second
	if body.Timeout > 0 {
		timeout = time.Duration(body.Timeout * float64(time.Second))
	}
	ctx, cancel := contextWithTimeout(r, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", body.Command) //nolint:gosec // G204: explicit human-operator endpoint
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": exitCode,
		"output":    string(out),
		"cwd":       cwd,
	})
}

// handleCreateProject bootstraps a team: identity rows, repo registration,
// repos.yaml, one manager plus N engineers, and a teams_refresh broadcast.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		RepoPath   string `json:"repo_path"`
		AgentCount int    `json:"agent_count"`
		Model      string `json:"model,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "name and repo_path are required")
		return
	}
	if body.AgentCount <= 0 {
		body.AgentCount = 2
	}
	repoPath := expandUser(body.RepoPath)

	if _, err := s.Registry.ResolveTeam(body.Name); err == nil {
		writeError(w, http.StatusConflict, "team "+body.Name+" already exists")
		return
	}

	teamUUID, err := s.Registry.RegisterTeam(body.Name, "")
	if err != nil {
		writeStoreError(w, err)
		return
	}

	repoName := filepath.Base(strings.TrimRight(repoPath, "/"))
	if err := gitops.RegisterRepo(s.Home, teamUUID, repoName, repoPath); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repos := config.ReposConfig{Repos: map[string]config.RepoEntry{
		repoName: {Path: repoPath, Approval: config.ApprovalManual},
	}}
	if err := config.SaveRepos(s.Home, body.Name, repos); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := writeFile(paths.TeamIDFile(s.Home, body.Name), teamUUID); err != nil {
		writeStoreError(w, err)
		return
	}

	model := body.Model
	if model == "" {
		model = s.Cfg.DefaultModel
	}
	agents := []struct {
		name string
		role string
	}{{"morgan", "manager"}}
	engineerNames := []string{"alex", "sam", "riley", "casey", "quinn", "jordan", "drew"}
	for i := 0; i < body.AgentCount-1 && i < len(engineerNames); i++ {
		agents = append(agents, struct {
			name string
			role string
		}{engineerNames[i], "engineer"})
	}
	for _, a := range agents {
		if _, err := s.Registry.RegisterMember(identity.KindAgent, teamUUID, a.name); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := config.SaveAgentState(s.Home, teamUUID, a.name, config.AgentState{
			Role:  a.role,
			Model: model,
		}); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if _, err := s.Registry.RegisterMember(identity.KindHuman, "", s.Cfg.DefaultHuman); err != nil &&
		!strings.Contains(err.Error(), "exists") {
		writeStoreError(w, err)
		return
	}

	if m, err := s.Registry.ListTeams(); err == nil {
		_ = config.SaveTeamMap(s.Home, m)
	}

	s.Broadcast.Publish(activity.Event{Type: activity.TypeTeamsRefresh})
	writeJSON(w, http.StatusCreated, map[string]any{
		"team": body.Name,
		"uuid": teamUUID,
		"repo": repoName,
	})
}
