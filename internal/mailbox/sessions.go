package mailbox

import (
	"fmt"
	"time"
)

// Session is one agent turn's telemetry row.
type Session struct {
	ID              int64
	Team            string
	Agent           string
	TaskID          *int64
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
	CacheWriteTokens int
	CostUSD         float64
	StartedAt       time.Time
	EndedAt         *time.Time
	TeamUUID        string
	AgentUUID       string
}

// StartSession opens a telemetry row for an agent turn and returns its id.
func (s *Store) StartSession(team, agent string, taskID *int64) (int64, error) {
	teamUUID, agentUUID := "", ""
	if tu, err := s.reg.ResolveTeam(team); err == nil {
		teamUUID = tu
		if au, err := s.reg.ResolveMemberFlexible(teamUUID, agent); err == nil {
			agentUUID = au
		}
	}
	res, err := s.db.Exec(`
		INSERT INTO sessions (team, agent, task_id, started_at, team_uuid, agent_uuid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		team, agent, taskID, fmtTime(time.Now().UTC()), teamUUID, agentUUID)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	return id, nil
}

// UpdateSessionTokens adds token and cost deltas onto a session row.
func (s *Store) UpdateSessionTokens(id int64, in, out, cacheRead, cacheWrite int, costUSD float64) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			cost_usd = cost_usd + ?
		WHERE id = ?`,
		in, out, cacheRead, cacheWrite, costUSD, id)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	return nil
}

// SetSessionTask re-associates a session with a task after the fact.
func (s *Store) SetSessionTask(id int64, taskID int64) error {
	_, err := s.db.Exec("UPDATE sessions SET task_id = ? WHERE id = ?", taskID, id)
	if err != nil {
		return fmt.Errorf("set session task: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id int64) error {
	_, err := s.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?",
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// AgentStats summarizes an agent's sessions for the dashboard.
type AgentStats struct {
	Agent        string  `json:"agent"`
	Sessions     int     `json:"sessions"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// StatsByAgent aggregates session telemetry per agent for a team.
func (s *Store) StatsByAgent(team string) ([]AgentStats, error) {
	rows, err := s.db.Query(`
		SELECT agent, COUNT(*), COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM sessions WHERE team = ? GROUP BY agent ORDER BY agent`, team)
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []AgentStats
	for rows.Next() {
		var st AgentStats
		if err := rows.Scan(&st.Agent, &st.Sessions, &st.InputTokens, &st.OutputTokens, &st.CostUSD); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
