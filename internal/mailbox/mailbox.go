// Package mailbox persists messages and drives the delivered/seen/processed
// lifecycle that the turn dispatcher polls.
//
// A chat message carries four lifecycle timestamps: created (timestamp),
// delivered_at (set on send), seen_at (the recipient's dispatcher picked it
// up), and processed_at (the recipient's turn completed). The dispatcher's
// primary driver is AgentsWithUnread, which lists recipients of chat rows
// with processed_at still null.
package mailbox

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leonletto/delegate/internal/identity"
)

// Type classifies a message row.
type Type string

const (
	// TypeChat is agent/human conversation; it drives turn dispatch.
	TypeChat Type = "chat"
	// TypeEvent is a system notification; informational only.
	TypeEvent Type = "event"
	// TypeCommand is a structured request whose result lands in Result.
	TypeCommand Type = "command"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("mailbox: message not found")

// Message is one row of the messages table. The json tags define the HTTP
// API shape.
type Message struct {
	ID            int64      `json:"id"`
	Team          string     `json:"team"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	Content       string     `json:"content"`
	Type          Type       `json:"type"`
	TaskID        *int64     `json:"task_id,omitempty"`
	Result        string     `json:"result,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	SeenAt        *time.Time `json:"seen_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	TeamUUID      string     `json:"team_uuid,omitempty"`
	SenderUUID    string     `json:"sender_uuid,omitempty"`
	RecipientUUID string     `json:"recipient_uuid,omitempty"`
}

// Store provides message persistence over the global database.
type Store struct {
	db  *sql.DB
	reg *identity.Registry
}

// NewStore creates a mailbox store. The registry is used to stamp UUID
// columns on send; resolution failures leave them empty rather than failing
// the send.
func NewStore(db *sql.DB, reg *identity.Registry) *Store {
	return &Store{db: db, reg: reg}
}

// Send inserts a message with delivered_at set to now and returns its id.
func (s *Store) Send(team, sender, recipient, content string, typ Type, taskID *int64) (int64, error) {
	if typ == "" {
		typ = TypeChat
	}
	now := time.Now().UTC()

	teamUUID, _ := s.reg.ResolveTeam(team)
	senderUUID, _ := s.reg.ResolveMemberFlexible(teamUUID, sender)
	recipientUUID, _ := s.reg.ResolveMemberFlexible(teamUUID, recipient)

	var task sql.NullInt64
	if taskID != nil {
		task = sql.NullInt64{Int64: *taskID, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO messages
			(team, sender, recipient, content, type, task_id, timestamp, delivered_at,
			 team_uuid, sender_uuid, recipient_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		team, sender, recipient, content, string(typ), task,
		fmtTime(now), fmtTime(now), teamUUID, senderUUID, recipientUUID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	return id, nil
}

// SetResult stores the JSON result of a command message.
func (s *Store) SetResult(id int64, result string) error {
	res, err := s.db.Exec("UPDATE messages SET result = ? WHERE id = ?", result, id)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, team, sender, recipient, content, type, task_id, result,
	timestamp, delivered_at, seen_at, processed_at, team_uuid, sender_uuid, recipient_uuid`

// ReadInbox returns chat messages addressed to agent, oldest first. With
// unreadOnly it filters to rows not yet processed.
func (s *Store) ReadInbox(team, agent string, unreadOnly bool) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE team = ? AND recipient = ? AND type = 'chat'`
	if unreadOnly {
		query += " AND processed_at IS NULL"
	}
	query += " ORDER BY id ASC"
	return s.queryMessages(query, team, agent)
}

// ReadOutbox returns chat messages sent by agent, oldest first. With
// pendingOnly it filters to rows the recipient has not yet processed.
func (s *Store) ReadOutbox(team, agent string, pendingOnly bool) ([]Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE team = ? AND sender = ? AND type = 'chat'`
	if pendingOnly {
		query += " AND processed_at IS NULL"
	}
	query += " ORDER BY id ASC"
	return s.queryMessages(query, team, agent)
}

// MarkSeen stamps seen_at on the given message ids if not already set.
func (s *Store) MarkSeen(ids []int64) error {
	return s.stampBatch("seen_at", ids)
}

// MarkProcessed stamps processed_at on the given message ids. seen_at is
// stamped too if still null, preserving the invariant seen_at <=
// processed_at.
func (s *Store) MarkProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := fmtTime(time.Now().UTC())
	query := fmt.Sprintf(`
		UPDATE messages
		SET seen_at = COALESCE(seen_at, ?), processed_at = COALESCE(processed_at, ?)
		WHERE id IN (%s)`, placeholders(len(ids)))
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *Store) stampBatch(column string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE messages SET %s = COALESCE(%s, ?) WHERE id IN (%s)",
		column, column, placeholders(len(ids)))
	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(time.Now().UTC()))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("mark %s: %w", column, err)
	}
	return nil
}

// AgentsWithUnread returns the distinct recipients of unprocessed chat
// messages on a team.
func (s *Store) AgentsWithUnread(team string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT recipient FROM messages
		WHERE team = ? AND type = 'chat' AND processed_at IS NULL
		ORDER BY recipient`, team)
	if err != nil {
		return nil, fmt.Errorf("agents with unread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountUnread returns the number of unprocessed chat messages for agent.
func (s *Store) CountUnread(team, agent string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE team = ? AND recipient = ? AND type = 'chat' AND processed_at IS NULL`,
		team, agent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// RecentConversation returns up to limit recent chat messages involving
// agent, oldest first. With a non-empty peer only traffic between agent and
// peer (both directions) is included. Used to build prompt history.
func (s *Store) RecentConversation(team, agent, peer string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var query string
	var args []any
	if peer != "" {
		query = "SELECT " + messageColumns + ` FROM messages
			WHERE team = ? AND type = 'chat'
			  AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
			ORDER BY id DESC LIMIT ?`
		args = []any{team, agent, peer, peer, agent, limit}
	} else {
		query = "SELECT " + messageColumns + ` FROM messages
			WHERE team = ? AND type = 'chat' AND (sender = ? OR recipient = ?)
			ORDER BY id DESC LIMIT ?`
		args = []any{team, agent, agent, limit}
	}

	msgs, err := s.queryMessages(query, args...)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListOptions filter List results for the web API.
type ListOptions struct {
	Since    *time.Time
	Between  []string // exactly two member names when set
	Type     Type
	Limit    int
	BeforeID int64
}

// List returns team messages newest-last with optional filters.
func (s *Store) List(team string, opts ListOptions) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE team = ?"
	args := []any{team}

	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Since != nil {
		query += " AND timestamp > ?"
		args = append(args, fmtTime(*opts.Since))
	}
	if len(opts.Between) == 2 {
		query += " AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))"
		args = append(args, opts.Between[0], opts.Between[1], opts.Between[1], opts.Between[0])
	}
	if opts.BeforeID > 0 {
		query += " AND id < ?"
		args = append(args, opts.BeforeID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	msgs, err := s.queryMessages(query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Get returns a single message by id.
func (s *Store) Get(id int64) (Message, error) {
	msgs, err := s.queryMessages("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var typ string
		var task sql.NullInt64
		var result sql.NullString
		var ts string
		var delivered, seen, processed sql.NullString
		if err := rows.Scan(&m.ID, &m.Team, &m.Sender, &m.Recipient, &m.Content, &typ,
			&task, &result, &ts, &delivered, &seen, &processed,
			&m.TeamUUID, &m.SenderUUID, &m.RecipientUUID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = Type(typ)
		if task.Valid {
			v := task.Int64
			m.TaskID = &v
		}
		m.Result = result.String
		m.Timestamp = parseTime(ts)
		m.DeliveredAt = parseNullTime(delivered)
		m.SeenAt = parseNullTime(seen)
		m.ProcessedAt = parseNullTime(processed)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
