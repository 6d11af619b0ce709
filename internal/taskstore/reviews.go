package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Verdicts a review can carry. A nil verdict means the review is open.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// ErrReviewNotFound is returned for unknown review rows.
var ErrReviewNotFound = errors.New("taskstore: review not found")

// Review is one (task, attempt) review row.
type Review struct {
	ID        int64      `json:"id"`
	Team      string     `json:"team"`
	TaskID    int        `json:"task_id"`
	Attempt   int        `json:"attempt"`
	Verdict   string     `json:"verdict,omitempty"` // empty while open
	Summary   string     `json:"summary,omitempty"`
	Reviewer  string     `json:"reviewer,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	TeamUUID  string     `json:"team_uuid,omitempty"`
}

// ReviewComment is one inline comment on a review attempt. Append-only per
// attempt; edits are allowed only via the reviewer-edit endpoints.
type ReviewComment struct {
	ID        int64      `json:"id"`
	TaskID    int        `json:"task_id"`
	Attempt   int        `json:"attempt"`
	File      string     `json:"file"`
	Line      int        `json:"line"`
	Body      string     `json:"body"`
	Author    string     `json:"author"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Comment is one free-form task comment.
type Comment struct {
	ID        int64     `json:"id"`
	TaskID    int       `json:"task_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// TimelineEntry interleaves comments and status events for the task view.
type TimelineEntry struct {
	Kind      string    `json:"kind"` // "comment" or "event"
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Reviews returns all review rows for a task, oldest attempt first.
func (s *Store) Reviews(taskID int) ([]Review, error) {
	rows, err := s.db.Query(`
		SELECT id, team, task_id, attempt, verdict, summary, reviewer, created_at, updated_at, team_uuid
		FROM reviews WHERE task_id = ? ORDER BY attempt ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// CurrentReview returns the review for the task's current attempt.
func (s *Store) CurrentReview(taskID int) (Review, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return Review{}, err
	}
	rows, err := s.db.Query(`
		SELECT id, team, task_id, attempt, verdict, summary, reviewer, created_at, updated_at, team_uuid
		FROM reviews WHERE task_id = ? AND attempt = ?`, taskID, t.ReviewAttempt)
	if err != nil {
		return Review{}, fmt.Errorf("query current review: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Review{}, fmt.Errorf("task %d attempt %d: %w", taskID, t.ReviewAttempt, ErrReviewNotFound)
	}
	return scanReview(rows)
}

// SetVerdict records a reviewer's verdict on the task's current attempt.
func (s *Store) SetVerdict(taskID int, verdict, summary, reviewer string) error {
	if verdict != VerdictApproved && verdict != VerdictRejected {
		return fmt.Errorf("invalid verdict %q", verdict)
	}
	t, err := s.Get(taskID)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE reviews SET verdict = ?, summary = ?, reviewer = ?, updated_at = ?
		WHERE task_id = ? AND attempt = ?`,
		verdict, summary, reviewer, fmtTime(time.Now().UTC()), taskID, t.ReviewAttempt)
	if err != nil {
		return fmt.Errorf("set verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d attempt %d: %w", taskID, t.ReviewAttempt, ErrReviewNotFound)
	}
	return nil
}

// HasApprovedReview reports whether the task's current attempt is approved.
func (s *Store) HasApprovedReview(taskID int) (bool, error) {
	r, err := s.CurrentReview(taskID)
	if err != nil {
		if errors.Is(err, ErrReviewNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.Verdict == VerdictApproved, nil
}

func scanReview(rows *sql.Rows) (Review, error) {
	var r Review
	var verdict sql.NullString
	var createdAt string
	var updatedAt sql.NullString
	if err := rows.Scan(&r.ID, &r.Team, &r.TaskID, &r.Attempt, &verdict, &r.Summary,
		&r.Reviewer, &createdAt, &updatedAt, &r.TeamUUID); err != nil {
		return Review{}, fmt.Errorf("scan review: %w", err)
	}
	r.Verdict = verdict.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseNullTime(updatedAt)
	return r, nil
}

// AddReviewComment appends an inline comment to a review attempt.
func (s *Store) AddReviewComment(taskID, attempt int, file string, line int, body, author string) (int64, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO review_comments (team, task_id, attempt, file, line, body, author, created_at, team_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Team, taskID, attempt, file, line, body, author, fmtTime(time.Now().UTC()), t.TeamUUID)
	if err != nil {
		return 0, fmt.Errorf("insert review comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("review comment id: %w", err)
	}
	return id, nil
}

// UpdateReviewComment replaces the body of a review comment.
func (s *Store) UpdateReviewComment(commentID int64, body string) error {
	res, err := s.db.Exec("UPDATE review_comments SET body = ?, updated_at = ? WHERE id = ?",
		body, fmtTime(time.Now().UTC()), commentID)
	if err != nil {
		return fmt.Errorf("update review comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("review comment %d: %w", commentID, ErrNotFound)
	}
	return nil
}

// DeleteReviewComment removes a review comment.
func (s *Store) DeleteReviewComment(commentID int64) error {
	res, err := s.db.Exec("DELETE FROM review_comments WHERE id = ?", commentID)
	if err != nil {
		return fmt.Errorf("delete review comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("review comment %d: %w", commentID, ErrNotFound)
	}
	return nil
}

// ReviewComments returns inline comments for a review attempt, oldest first.
func (s *Store) ReviewComments(taskID, attempt int) ([]ReviewComment, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, attempt, file, line, body, author, created_at, updated_at
		FROM review_comments WHERE task_id = ? AND attempt = ? ORDER BY id ASC`,
		taskID, attempt)
	if err != nil {
		return nil, fmt.Errorf("query review comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []ReviewComment
	for rows.Next() {
		var c ReviewComment
		var createdAt string
		var updatedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Attempt, &c.File, &c.Line, &c.Body,
			&c.Author, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan review comment: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseNullTime(updatedAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// AddComment appends a free-form comment to a task.
func (s *Store) AddComment(taskID int, author, body string) (int64, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO task_comments (team, task_id, author, body, created_at, team_uuid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.Team, taskID, author, body, fmtTime(time.Now().UTC()), t.TeamUUID)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("comment id: %w", err)
	}
	return id, nil
}

// Comments returns task comments, oldest first.
func (s *Store) Comments(taskID int) ([]Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, author, body, created_at
		FROM task_comments WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// Timeline interleaves a task's comments with its event messages by time,
// newest last, bounded by limit.
func (s *Store) Timeline(taskID int, limit int) ([]TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	comments, err := s.Comments(taskID)
	if err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(comments))
	for _, c := range comments {
		entries = append(entries, TimelineEntry{
			Kind: "comment", Author: c.Author, Body: c.Body, Timestamp: c.CreatedAt,
		})
	}

	rows, err := s.db.Query(`
		SELECT sender, content, timestamp FROM messages
		WHERE task_id = ? AND type = 'event' ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sender, content, ts string
		if err := rows.Scan(&sender, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Kind: "event", Author: sender, Body: content, Timestamp: parseTime(ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
