// Package taskstore provides CRUD and the status machine over tasks,
// comments, reviews, and review comments.
package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/schema"
	"github.com/leonletto/delegate/internal/workflow"
)

// Status values of the built-in machine.
const (
	StatusTodo        = "todo"
	StatusInProgress  = "in_progress"
	StatusInReview    = "in_review"
	StatusInApproval  = "in_approval"
	StatusMerging     = "merging"
	StatusDone        = "done"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusMergeFailed = "merge_failed"
	StatusError       = "error"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("taskstore: task not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// by the task's workflow.
	ErrInvalidTransition = errors.New("taskstore: invalid status transition")
)

// Task is one row of the tasks table with JSON columns decoded. The json
// tags define the HTTP API shape.
type Task struct {
	ID              int                 `json:"id"`
	Team            string              `json:"team"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Status          string              `json:"status"`
	DRI             string              `json:"dri,omitempty"`
	Assignee        string              `json:"assignee,omitempty"`
	Repos           []string            `json:"repos,omitempty"`
	Branch          string              `json:"branch,omitempty"`
	BaseSHA         map[string]string   `json:"base_sha,omitempty"`
	MergeBase       map[string]string   `json:"merge_base,omitempty"`
	MergeTip        map[string]string   `json:"merge_tip,omitempty"`
	Commits         map[string][]string `json:"commits,omitempty"`
	DependsOn       []int               `json:"depends_on,omitempty"`
	Tags            []string            `json:"tags,omitempty"`
	Attachments     []string            `json:"attachments,omitempty"`
	ReviewAttempt   int                 `json:"review_attempt"`
	MergeAttempts   int                 `json:"merge_attempts"`
	StatusDetail    string              `json:"status_detail,omitempty"`
	RetryAfter      *time.Time          `json:"retry_after,omitempty"`
	Workflow        string              `json:"workflow"`
	WorkflowVersion int                 `json:"workflow_version"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       *time.Time          `json:"updated_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	TeamUUID        string              `json:"team_uuid,omitempty"`
	DRIUUID         string              `json:"dri_uuid,omitempty"`
	AssigneeUUID    string              `json:"assignee_uuid,omitempty"`
}

// Slug returns the user-visible task id, e.g. "T0007".
func (t *Task) Slug() string { return paths.TaskSlug(t.ID) }

// NewTask carries the caller-supplied fields for Create.
type NewTask struct {
	Title           string
	Description     string
	DRI             string
	Assignee        string
	Repos           []string
	Branch          string // derived when empty and Repos set
	DependsOn       []int
	Tags            []string
	Workflow        string
	WorkflowVersion int
	Metadata        map[string]any
}

// Store provides task persistence over the global database.
type Store struct {
	db        *sql.DB
	reg       *identity.Registry
	workflows *workflow.Registry
}

// NewStore creates a task store. workflows may be nil; the default machine
// then governs all transitions.
func NewStore(db *sql.DB, reg *identity.Registry, workflows *workflow.Registry) *Store {
	if workflows == nil {
		workflows = workflow.NewRegistry()
	}
	return &Store{db: db, reg: reg, workflows: workflows}
}

// WorkflowFor returns the workflow governing a task.
func (s *Store) WorkflowFor(t *Task) *workflow.Workflow {
	return s.workflows.Get(t.Workflow, t.WorkflowVersion)
}

// Create inserts a task in status todo. When repos are set and no branch is
// given, the branch is derived as delegate/<team_id_prefix>/<team>/T<nnnn>.
func (s *Store) Create(team string, nt NewTask) (*Task, error) {
	if nt.Title == "" {
		return nil, fmt.Errorf("task title cannot be empty")
	}
	teamUUID, err := s.reg.ResolveTeam(team)
	if err != nil {
		return nil, err
	}

	driUUID := ""
	if nt.DRI != "" {
		driUUID, _ = s.reg.ResolveMemberFlexible(teamUUID, nt.DRI)
	}
	assigneeUUID := ""
	if nt.Assignee != "" {
		assigneeUUID, _ = s.reg.ResolveMemberFlexible(teamUUID, nt.Assignee)
	}

	now := fmtTime(time.Now().UTC())
	var id int64
	err = schema.WithTx(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks
				(team, title, description, status, dri, assignee, repo, branch,
				 depends_on, tags, workflow, workflow_version, metadata, created_at,
				 team_uuid, dri_uuid, assignee_uuid)
			VALUES (?, ?, ?, 'todo', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			team, nt.Title, nt.Description, nt.DRI, nt.Assignee,
			encodeJSON(nt.Repos), nt.Branch,
			encodeJSON(nt.DependsOn), encodeJSON(nt.Tags),
			nt.Workflow, nt.WorkflowVersion, encodeJSON(nt.Metadata), now,
			teamUUID, driUUID, assigneeUUID,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}

		if nt.Branch == "" && len(nt.Repos) > 0 {
			branch := BranchName(teamUUID, team, int(id))
			if _, err := tx.Exec("UPDATE tasks SET branch = ? WHERE id = ?", branch, id); err != nil {
				return fmt.Errorf("set branch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(int(id))
}

// BranchName derives the default feature branch for a task.
func BranchName(teamUUID, teamName string, taskID int) string {
	prefix := teamUUID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("delegate/%s/%s/%s", prefix, teamName, paths.TaskSlug(taskID))
}

const taskColumns = `id, team, title, description, status, dri, assignee, repo, branch,
	base_sha, merge_base, merge_tip, commits, depends_on, tags, attachments,
	review_attempt, merge_attempts, status_detail, retry_after, workflow,
	workflow_version, metadata, created_at, updated_at, completed_at,
	team_uuid, dri_uuid, assignee_uuid`

// Get returns a task by id.
func (s *Store) Get(id int) (*Task, error) {
	tasks, err := s.query("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// List returns team tasks, optionally filtered to the given statuses,
// oldest first.
func (s *Store) List(team string, statuses ...string) ([]*Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE team = ?"
	args := []any{team}
	if len(statuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(statuses)))
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY id ASC"
	return s.query(query, args...)
}

// ChangeStatus validates the transition against the task's workflow (or the
// default machine) and applies it, stamping completed_at on terminal
// statuses.
func (s *Store) ChangeStatus(id int, newStatus string) error {
	return s.transition(id, newStatus, nil)
}

// Transition atomically reassigns a task and changes its status. Used by
// the merge worker when the manager takes ownership of an escalating task.
func (s *Store) Transition(id int, newStatus, assignee string) error {
	return s.transition(id, newStatus, &assignee)
}

func (s *Store) transition(id int, newStatus string, assignee *string) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	wf := s.WorkflowFor(t)
	if _, ok := wf.Stage(newStatus); !ok {
		return fmt.Errorf("status %q not in workflow %s: %w", newStatus, wf.Name, ErrInvalidTransition)
	}
	if !wf.Allowed(t.Status, newStatus) {
		return fmt.Errorf("%s -> %s: %w", t.Status, newStatus, ErrInvalidTransition)
	}

	now := fmtTime(time.Now().UTC())
	return schema.WithTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
			newStatus, now, id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if wf.Terminal(newStatus) {
			if _, err := tx.Exec("UPDATE tasks SET completed_at = ? WHERE id = ? AND completed_at IS NULL",
				now, id); err != nil {
				return fmt.Errorf("stamp completed_at: %w", err)
			}
		}
		if assignee != nil {
			assigneeUUID, _ := s.reg.ResolveMemberFlexible(t.TeamUUID, *assignee)
			if _, err := tx.Exec("UPDATE tasks SET assignee = ?, assignee_uuid = ? WHERE id = ?",
				*assignee, assigneeUUID, id); err != nil {
				return fmt.Errorf("reassign: %w", err)
			}
		}
		// Entering in_approval opens a review row for the current attempt.
		if newStatus == StatusInApproval {
			attempt := t.ReviewAttempt
			if attempt == 0 {
				attempt = 1
				if _, err := tx.Exec("UPDATE tasks SET review_attempt = 1 WHERE id = ? AND review_attempt = 0", id); err != nil {
					return fmt.Errorf("bump review_attempt: %w", err)
				}
			}
			if _, err := tx.Exec(`
				INSERT INTO reviews (team, task_id, attempt, created_at, team_uuid)
				SELECT ?, ?, ?, ?, ?
				WHERE NOT EXISTS (SELECT 1 FROM reviews WHERE task_id = ? AND attempt = ?)`,
				t.Team, id, attempt, now, t.TeamUUID, id, attempt); err != nil {
				return fmt.Errorf("open review: %w", err)
			}
		}
		return nil
	})
}

// Update applies the non-nil fields. JSON columns are always written in the
// canonical shape.
type Update struct {
	Title           *string
	Description     *string
	DRI             *string
	Assignee        *string
	Repos           *[]string
	Branch          *string
	BaseSHA         *map[string]string
	MergeBase       *map[string]string
	MergeTip        *map[string]string
	Commits         *map[string][]string
	DependsOn       *[]int
	Tags            *[]string
	Attachments     *[]string
	ReviewAttempt   *int
	MergeAttempts   *int
	StatusDetail    *string
	RetryAfter      *time.Time
	ClearRetryAfter bool
	Metadata        *map[string]any
}

// Update writes the set fields of upd to the task row.
func (s *Store) Update(id int, upd Update) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.DRI != nil {
		add("dri", *upd.DRI)
		driUUID, _ := s.reg.ResolveMemberFlexible(t.TeamUUID, *upd.DRI)
		add("dri_uuid", driUUID)
	}
	if upd.Assignee != nil {
		add("assignee", *upd.Assignee)
		assigneeUUID, _ := s.reg.ResolveMemberFlexible(t.TeamUUID, *upd.Assignee)
		add("assignee_uuid", assigneeUUID)
	}
	if upd.Repos != nil {
		add("repo", encodeJSON(*upd.Repos))
	}
	if upd.Branch != nil {
		add("branch", *upd.Branch)
	}
	if upd.BaseSHA != nil {
		add("base_sha", encodeJSON(*upd.BaseSHA))
	}
	if upd.MergeBase != nil {
		add("merge_base", encodeJSON(*upd.MergeBase))
	}
	if upd.MergeTip != nil {
		add("merge_tip", encodeJSON(*upd.MergeTip))
	}
	if upd.Commits != nil {
		add("commits", encodeJSON(*upd.Commits))
	}
	if upd.DependsOn != nil {
		add("depends_on", encodeJSON(*upd.DependsOn))
	}
	if upd.Tags != nil {
		add("tags", encodeJSON(*upd.Tags))
	}
	if upd.Attachments != nil {
		add("attachments", encodeJSON(*upd.Attachments))
	}
	if upd.ReviewAttempt != nil {
		add("review_attempt", *upd.ReviewAttempt)
	}
	if upd.MergeAttempts != nil {
		add("merge_attempts", *upd.MergeAttempts)
	}
	if upd.StatusDetail != nil {
		add("status_detail", *upd.StatusDetail)
	}
	if upd.RetryAfter != nil {
		add("retry_after", fmtTime(*upd.RetryAfter))
	} else if upd.ClearRetryAfter {
		sets = append(sets, "retry_after = NULL")
	}
	if upd.Metadata != nil {
		add("metadata", encodeJSON(*upd.Metadata))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

// AllDepsResolved reports whether every dependency of a task is done or
// cancelled. The daemon gates worktree creation on this.
func (s *Store) AllDepsResolved(t *Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := s.Get(depID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// A vanished dependency does not block forever.
				continue
			}
			return false, err
		}
		if dep.Status != StatusDone && dep.Status != StatusCancelled {
			return false, nil
		}
	}
	return true, nil
}

// Siblings returns other not-yet-done tasks sharing the task's branch.
// Branch deletion is deferred while siblings remain.
func (s *Store) Siblings(t *Task) ([]*Task, error) {
	if t.Branch == "" {
		return nil, nil
	}
	return s.query("SELECT "+taskColumns+` FROM tasks
		WHERE team = ? AND branch = ? AND id != ? AND status NOT IN ('done', 'cancelled')`,
		t.Team, t.Branch, t.ID)
}

func (s *Store) query(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var t Task
	var repo, baseSHA, mergeBase, mergeTip, commits, dependsOn, tags, attachments, metadata string
	var retryAfter, updatedAt, completedAt sql.NullString
	var createdAt string

	err := rows.Scan(&t.ID, &t.Team, &t.Title, &t.Description, &t.Status, &t.DRI,
		&t.Assignee, &repo, &t.Branch, &baseSHA, &mergeBase, &mergeTip, &commits,
		&dependsOn, &tags, &attachments, &t.ReviewAttempt, &t.MergeAttempts,
		&t.StatusDetail, &retryAfter, &t.Workflow, &t.WorkflowVersion, &metadata,
		&createdAt, &updatedAt, &completedAt, &t.TeamUUID, &t.DRIUUID, &t.AssigneeUUID)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Repos = decodeStringList(repo)
	t.BaseSHA = decodeRepoMap(baseSHA, t.Repos)
	t.MergeBase = decodeRepoMap(mergeBase, t.Repos)
	t.MergeTip = decodeRepoMap(mergeTip, t.Repos)
	t.Commits = decodeCommitsMap(commits, t.Repos)
	t.DependsOn = decodeIntList(dependsOn)
	t.Tags = decodeStringList(tags)
	t.Attachments = decodeStringList(attachments)
	t.Metadata = decodeMetadata(metadata)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseNullTime(updatedAt)
	t.CompletedAt = parseNullTime(completedAt)
	if retryAfter.Valid && retryAfter.String != "" {
		v := parseTime(retryAfter.String)
		t.RetryAfter = &v
	}
	return &t, nil
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
