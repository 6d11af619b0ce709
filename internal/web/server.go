// Package web serves the HTTP API: bootstrap, teams, messaging, uploads,
// task lifecycle, reviews, reviewer edits, and the SSE/WebSocket activity
// streams. Errors use the {"detail": "..."} shape throughout.
package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/leonletto/delegate/internal/activity"
	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/merge"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/telephone"
)

// Server is the HTTP layer over the daemon's stores.
type Server struct {
	Home      string
	Cfg       config.Config
	Registry  *identity.Registry
	Mail      *mailbox.Store
	Tasks     *taskstore.Store
	Broadcast *activity.Broadcaster
	Merges    *merge.Worker
	Exchange  *telephone.Exchange

	mux *http.ServeMux
}

// NewServer wires all routes.
func NewServer(home string, cfg config.Config, reg *identity.Registry, mail *mailbox.Store,
	tasks *taskstore.Store, broadcast *activity.Broadcaster, merges *merge.Worker,
	exchange *telephone.Exchange) *Server {

	s := &Server{
		Home:      home,
		Cfg:       cfg,
		Registry:  reg,
		Mail:      mail,
		Tasks:     tasks,
		Broadcast: broadcast,
		Merges:    merges,
		Exchange:  exchange,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /bootstrap", s.handleBootstrap)
	s.mux.HandleFunc("GET /teams", s.handleTeams)
	s.mux.HandleFunc("GET /teams/{team}/tasks", s.handleTeamTasks)
	s.mux.HandleFunc("GET /teams/{team}/agents", s.handleTeamAgents)
	s.mux.HandleFunc("GET /teams/{team}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /teams/{team}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /teams/{team}/greet", s.handleGreet)
	s.mux.HandleFunc("POST /teams/{team}/uploads", s.handleUpload)
	s.mux.HandleFunc("GET /teams/{team}/uploads/{year}/{month}/{file}", s.handleServeUpload)
	s.mux.HandleFunc("POST /teams/{team}/exec/shell", s.handleExecShell)
	s.mux.HandleFunc("GET /teams/{team}/activity/stream", s.handleTeamStream)
	s.mux.HandleFunc("GET /stream", s.handleGlobalStream)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("POST /projects", s.handleCreateProject)

	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/stats", s.handleTaskStats)
	s.mux.HandleFunc("GET /api/tasks/{id}/diff", s.handleTaskDiff)
	s.mux.HandleFunc("GET /api/tasks/{id}/merge-preview", s.handleMergePreview)
	s.mux.HandleFunc("GET /api/tasks/{id}/commits", s.handleTaskCommits)
	s.mux.HandleFunc("GET /api/tasks/{id}/activity", s.handleTaskActivity)
	s.mux.HandleFunc("GET /api/tasks/{id}/comments", s.handleTaskComments)
	s.mux.HandleFunc("POST /api/tasks/{id}/comments", s.handleAddTaskComment)
	s.mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/tasks/{id}/retry-merge", s.handleRetryMerge)
	s.mux.HandleFunc("GET /api/tasks/{id}/reviews", s.handleReviews)
	s.mux.HandleFunc("GET /api/tasks/{id}/reviews/current", s.handleCurrentReview)
	s.mux.HandleFunc("POST /api/tasks/{id}/reviews/comments", s.handleAddReviewComment)
	s.mux.HandleFunc("PUT /api/tasks/{id}/reviews/comments/{cid}", s.handleUpdateReviewComment)
	s.mux.HandleFunc("DELETE /api/tasks/{id}/reviews/comments/{cid}", s.handleDeleteReviewComment)
	s.mux.HandleFunc("GET /api/tasks/{id}/file", s.handleGetFile)
	s.mux.HandleFunc("POST /api/tasks/{id}/reviewer-edits", s.handleReviewerEdits)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

// detail is the uniform error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeStoreError maps store errors onto the HTTP taxonomy.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound),
		errors.Is(err, taskstore.ErrReviewNotFound),
		errors.Is(err, mailbox.ErrNotFound),
		errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, taskstore.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// resolveTeam maps the path's team name to its UUID or writes a 404.
func (s *Server) resolveTeam(w http.ResponseWriter, r *http.Request) (team, teamUUID string, ok bool) {
	team = r.PathValue("team")
	teamUUID, err := s.Registry.ResolveTeam(team)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown team "+team)
		return "", "", false
	}
	return team, teamUUID, true
}
