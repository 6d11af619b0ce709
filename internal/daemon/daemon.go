// Package daemon runs the Delegate orchestration loop: it polls the
// mailbox, dispatches agent turns, drives the merge worker and workflow
// auto-stages, and enforces the single-instance lock.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/leonletto/delegate/internal/activity"
	"github.com/leonletto/delegate/internal/agentsdk"
	"github.com/leonletto/delegate/internal/config"
	"github.com/leonletto/delegate/internal/gitops"
	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/mailbox"
	"github.com/leonletto/delegate/internal/merge"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/schema"
	"github.com/leonletto/delegate/internal/taskstore"
	"github.com/leonletto/delegate/internal/telephone"
	"github.com/leonletto/delegate/internal/turn"
	"github.com/leonletto/delegate/internal/workflow"
)

// StartupNotifyDelay is how long after start the daemon summarizes task
// state to each team's manager.
const StartupNotifyDelay = 60 * time.Second

// Shutdown deadlines per phase.
const (
	turnShutdownTimeout  = 10 * time.Second
	mergeShutdownTimeout = 5 * time.Second
	phoneShutdownTimeout = 10 * time.Second
)

type agentKey struct {
	team  string
	agent string
}

type taskKey struct {
	team   string
	taskID int
}

// Daemon owns the orchestration loop and its shared state.
type Daemon struct {
	Home      string
	Cfg       config.Config
	DB        *sql.DB
	Registry  *identity.Registry
	Mail      *mailbox.Store
	Tasks     *taskstore.Store
	Workflows *workflow.Registry
	Exchange  *telephone.Exchange
	Broadcast *activity.Broadcaster
	Turns     *turn.Runtime
	Merges    *merge.Worker

	dispatchSem *semaphore.Weighted
	mergeSem    *semaphore.Weighted

	mu         sync.Mutex
	inFlight   map[agentKey]bool
	infraReady map[taskKey]bool
	shutdown   bool
	reconciled bool
	notified   bool

	startedAt time.Time
	turnWG    sync.WaitGroup
	mergeWG   sync.WaitGroup
}

// New opens the database, runs migrations, and wires the daemon together.
func New(home string) (*Daemon, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	db, err := schema.Open(home)
	if err != nil {
		return nil, err
	}

	reg := identity.NewRegistry(db)
	workflows := workflow.NewRegistry()
	mail := mailbox.NewStore(db, reg)
	tasks := taskstore.NewStore(db, reg, workflows)
	exchange := telephone.NewExchange()
	broadcast := activity.NewBroadcaster()

	d := &Daemon{
		Home:      home,
		Cfg:       cfg,
		DB:        db,
		Registry:  reg,
		Mail:      mail,
		Tasks:     tasks,
		Workflows: workflows,
		Exchange:  exchange,
		Broadcast: broadcast,
		Turns: &turn.Runtime{
			Home:      home,
			Cfg:       cfg,
			Mail:      mail,
			Tasks:     tasks,
			Registry:  reg,
			Exchange:  exchange,
			Broadcast: broadcast,
			MCPServers: map[string]agentsdk.MCPServerConfig{
				"delegate": {Command: "delegate", Args: []string{"mcp"}},
			},
		},
		Merges: &merge.Worker{
			Home:     home,
			Tasks:    tasks,
			Mail:     mail,
			Registry: reg,
			Exchange: exchange,
		},
		dispatchSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
		mergeSem:    semaphore.NewWeighted(1),
		inFlight:    make(map[agentKey]bool),
		infraReady:  make(map[taskKey]bool),
	}
	return d, nil
}

// Run executes the loop until ctx is cancelled. It enforces the daemon
// singleton via the lock file and PID file.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(paths.LockFile(d.Home))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := WritePIDFile(paths.PIDFile(d.Home)); err != nil {
		return err
	}
	defer func() { _ = RemovePIDFile(paths.PIDFile(d.Home)) }()

	d.startedAt = time.Now()
	interval := time.Duration(d.Cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("daemon: started (poll %s)", interval)
	for {
		select {
		case <-ctx.Done():
			d.stop()
			log.Printf("daemon: stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// stop refuses new work, waits for in-flight turns and merges with bounded
// patience, and hangs up every telephone.
func (d *Daemon) stop() {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()

	waitWithTimeout(&d.turnWG, turnShutdownTimeout)
	waitWithTimeout(&d.mergeWG, mergeShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), phoneShutdownTimeout)
	defer cancel()
	d.Exchange.CloseAll(ctx)
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// tick runs one poll cycle across all teams.
func (d *Daemon) tick(ctx context.Context) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.reconcileTeamMap(); err != nil {
		log.Printf("daemon: reconcile team map: %v", err)
	}

	teams, err := d.Registry.ListTeams()
	if err != nil {
		log.Printf("daemon: list teams: %v", err)
		return
	}

	for team, teamUUID := range teams {
		d.ensureInfra(team, teamUUID)
		d.dispatchTurns(ctx, team, teamUUID)
		d.dispatchMerge(ctx, team)
		d.runAutoStages(team, teamUUID)
	}

	d.maybeNotifyStartup(teams)
}

// reconcileTeamMap union-merges protected/team_map.json with the teams
// table on the first tick, so both sources survive a half-written state.
func (d *Daemon) reconcileTeamMap() error {
	d.mu.Lock()
	if d.reconciled {
		d.mu.Unlock()
		return nil
	}
	d.reconciled = true
	d.mu.Unlock()

	fileMap, err := config.LoadTeamMap(d.Home)
	if err != nil {
		return err
	}
	dbMap, err := d.Registry.ListTeams()
	if err != nil {
		return err
	}

	for name, uuid := range fileMap {
		if _, ok := dbMap[name]; !ok {
			if _, err := d.Registry.RegisterTeam(name, uuid); err != nil {
				log.Printf("daemon: restore team %s from map: %v", name, err)
			}
		}
	}
	merged, err := d.Registry.ListTeams()
	if err != nil {
		return err
	}
	return config.SaveTeamMap(d.Home, merged)
}

// ensureInfra creates missing task worktrees for active tasks whose
// dependencies are resolved. Confirmed-ready pairs are cached; the cache
// entry dies when the task reaches any terminal status.
func (d *Daemon) ensureInfra(team, teamUUID string) {
	tasks, err := d.Tasks.List(team, taskstore.StatusTodo, taskstore.StatusInProgress)
	if err != nil {
		log.Printf("daemon: list active tasks for %s: %v", team, err)
		return
	}
	active := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		active[t.ID] = true
	}

	// Drop cache entries for tasks that left the active set.
	d.mu.Lock()
	for k := range d.infraReady {
		if k.team == team && !active[k.taskID] {
			delete(d.infraReady, k)
		}
	}
	d.mu.Unlock()

	for _, t := range tasks {
		if len(t.Repos) == 0 {
			continue
		}
		k := taskKey{team: team, taskID: t.ID}
		d.mu.Lock()
		ready := d.infraReady[k]
		d.mu.Unlock()
		if ready {
			continue
		}

		ok, err := d.Tasks.AllDepsResolved(t)
		if err != nil || !ok {
			continue
		}

		allPresent := true
		baseSHA := t.BaseSHA
		for _, repo := range t.Repos {
			wt := paths.TaskWorktree(d.Home, teamUUID, repo, t.ID)
			if gitops.WorktreeExists(wt) {
				continue
			}
			repoDir, err := gitops.RepoPath(d.Home, teamUUID, repo)
			if err != nil {
				log.Printf("daemon: task %s repo %s: %v", t.Slug(), repo, err)
				allPresent = false
				continue
			}
			sha, err := gitops.CreateTaskWorktree(repoDir, wt, t.Branch)
			if err != nil {
				log.Printf("daemon: create worktree for %s/%s: %v", t.Slug(), repo, err)
				allPresent = false
				continue
			}
			if baseSHA == nil {
				baseSHA = map[string]string{}
			}
			if _, recorded := baseSHA[repo]; !recorded {
				baseSHA[repo] = sha
			}
		}
		if len(baseSHA) > 0 {
			_ = d.Tasks.Update(t.ID, taskstore.Update{BaseSHA: &baseSHA})
		}
		if allPresent {
			d.mu.Lock()
			d.infraReady[k] = true
			d.mu.Unlock()
		}
	}
}

// dispatchTurns launches one turn per AI agent with unread mail, bounded by
// the dispatch semaphore and the at-most-one-turn-per-agent in_flight set.
func (d *Daemon) dispatchTurns(ctx context.Context, team, teamUUID string) {
	unread, err := d.Mail.AgentsWithUnread(team)
	if err != nil {
		log.Printf("daemon: agents with unread for %s: %v", team, err)
		return
	}
	if len(unread) == 0 {
		return
	}
	agents, err := d.Registry.ListAgents(teamUUID)
	if err != nil {
		return
	}
	ai := make(map[string]bool, len(agents))
	for _, a := range agents {
		if st, err := config.LoadAgentState(d.Home, teamUUID, a); err == nil && st.Role == "boss" {
			// Legacy boss role: a human proxy, never dispatched.
			continue
		}
		ai[a] = true
	}

	merging, _ := d.Tasks.List(team, taskstore.StatusMerging)

	for _, agent := range unread {
		if !ai[agent] {
			continue
		}
		k := agentKey{team: team, agent: agent}
		d.mu.Lock()
		if d.shutdown || d.inFlight[k] {
			d.mu.Unlock()
			continue
		}
		// Merging gate: the worktree lock is the real serialization; this
		// keeps an agent from starting a turn that would immediately
		// contend with its own task's reset.
		gated := false
		for _, t := range merging {
			if t.DRI == agent {
				gated = true
				break
			}
		}
		if gated {
			d.mu.Unlock()
			continue
		}
		d.inFlight[k] = true
		d.mu.Unlock()

		d.turnWG.Add(1)
		go func(team, agent string, k agentKey) {
			defer d.turnWG.Done()
			defer func() {
				d.mu.Lock()
				delete(d.inFlight, k)
				d.mu.Unlock()
			}()
			if err := d.dispatchSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer d.dispatchSem.Release(1)

			if _, err := d.Turns.Run(ctx, team, agent); err != nil {
				log.Printf("daemon: turn %s/%s: %v", team, agent, err)
			}
		}(team, agent, k)
	}
}

// dispatchMerge runs merge_once for the team, serialized globally so two
// teams never fight over the same main-repo head.
func (d *Daemon) dispatchMerge(ctx context.Context, team string) {
	if !d.mergeSem.TryAcquire(1) {
		return
	}
	d.mergeWG.Add(1)
	go func() {
		defer d.mergeWG.Done()
		defer d.mergeSem.Release(1)
		if err := d.Merges.MergeOnce(ctx, team); err != nil {
			log.Printf("daemon: merge cycle for %s: %v", team, err)
		}
	}()
}

// runAutoStages advances workflow auto-stage tasks once per tick.
func (d *Daemon) runAutoStages(team, teamUUID string) {
	tasks, err := d.Tasks.List(team)
	if err != nil {
		return
	}
	for _, t := range tasks {
		wf := d.Tasks.WorkflowFor(t)
		stage, ok := wf.Stage(t.Status)
		if !ok || !stage.Auto || stage.Action == nil {
			continue
		}
		next, err := stage.Action(workflow.Context{
			Team:     team,
			TeamUUID: teamUUID,
			TaskID:   t.ID,
			Status:   t.Status,
			Metadata: t.Metadata,
		})
		if err != nil {
			if errStage, ok := wf.ErrorStage(); ok && workflow.IsActionError(err) {
				_ = d.Tasks.ChangeStatus(t.ID, errStage)
			} else {
				log.Printf("daemon: auto-stage %s on %s: %v", t.Status, t.Slug(), err)
			}
			continue
		}
		if next == "" || next == t.Status {
			continue
		}
		if err := d.Tasks.ChangeStatus(t.ID, next); err != nil {
			log.Printf("daemon: auto-stage transition %s -> %s on %s: %v", t.Status, next, t.Slug(), err)
			continue
		}
		if wf.Terminal(next) {
			d.notifyManager(team, t.TeamUUID,
				fmt.Sprintf("Task %s (%s) reached %s.", t.Slug(), t.Title, next), t.ID)
		}
	}
}

// maybeNotifyStartup sends each manager a one-time task summary a minute
// after start, only when the team has active work.
func (d *Daemon) maybeNotifyStartup(teams map[string]string) {
	d.mu.Lock()
	if d.notified || time.Since(d.startedAt) < StartupNotifyDelay {
		d.mu.Unlock()
		return
	}
	d.notified = true
	d.mu.Unlock()

	for team, teamUUID := range teams {
		all, err := d.Tasks.List(team)
		if err != nil {
			continue
		}
		active := 0
		for _, t := range all {
			if t.Status != taskstore.StatusDone && t.Status != taskstore.StatusCancelled {
				active++
			}
		}
		if active == 0 {
			continue
		}
		d.notifyManager(team, teamUUID,
			fmt.Sprintf("Daemon is up. %d of %d tasks are active.", active, len(all)), 0)
	}
}

func (d *Daemon) notifyManager(team, teamUUID, body string, taskID int) {
	manager := d.Merges.FindManager(teamUUID)
	if manager == "" {
		return
	}
	var tid *int64
	if taskID > 0 {
		v := int64(taskID)
		tid = &v
	}
	if _, err := d.Mail.Send(team, "delegate", manager, body, mailbox.TypeChat, tid); err != nil {
		log.Printf("daemon: notify manager of %s: %v", team, err)
	}
}
