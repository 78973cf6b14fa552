// Package task implements the durable task manager: enqueue, claim with
// lease and heartbeat, cooperative pause and cancel, capped retries, the
// expired-lease sweeper and ZIP parent tracking. The relational store is
// the source of truth; the dispatch queue only carries wake-ups.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/pipeline"
	"github.com/TocharianOU/newrag/storage"
)

// Tasks is the slice of the task store the manager drives.
type Tasks interface {
	Create(task *db.Task) error
	Get(id string) (*db.Task, error)
	FindActiveByVersion(versionID string) (*db.Task, error)
	Claim(taskID, workerID string, leaseTTL time.Duration) (*db.Task, error)
	Heartbeat(taskID, workerID string, leaseTTL time.Duration) error
	SaveCursor(taskID, workerID, stage string, cursor int) error
	Finish(taskID, state, lastError string) error
	Requeue(taskID, lastError string) error
	RequestPause(taskID string) error
	MarkPaused(taskID string) error
	Resume(taskID string) error
	RequestCancel(taskID string) error
	ControlFlags(taskID string) (pause, cancel bool, err error)
	SweepExpired(now time.Time) ([]string, error)
	SetTotalChildren(taskID string, total int) error
	List(opts db.ListOptions) ([]db.Task, error)
	Children(parentID string) ([]db.Task, error)
	NextQueued() (string, error)
}

// Documents is the slice of the document store the manager drives.
type Documents interface {
	GetGroup(id string) (*db.DocumentGroup, error)
	GetVersion(id string) (*db.DocumentVersion, error)
	FindGroupByFilename(ownerID, filename string) (*db.DocumentGroup, error)
	CreateGroup(group *db.DocumentGroup) error
	NextVersionNumber(groupID string) (int, error)
	CreateVersion(v *db.DocumentVersion) error
	UpdateStatus(versionID, status, message string) error
	MarkFailed(versionID, errorMessage string) error
}

// Runner executes the pipeline for a claimed task.
type Runner interface {
	Run(ctx context.Context, task *db.Task, cp pipeline.Checkpointer) error
}

// Notifier wakes workers after an enqueue.
type Notifier interface {
	Notify(ctx context.Context, taskID string) error
}

// Auditor records failures.
type Auditor interface {
	Record(entry *db.AuditEntry) error
}

// Manager owns task lifecycle.
type Manager struct {
	tasks    Tasks
	docs     Documents
	blobs    storage.BlobStore
	runner   Runner
	notifier Notifier
	audit    Auditor
	cfg      config.WorkerConfig
	log      *common.ContextLogger
}

// NewManager wires the manager.
func NewManager(tasks Tasks, docs Documents, blobs storage.BlobStore, runner Runner,
	notifier Notifier, audit Auditor, cfg config.WorkerConfig) *Manager {
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Manager{
		tasks:    tasks,
		docs:     docs,
		blobs:    blobs,
		runner:   runner,
		notifier: notifier,
		audit:    audit,
		cfg:      cfg,
		log:      common.ServiceLogger("task"),
	}
}

// Enqueue creates a queued task for a version and wakes a worker. A version
// with an active task returns that task instead of a duplicate.
func (m *Manager) Enqueue(ctx context.Context, kind, versionID string) (*db.Task, error) {
	existing, err := m.tasks.FindActiveByVersion(versionID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	task := &db.Task{Kind: kind, TargetVersionID: versionID, State: db.TaskQueued, Stage: pipeline.StageAdmit}
	if err := m.tasks.Create(task); err != nil {
		return nil, err
	}
	m.notify(ctx, task.ID)
	return task, nil
}

// notify wakes a worker. Lost wake-ups are recovered by the fallback poll,
// so failures are logged, not returned.
func (m *Manager) notify(ctx context.Context, taskID string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, taskID); err != nil {
		m.log.WithError(err).WithField("task", taskID).Warn("Dispatch notify failed")
	}
}

// ProcessNext claims and runs one queued task. It returns false when no
// task was claimable. Task failures are absorbed into task state; only
// infrastructure errors propagate.
func (m *Manager) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	for {
		id, err := m.tasks.NextQueued()
		if errors.Is(err, db.ErrNoClaimableTask) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		task, err := m.tasks.Claim(id, workerID, m.cfg.LeaseTTL)
		if errors.Is(err, db.ErrNoClaimableTask) {
			// Another worker won the claim; look for the next one.
			continue
		}
		if err != nil {
			return false, err
		}

		m.execute(ctx, task, workerID)
		return true, nil
	}
}

// execute runs a claimed task and maps the outcome onto task state.
func (m *Manager) execute(ctx context.Context, task *db.Task, workerID string) {
	log := m.log.WithField("task", task.ID).WithField("worker", workerID).WithField("attempt", task.AttemptCount)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.heartbeatLoop(runCtx, task.ID, workerID, stop)

	var err error
	if task.Kind == db.TaskKindArchive {
		err = m.expandArchive(runCtx, task)
	} else {
		err = m.runner.Run(runCtx, task, &checkpoint{m: m, taskID: task.ID, workerID: workerID})
	}

	switch {
	case err == nil:
		if task.Kind == db.TaskKindArchive {
			// The parent stays open until its children finish.
			m.checkParent(ctx, task.ID)
			return
		}
		if finishErr := m.tasks.Finish(task.ID, db.TaskCompleted, ""); finishErr != nil {
			log.WithError(finishErr).Error("Failed to record task completion")
			return
		}
		log.Info("Task completed")
		m.finishParentChild(ctx, task)

	case errors.Is(err, pipeline.ErrPaused):
		if pauseErr := m.tasks.MarkPaused(task.ID); pauseErr != nil {
			log.WithError(pauseErr).Error("Failed to record task pause")
		}
		log.Info("Task paused")

	case common.IsCancelled(err):
		m.tasks.Finish(task.ID, db.TaskCancelled, "")
		m.docs.UpdateStatus(task.TargetVersionID, db.StatusCancelled, "cancelled by request")
		log.Info("Task cancelled")
		m.finishParentChild(ctx, task)

	case errors.Is(err, db.ErrLeaseLost):
		// The sweeper already requeued the task for another worker.
		log.Warn("Task lease lost")

	default:
		m.fail(ctx, task, err)
	}
}

// fail retries transient errors under the attempt cap and fails the task
// and its version otherwise.
func (m *Manager) fail(ctx context.Context, task *db.Task, err error) {
	log := m.log.WithField("task", task.ID).WithError(err)

	if common.IsRetryable(err) && task.AttemptCount < m.cfg.MaxAttempts {
		if reqErr := m.tasks.Requeue(task.ID, err.Error()); reqErr != nil {
			log.WithError(reqErr).Error("Failed to requeue task")
			return
		}
		log.WithField("attempt", task.AttemptCount).Warn("Task failed, requeued")
		m.notify(ctx, task.ID)
		return
	}

	m.tasks.Finish(task.ID, db.TaskFailed, err.Error())
	m.docs.MarkFailed(task.TargetVersionID, err.Error())
	log.Error("Task failed permanently")

	if m.audit != nil {
		entry := &db.AuditEntry{
			Action:       db.AuditProcessingFailure,
			Resource:     "document_version",
			ResourceID:   task.TargetVersionID,
			Success:      false,
			ErrorMessage: err.Error(),
			Details:      map[string]interface{}{"task_id": task.ID, "attempts": task.AttemptCount, "kind": common.KindOf(err).String()},
		}
		if auditErr := m.audit.Record(entry); auditErr != nil {
			log.WithError(auditErr).Warn("Audit write failed")
		}
	}
	m.finishParentChild(ctx, task)
}

// finishParentChild closes the parent archive task once every child is
// terminal.
func (m *Manager) finishParentChild(ctx context.Context, task *db.Task) {
	if task.ParentID == nil {
		return
	}
	m.checkParent(ctx, *task.ParentID)
}

func (m *Manager) checkParent(ctx context.Context, parentID string) {
	parent, err := m.tasks.Get(parentID)
	if err != nil || db.IsTaskTerminal(parent.State) {
		return
	}
	children, err := m.tasks.Children(parentID)
	if err != nil {
		return
	}
	if parent.TotalChildren == 0 || len(children) < parent.TotalChildren {
		return
	}
	failed := 0
	for _, child := range children {
		if !db.IsTaskTerminal(child.State) {
			return
		}
		if child.State == db.TaskFailed {
			failed++
		}
	}
	if failed > 0 {
		m.tasks.Finish(parentID, db.TaskFailed, "some archive entries failed")
	} else {
		m.tasks.Finish(parentID, db.TaskCompleted, "")
	}
	m.log.WithField("task", parentID).WithField("children", len(children)).WithField("failed", failed).
		Info("Archive task closed")
}

// heartbeatLoop extends the lease while the task runs. A lost lease cancels
// the run context so the worker stops touching shared state.
func (m *Manager) heartbeatLoop(ctx context.Context, taskID, workerID string, stop context.CancelFunc) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tasks.Heartbeat(taskID, workerID, m.cfg.LeaseTTL); err != nil {
				if errors.Is(err, db.ErrLeaseLost) {
					m.log.WithField("task", taskID).Warn("Heartbeat found lease lost, stopping")
					stop()
					return
				}
				m.log.WithError(err).WithField("task", taskID).Warn("Heartbeat failed")
			}
		}
	}
}

// RunSweeper requeues expired leases until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := m.tasks.SweepExpired(time.Now())
			if err != nil {
				m.log.WithError(err).Error("Lease sweep failed")
				continue
			}
			for _, id := range ids {
				m.log.WithField("task", id).Warn("Expired lease requeued")
				m.notify(ctx, id)
			}
		}
	}
}

// Pause requests a cooperative stop after the current stage step.
func (m *Manager) Pause(id string) error {
	return m.tasks.RequestPause(id)
}

// Resume requeues a paused task.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if err := m.tasks.Resume(id); err != nil {
		return err
	}
	m.notify(ctx, id)
	return nil
}

// Cancel requests a cooperative cancel. Queued and paused tasks cancel
// immediately; running ones stop at their next checkpoint. Cancelling an
// archive parent cascades to every non-terminal child.
func (m *Manager) Cancel(id string) error {
	task, err := m.tasks.Get(id)
	if err != nil {
		return err
	}
	if err := m.cancelOne(id); err != nil {
		return err
	}
	if task.Kind != db.TaskKindArchive {
		return nil
	}
	children, err := m.tasks.Children(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if db.IsTaskTerminal(child.State) {
			continue
		}
		if err := m.cancelOne(child.ID); err != nil {
			m.log.WithError(err).WithField("task", child.ID).Warn("Child cancel failed")
		}
	}
	return nil
}

// cancelOne flags one task and moves its version when the cancel took
// effect immediately. A version already in a terminal status stays there.
func (m *Manager) cancelOne(id string) error {
	if err := m.tasks.RequestCancel(id); err != nil {
		return err
	}
	task, err := m.tasks.Get(id)
	if err != nil {
		return err
	}
	if task.State != db.TaskCancelled {
		return nil
	}
	if err := m.docs.UpdateStatus(task.TargetVersionID, db.StatusCancelled, "cancelled by request"); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// Status is the progress view of a task.
type Status struct {
	Task     db.Task             `json:"task"`
	Version  *db.DocumentVersion `json:"version,omitempty"`
	Percent  int                 `json:"percent"`
	Children []db.Task           `json:"children,omitempty"`
}

// Progress reports a task's progress. Archive parents aggregate the mean of
// their children's version progress.
func (m *Manager) Progress(id string) (*Status, error) {
	task, err := m.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	status := &Status{Task: *task}

	if task.Kind == db.TaskKindArchive {
		children, err := m.tasks.Children(id)
		if err != nil {
			return nil, err
		}
		status.Children = children
		if len(children) > 0 {
			total := 0
			for _, child := range children {
				if version, err := m.docs.GetVersion(child.TargetVersionID); err == nil {
					total += version.ProgressPercent
				}
			}
			status.Percent = total / len(children)
		}
		return status, nil
	}

	version, err := m.docs.GetVersion(task.TargetVersionID)
	if err == nil {
		status.Version = version
		status.Percent = version.ProgressPercent
	}
	return status, nil
}

// List returns tasks matching the filter.
func (m *Manager) List(opts db.ListOptions) ([]db.Task, error) {
	return m.tasks.List(opts)
}

// checkpoint binds a claimed task to the pipeline's checkpoint interface.
type checkpoint struct {
	m        *Manager
	taskID   string
	workerID string
}

func (c *checkpoint) Save(stage string, cursor int) error {
	return c.m.tasks.SaveCursor(c.taskID, c.workerID, stage, cursor)
}

func (c *checkpoint) Flags() (bool, bool, error) {
	return c.m.tasks.ControlFlags(c.taskID)
}
