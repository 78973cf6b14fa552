package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoClaimableTask is returned when no queued task is available.
var ErrNoClaimableTask = errors.New("no claimable task")

// ErrLeaseLost is returned when a heartbeat or checkpoint finds the task no
// longer owned by this worker.
var ErrLeaseLost = errors.New("task lease lost")

// TaskStore provides durable task persistence. Claims are conditional
// updates so concurrent workers never run the same task twice.
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore creates a task store on the given connection.
func NewTaskStore(gormDB *gorm.DB) *TaskStore {
	return &TaskStore{db: gormDB}
}

// Create persists a new queued task.
func (s *TaskStore) Create(task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.State == "" {
		task.State = TaskQueued
	}
	return s.db.Create(task).Error
}

// Get fetches a task by id.
func (s *TaskStore) Get(id string) (*Task, error) {
	var task Task
	if err := s.db.First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindActiveByVersion returns the non-terminal task targeting a version.
func (s *TaskStore) FindActiveByVersion(versionID string) (*Task, error) {
	var task Task
	err := s.db.Where("target_version_id = ? AND state IN ?", versionID,
		[]string{TaskQueued, TaskRunning, TaskPaused}).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// Claim atomically takes ownership of the task, setting it running with a
// fresh lease. Fails with ErrNoClaimableTask if the task is not queued.
func (s *TaskStore) Claim(taskID, workerID string, leaseTTL time.Duration) (*Task, error) {
	lease := time.Now().Add(leaseTTL)
	res := s.db.Model(&Task{}).
		Where("id = ? AND state = ?", taskID, TaskQueued).
		Updates(map[string]interface{}{
			"state":            TaskRunning,
			"worker_id":        workerID,
			"lease_expires_at": lease,
			"attempt_count":    gorm.Expr("attempt_count + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNoClaimableTask
	}
	return s.Get(taskID)
}

// Heartbeat extends the lease of a running task owned by workerID.
func (s *TaskStore) Heartbeat(taskID, workerID string, leaseTTL time.Duration) error {
	res := s.db.Model(&Task{}).
		Where("id = ? AND worker_id = ? AND state = ?", taskID, workerID, TaskRunning).
		Update("lease_expires_at", time.Now().Add(leaseTTL))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SaveCursor persists the stage cursor checkpoint, verifying ownership.
func (s *TaskStore) SaveCursor(taskID, workerID, stage string, cursor int) error {
	res := s.db.Model(&Task{}).
		Where("id = ? AND worker_id = ? AND state = ?", taskID, workerID, TaskRunning).
		Updates(map[string]interface{}{
			"stage":        stage,
			"stage_cursor": cursor,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Finish moves a task to a terminal state and clears the lease.
func (s *TaskStore) Finish(taskID, state, lastError string) error {
	return s.db.Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"state":            state,
			"last_error":       lastError,
			"lease_expires_at": nil,
			"worker_id":        "",
		}).Error
}

// Requeue returns a task to the queued state, keeping its cursor so the
// next attempt resumes from the last checkpoint.
func (s *TaskStore) Requeue(taskID, lastError string) error {
	return s.db.Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"state":            TaskQueued,
			"last_error":       lastError,
			"lease_expires_at": nil,
			"worker_id":        "",
		}).Error
}

// RequestPause sets the cooperative pause flag on an active task.
func (s *TaskStore) RequestPause(taskID string) error {
	res := s.db.Model(&Task{}).
		Where("id = ? AND state IN ?", taskID, []string{TaskQueued, TaskRunning}).
		Update("pause_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPaused records that a worker observed the pause flag and stopped.
func (s *TaskStore) MarkPaused(taskID string) error {
	return s.db.Model(&Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"state":            TaskPaused,
			"lease_expires_at": nil,
			"worker_id":        "",
		}).Error
}

// Resume clears the pause flag and requeues the task.
func (s *TaskStore) Resume(taskID string) error {
	res := s.db.Model(&Task{}).
		Where("id = ? AND (state = ? OR pause_requested = ?)", taskID, TaskPaused, true).
		Updates(map[string]interface{}{
			"state":           TaskQueued,
			"pause_requested": false,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel sets the cooperative cancel flag. Queued tasks are
// cancelled immediately; running tasks stop at their next checkpoint.
func (s *TaskStore) RequestCancel(taskID string) error {
	task, err := s.Get(taskID)
	if err != nil {
		return err
	}
	if IsTaskTerminal(task.State) {
		return ErrNotFound
	}
	updates := map[string]interface{}{"cancel_requested": true}
	if task.State == TaskQueued || task.State == TaskPaused {
		updates["state"] = TaskCancelled
		updates["pause_requested"] = false
	}
	return s.db.Model(&Task{}).Where("id = ?", taskID).Updates(updates).Error
}

// ControlFlags reads the cooperative flags for checkpoint polling.
func (s *TaskStore) ControlFlags(taskID string) (pause, cancel bool, err error) {
	var task Task
	if err := s.db.Select("pause_requested", "cancel_requested").
		First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, false, ErrNotFound
		}
		return false, false, err
	}
	return task.PauseRequested, task.CancelRequested, nil
}

// SweepExpired requeues running tasks whose lease has lapsed, returning the
// affected task ids. Attempt counting happens at claim time.
func (s *TaskStore) SweepExpired(now time.Time) ([]string, error) {
	var expired []Task
	err := s.db.Where("state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?",
		TaskRunning, now).
		Find(&expired).Error
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(expired))
	for _, task := range expired {
		res := s.db.Model(&Task{}).
			Where("id = ? AND state = ? AND lease_expires_at < ?", task.ID, TaskRunning, now).
			Updates(map[string]interface{}{
				"state":            TaskQueued,
				"lease_expires_at": nil,
				"worker_id":        "",
				"last_error":       "lease expired",
			})
		if res.Error != nil {
			return ids, res.Error
		}
		if res.RowsAffected > 0 {
			ids = append(ids, task.ID)
		}
	}
	return ids, nil
}

// ListOptions filters the task listing.
type ListOptions struct {
	State    string
	Kind     string
	ParentID string
	Limit    int
}

// List returns tasks matching the options, newest first.
func (s *TaskStore) List(opts ListOptions) ([]Task, error) {
	query := s.db.Model(&Task{})
	if opts.State != "" {
		query = query.Where("state = ?", opts.State)
	}
	if opts.Kind != "" {
		query = query.Where("kind = ?", opts.Kind)
	}
	if opts.ParentID != "" {
		query = query.Where("parent_id = ?", opts.ParentID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var tasks []Task
	err := query.Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// SetTotalChildren records how many child tasks an archive expanded into.
func (s *TaskStore) SetTotalChildren(taskID string, total int) error {
	return s.db.Model(&Task{}).
		Where("id = ?", taskID).
		Update("total_children", total).Error
}

// Children returns the child tasks of a ZIP parent.
func (s *TaskStore) Children(parentID string) ([]Task, error) {
	var tasks []Task
	err := s.db.Where("parent_id = ?", parentID).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// NextQueued returns the oldest queued task id, if any. Used as a fallback
// when the dispatch queue signal is lost.
func (s *TaskStore) NextQueued() (string, error) {
	var task Task
	err := s.db.Where("state = ?", TaskQueued).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoClaimableTask
		}
		return "", err
	}
	return task.ID, nil
}
