package task

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/pipeline"
)

// memTasks is an in-memory Tasks implementation with claim semantics.
type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*db.Task
	order []string
}

func newMemTasks() *memTasks { return &memTasks{tasks: make(map[string]*db.Task)} }

func (s *memTasks) Create(task *db.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.State == "" {
		task.State = db.TaskQueued
	}
	task.CreatedAt = time.Now()
	copied := *task
	s.tasks[task.ID] = &copied
	s.order = append(s.order, task.ID)
	return nil
}

func (s *memTasks) Get(id string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *memTasks) FindActiveByVersion(versionID string) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.TargetVersionID == versionID && !db.IsTaskTerminal(t.State) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memTasks) Claim(taskID, workerID string, leaseTTL time.Duration) (*db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.State != db.TaskQueued {
		return nil, db.ErrNoClaimableTask
	}
	lease := time.Now().Add(leaseTTL)
	t.State = db.TaskRunning
	t.WorkerID = workerID
	t.LeaseExpiresAt = &lease
	t.AttemptCount++
	copied := *t
	return &copied, nil
}

func (s *memTasks) Heartbeat(taskID, workerID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.WorkerID != workerID || t.State != db.TaskRunning {
		return db.ErrLeaseLost
	}
	lease := time.Now().Add(leaseTTL)
	t.LeaseExpiresAt = &lease
	return nil
}

func (s *memTasks) SaveCursor(taskID, workerID, stage string, cursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.WorkerID != workerID || t.State != db.TaskRunning {
		return db.ErrLeaseLost
	}
	t.Stage = stage
	t.StageCursor = cursor
	return nil
}

func (s *memTasks) Finish(taskID, state, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.State = state
	t.LastError = lastError
	t.LeaseExpiresAt = nil
	t.WorkerID = ""
	return nil
}

func (s *memTasks) Requeue(taskID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.State = db.TaskQueued
	t.LastError = lastError
	t.LeaseExpiresAt = nil
	t.WorkerID = ""
	return nil
}

func (s *memTasks) RequestPause(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].PauseRequested = true
	return nil
}

func (s *memTasks) MarkPaused(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.State = db.TaskPaused
	t.LeaseExpiresAt = nil
	t.WorkerID = ""
	return nil
}

func (s *memTasks) Resume(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.State = db.TaskQueued
	t.PauseRequested = false
	return nil
}

func (s *memTasks) RequestCancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	t.CancelRequested = true
	if t.State == db.TaskQueued || t.State == db.TaskPaused {
		t.State = db.TaskCancelled
	}
	return nil
}

func (s *memTasks) ControlFlags(taskID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	return t.PauseRequested, t.CancelRequested, nil
}

func (s *memTasks) SweepExpired(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.tasks {
		if t.State == db.TaskRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			t.State = db.TaskQueued
			t.LeaseExpiresAt = nil
			t.WorkerID = ""
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (s *memTasks) SetTotalChildren(taskID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID].TotalChildren = total
	return nil
}

func (s *memTasks) List(opts db.ListOptions) ([]db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if opts.State != "" && t.State != opts.State {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *memTasks) Children(parentID string) ([]db.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memTasks) NextQueued() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*db.Task
	for _, t := range s.tasks {
		if t.State == db.TaskQueued {
			queued = append(queued, t)
		}
	}
	if len(queued) == 0 {
		return "", db.ErrNoClaimableTask
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	return queued[0].ID, nil
}

// memDocs is an in-memory Documents implementation.
type memDocs struct {
	mu       sync.Mutex
	groups   map[string]*db.DocumentGroup
	versions map[string]*db.DocumentVersion
}

func newMemDocs() *memDocs {
	return &memDocs{groups: make(map[string]*db.DocumentGroup), versions: make(map[string]*db.DocumentVersion)}
}

func (s *memDocs) GetGroup(id string) (*db.DocumentGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (s *memDocs) GetVersion(id string) (*db.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (s *memDocs) FindGroupByFilename(ownerID, filename string) (*db.DocumentGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.CanonicalFilename == filename && g.OwnerID != nil && *g.OwnerID == ownerID {
			copied := *g
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memDocs) CreateGroup(group *db.DocumentGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *group
	s.groups[group.ID] = &copied
	return nil
}

func (s *memDocs) NextVersionNumber(groupID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, v := range s.versions {
		if v.GroupID == groupID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max + 1, nil
}

func (s *memDocs) CreateVersion(v *db.DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *v
	s.versions[v.ID] = &copied
	return nil
}

func (s *memDocs) UpdateStatus(versionID, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[versionID]; ok {
		v.Status = status
		v.ProgressMessage = message
	}
	return nil
}

func (s *memDocs) MarkFailed(versionID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[versionID]; ok {
		v.Status = db.StatusFailed
		v.ErrorMessage = errorMessage
	}
	return nil
}

// taskBlobs is a minimal in-memory blob store.
type taskBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newTaskBlobs() *taskBlobs { return &taskBlobs{objects: make(map[string][]byte)} }

func (b *taskBlobs) EnsureBucket(context.Context) error { return nil }
func (b *taskBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return "etag", nil
}
func (b *taskBlobs) PutStream(context.Context, string, io.Reader, string) error { return nil }
func (b *taskBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, common.Invariantf("object not found: %s", key)
	}
	return data, nil
}
func (b *taskBlobs) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}
func (b *taskBlobs) Delete(context.Context, string) error          { return nil }
func (b *taskBlobs) DeletePrefix(context.Context, string) error    { return nil }
func (b *taskBlobs) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}

type fakeRunner struct {
	mu   sync.Mutex
	fn   func(ctx context.Context, task *db.Task, cp pipeline.Checkpointer) error
	runs int
}

func (r *fakeRunner) Run(ctx context.Context, task *db.Task, cp pipeline.Checkpointer) error {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.fn == nil {
		return nil
	}
	return r.fn(ctx, task, cp)
}

type fakeNotify struct {
	mu  sync.Mutex
	ids []string
}

func (n *fakeNotify) Notify(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}

type recAudit struct {
	mu      sync.Mutex
	entries []db.AuditEntry
}

func (a *recAudit) Record(entry *db.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
	return nil
}

func newManager(t *testing.T, runner *fakeRunner) (*Manager, *memTasks, *memDocs, *taskBlobs, *fakeNotify, *recAudit) {
	t.Helper()
	tasks := newMemTasks()
	docs := newMemDocs()
	blobs := newTaskBlobs()
	notify := &fakeNotify{}
	audit := &recAudit{}
	m := NewManager(tasks, docs, blobs, runner, notify, audit, config.WorkerConfig{
		LeaseTTL:          time.Minute,
		HeartbeatInterval: time.Hour, // keep heartbeats out of unit tests
		MaxAttempts:       3,
	})
	return m, tasks, docs, blobs, notify, audit
}

func seedVersion(docs *memDocs, id string) *db.DocumentVersion {
	owner := "owner-1"
	group := &db.DocumentGroup{ID: "group-" + id, CanonicalFilename: id + ".pdf", OwnerID: &owner}
	version := &db.DocumentVersion{
		ID: id, GroupID: group.ID, VersionNumber: 1,
		UploadedBy: &owner, FileType: "pdf",
		StorageKey: "raw/" + id, Status: db.StatusQueued,
		Visibility: db.VisibilityPrivate,
	}
	docs.CreateGroup(group)
	docs.CreateVersion(version)
	return version
}

func TestEnqueueDeduplicatesActiveTask(t *testing.T) {
	m, _, docs, _, notify, _ := newManager(t, &fakeRunner{})
	seedVersion(docs, "v1")

	first, err := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, err)
	second, err := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, notify.ids, 1)
}

func TestProcessNextCompletesTask(t *testing.T) {
	runner := &fakeRunner{}
	m, tasks, docs, _, _, _ := newManager(t, runner)
	seedVersion(docs, "v1")

	task, err := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, err)

	claimed, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, runner.runs)

	done, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskCompleted, done.State)
	assert.Empty(t, done.WorkerID)

	claimed, err = m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, claimed, "nothing left to claim")
}

func TestTransientFailureRequeuesUntilCap(t *testing.T) {
	runner := &fakeRunner{fn: func(context.Context, *db.Task, pipeline.Checkpointer) error {
		return common.Transientf("index briefly down")
	}}
	m, tasks, docs, _, _, audit := newManager(t, runner)
	seedVersion(docs, "v1")

	task, err := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, err)

	// Attempts 1 and 2 requeue; attempt 3 hits the cap and fails.
	for i := 0; i < 3; i++ {
		claimed, err := m.ProcessNext(context.Background(), "w1")
		require.NoError(t, err)
		require.True(t, claimed)
	}

	final, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskFailed, final.State)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Contains(t, final.LastError, "index briefly down")

	version, _ := docs.GetVersion("v1")
	assert.Equal(t, db.StatusFailed, version.Status)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, db.AuditProcessingFailure, audit.entries[0].Action)
}

func TestPermanentInputFailsImmediately(t *testing.T) {
	runner := &fakeRunner{fn: func(context.Context, *db.Task, pipeline.Checkpointer) error {
		return common.PermanentInputf("unreadable file")
	}}
	m, tasks, docs, _, _, _ := newManager(t, runner)
	seedVersion(docs, "v1")

	task, _ := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	_, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)

	final, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskFailed, final.State)
	assert.Equal(t, 1, final.AttemptCount, "input errors are not retried")

	version, _ := docs.GetVersion("v1")
	assert.Equal(t, db.StatusFailed, version.Status)
}

func TestPauseAndResume(t *testing.T) {
	runner := &fakeRunner{fn: func(_ context.Context, _ *db.Task, cp pipeline.Checkpointer) error {
		pause, _, _ := cp.Flags()
		if pause {
			return pipeline.ErrPaused
		}
		return nil
	}}
	m, tasks, docs, _, _, _ := newManager(t, runner)
	seedVersion(docs, "v1")

	task, _ := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, m.Pause(task.ID))

	_, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)

	paused, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskPaused, paused.State)

	require.NoError(t, m.Resume(context.Background(), task.ID))
	resumed, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskQueued, resumed.State)
	assert.False(t, resumed.PauseRequested)

	_, err = m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	final, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskCompleted, final.State)
}

func TestCancelQueuedTask(t *testing.T) {
	m, tasks, docs, _, _, _ := newManager(t, &fakeRunner{})
	seedVersion(docs, "v1")

	task, _ := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, m.Cancel(task.ID))

	cancelled, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskCancelled, cancelled.State)

	version, _ := docs.GetVersion("v1")
	assert.Equal(t, db.StatusCancelled, version.Status)
}

func TestCancelArchiveCascadesToChildren(t *testing.T) {
	m, tasks, docs, blobs, _, _ := newManager(t, &fakeRunner{})
	version := seedVersion(docs, "zip-1")
	docs.mu.Lock()
	docs.versions["zip-1"].FileType = "zip"
	docs.mu.Unlock()

	archive := zipBytes(t, map[string][]byte{
		"manual.pdf": []byte("%PDF-child-one"),
		"notes.txt":  []byte("plain text notes"),
	})
	blobs.Put(context.Background(), version.StorageKey, archive, "application/zip")

	parent := &db.Task{Kind: db.TaskKindArchive, TargetVersionID: "zip-1", State: db.TaskQueued}
	require.NoError(t, tasks.Create(parent))
	claimed, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, claimed)

	children, _ := tasks.Children(parent.ID)
	require.Len(t, children, 2)

	// One child already finished; it must stay completed.
	finished := children[0]
	require.NoError(t, tasks.Finish(finished.ID, db.TaskCompleted, ""))
	require.NoError(t, docs.UpdateStatus(finished.TargetVersionID, db.StatusCompleted, "processing complete"))

	require.NoError(t, m.Cancel(parent.ID))

	flagged, _ := tasks.Get(parent.ID)
	assert.True(t, flagged.CancelRequested)

	done, _ := tasks.Get(finished.ID)
	assert.Equal(t, db.TaskCompleted, done.State)
	doneVersion, _ := docs.GetVersion(finished.TargetVersionID)
	assert.Equal(t, db.StatusCompleted, doneVersion.Status)

	pending, _ := tasks.Get(children[1].ID)
	assert.Equal(t, db.TaskCancelled, pending.State)
	pendingVersion, _ := docs.GetVersion(children[1].TargetVersionID)
	assert.Equal(t, db.StatusCancelled, pendingVersion.Status)
}

func TestCancelRunningTaskObservedAtCheckpoint(t *testing.T) {
	runner := &fakeRunner{fn: func(_ context.Context, _ *db.Task, cp pipeline.Checkpointer) error {
		_, cancel, _ := cp.Flags()
		if cancel {
			return common.ErrCancelled
		}
		return nil
	}}
	m, tasks, docs, _, _, _ := newManager(t, runner)
	seedVersion(docs, "v1")

	task, _ := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	require.NoError(t, tasks.RequestCancel(task.ID))
	// Force back to queued to simulate the flag landing on a running task.
	tasks.mu.Lock()
	tasks.tasks[task.ID].State = db.TaskQueued
	tasks.mu.Unlock()

	_, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)

	final, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskCancelled, final.State)
	version, _ := docs.GetVersion("v1")
	assert.Equal(t, db.StatusCancelled, version.Status)
}

func zipBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestArchiveExpansion(t *testing.T) {
	m, tasks, docs, blobs, notify, _ := newManager(t, &fakeRunner{})
	version := seedVersion(docs, "zip-1")
	docs.mu.Lock()
	docs.versions["zip-1"].FileType = "zip"
	docs.mu.Unlock()

	archive := zipBytes(t, map[string][]byte{
		"manual.pdf":        []byte("%PDF-child-one"),
		"notes.txt":         []byte("plain text notes"),
		"binary.exe":        []byte("unsupported"),
		"__MACOSX/junk.pdf": []byte("resource fork"),
	})
	blobs.Put(context.Background(), version.StorageKey, archive, "application/zip")

	parent := &db.Task{Kind: db.TaskKindArchive, TargetVersionID: "zip-1", State: db.TaskQueued}
	require.NoError(t, tasks.Create(parent))

	claimed, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, claimed)

	expanded, _ := tasks.Get(parent.ID)
	assert.Equal(t, 2, expanded.TotalChildren)
	assert.Equal(t, db.TaskRunning, expanded.State, "parent stays open until children finish")

	children, _ := tasks.Children(parent.ID)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, db.TaskKindIngest, child.Kind)
		assert.Equal(t, db.TaskQueued, child.State)
		childVersion, err := docs.GetVersion(child.TargetVersionID)
		require.NoError(t, err)
		assert.Equal(t, db.VisibilityPrivate, childVersion.Visibility, "children inherit permissions")
	}

	zipVersion, _ := docs.GetVersion("zip-1")
	assert.Equal(t, db.StatusCompleted, zipVersion.Status)
	assert.GreaterOrEqual(t, len(notify.ids), 2)

	// Completing both children closes the parent.
	for range children {
		claimed, err := m.ProcessNext(context.Background(), "w1")
		require.NoError(t, err)
		require.True(t, claimed)
	}
	closed, _ := tasks.Get(parent.ID)
	assert.Equal(t, db.TaskCompleted, closed.State)
}

func TestArchiveWithNoSupportedEntriesFails(t *testing.T) {
	m, tasks, docs, blobs, _, _ := newManager(t, &fakeRunner{})
	version := seedVersion(docs, "zip-1")

	archive := zipBytes(t, map[string][]byte{"binary.exe": []byte("nope")})
	blobs.Put(context.Background(), version.StorageKey, archive, "application/zip")

	parent := &db.Task{Kind: db.TaskKindArchive, TargetVersionID: "zip-1", State: db.TaskQueued}
	require.NoError(t, tasks.Create(parent))

	_, err := m.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)

	failed, _ := tasks.Get(parent.ID)
	assert.Equal(t, db.TaskFailed, failed.State)
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	m, tasks, docs, _, _, _ := newManager(t, &fakeRunner{})
	seedVersion(docs, "v1")

	task, _ := m.Enqueue(context.Background(), db.TaskKindIngest, "v1")
	_, err := tasks.Claim(task.ID, "dead-worker", -time.Minute)
	require.NoError(t, err)

	ids, err := tasks.SweepExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)

	_, err = m.ProcessNext(context.Background(), "w2")
	require.NoError(t, err)
	final, _ := tasks.Get(task.ID)
	assert.Equal(t, db.TaskCompleted, final.State)
	assert.Equal(t, 2, final.AttemptCount)
}

func TestProgressAggregatesArchiveChildren(t *testing.T) {
	m, tasks, docs, _, _, _ := newManager(t, &fakeRunner{})
	parent := &db.Task{ID: "parent", Kind: db.TaskKindArchive, TargetVersionID: "zip-1", State: db.TaskRunning, TotalChildren: 2}
	require.NoError(t, tasks.Create(parent))

	for i, percent := range []int{40, 80} {
		id := []string{"c1", "c2"}[i]
		seedVersion(docs, id)
		docs.mu.Lock()
		docs.versions[id].ProgressPercent = percent
		docs.mu.Unlock()
		child := &db.Task{Kind: db.TaskKindIngest, TargetVersionID: id, ParentID: &parent.ID, State: db.TaskRunning}
		require.NoError(t, tasks.Create(child))
	}

	status, err := m.Progress("parent")
	require.NoError(t, err)
	assert.Equal(t, 60, status.Percent)
	assert.Len(t, status.Children, 2)
}
