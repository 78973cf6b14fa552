package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/gateway"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/render"
)

// memStore is an in-memory Store implementation.
type memStore struct {
	mu       sync.Mutex
	groups   map[string]*db.DocumentGroup
	versions map[string]*db.DocumentVersion
	pages    map[string]map[int]*db.Page
	chunks   map[string]*db.Chunk
	latest   map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		groups:   make(map[string]*db.DocumentGroup),
		versions: make(map[string]*db.DocumentVersion),
		pages:    make(map[string]map[int]*db.Page),
		chunks:   make(map[string]*db.Chunk),
		latest:   make(map[string]string),
	}
}

func (m *memStore) GetGroup(id string) (*db.DocumentGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (m *memStore) GetVersion(id string) (*db.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (m *memStore) FindCompletedByChecksum(checksum, ownerID string) (*db.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.Status != db.StatusCompleted || v.Checksum != checksum {
			continue
		}
		if v.UploadedBy != nil && *v.UploadedBy == ownerID {
			copied := *v
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) CopyPages(from, to string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.pages[from]
	dst := make(map[int]*db.Page, len(src))
	for n, p := range src {
		copied := *p
		copied.ID = uuid.NewString()
		copied.VersionID = to
		dst[n] = &copied
	}
	m.pages[to] = dst
	return len(dst), nil
}

func (m *memStore) CopyChunks(from, to string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := 0
	for _, c := range m.chunks {
		if c.VersionID != from {
			continue
		}
		dup := *c
		dup.ID = db.ChunkID(to, c.PageNumber, c.LocalIndex)
		dup.VersionID = to
		m.chunks[dup.ID] = &dup
		copied++
	}
	return copied, nil
}

func (m *memStore) SetTotalPages(versionID string, totalPages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[versionID].TotalPages = totalPages
	return nil
}

func (m *memStore) SetProgress(versionID string, processed, total, percent int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versions[versionID]
	if percent < v.ProgressPercent {
		return db.ErrStaleProgress
	}
	v.ProcessedPages = processed
	v.ProgressPercent = percent
	v.ProgressMessage = message
	return nil
}

func (m *memStore) UpdateStatus(versionID, status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versions[versionID]
	if db.IsTerminal(v.Status) {
		return db.ErrNotFound
	}
	v.Status = status
	v.ProgressMessage = message
	return nil
}

func (m *memStore) UpsertPage(page *db.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[page.VersionID] == nil {
		m.pages[page.VersionID] = make(map[int]*db.Page)
	}
	copied := *page
	m.pages[page.VersionID][page.PageNumber] = &copied
	return nil
}

func (m *memStore) ListPages(versionID string) ([]db.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Page
	for _, p := range m.pages[versionID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *memStore) UpsertChunks(chunks []db.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if _, exists := m.chunks[c.ID]; exists {
			continue
		}
		copied := c
		m.chunks[c.ID] = &copied
	}
	return nil
}

func (m *memStore) ListChunks(versionID string) ([]db.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Chunk
	for _, c := range m.chunks {
		if c.VersionID == versionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageNumber != out[j].PageNumber {
			return out[i].PageNumber < out[j].PageNumber
		}
		return out[i].LocalIndex < out[j].LocalIndex
	})
	return out, nil
}

func (m *memStore) ChunksWithoutVector(versionID string) ([]db.Chunk, error) {
	all, _ := m.ListChunks(versionID)
	var out []db.Chunk
	for _, c := range all {
		if len(c.Vector) == 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) SetChunkVectors(ids []string, vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		m.chunks[id].Vector = vectors[i]
	}
	return nil
}

func (m *memStore) SetLatest(groupID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[groupID] = versionID
	return nil
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (b *memBlobs) EnsureBucket(context.Context) error { return nil }

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return "etag", nil
}

func (b *memBlobs) PutStream(context.Context, string, io.Reader, string) error {
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, common.Invariantf("object not found: %s", key)
	}
	return data, nil
}

func (b *memBlobs) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlobs) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
		}
	}
	return nil
}

func (b *memBlobs) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}

// memIndexer records bulk writes.
type memIndexer struct {
	mu      sync.Mutex
	docs    map[string]index.ChunkDocument
	deleted []string
}

func newMemIndexer() *memIndexer { return &memIndexer{docs: make(map[string]index.ChunkDocument)} }

func (x *memIndexer) BulkIndex(_ context.Context, docs []index.ChunkDocument) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range docs {
		x.docs[d.ChunkID] = d
	}
	return len(docs), nil
}

func (x *memIndexer) DeleteByVersion(_ context.Context, versionID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleted = append(x.deleted, versionID)
	return nil
}

// memAudit records entries.
type memAudit struct {
	mu      sync.Mutex
	entries []db.AuditEntry
}

func (a *memAudit) Record(entry *db.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
	return nil
}

// fakeCapability renders fixed pages.
type fakeCapability struct {
	pages  []render.PageRender
	called int
}

type fakeSeq struct {
	pages []render.PageRender
	pos   int
}

func (s *fakeSeq) TotalPages() int { return len(s.pages) }
func (s *fakeSeq) Next(context.Context) (*render.PageRender, error) {
	if s.pos >= len(s.pages) {
		return nil, io.EOF
	}
	p := s.pages[s.pos]
	s.pos++
	return &p, nil
}
func (s *fakeSeq) Close(context.Context) error { return nil }

func (c *fakeCapability) RenderPages(context.Context, []byte, string) (render.Sequence, error) {
	c.called++
	return &fakeSeq{pages: c.pages}, nil
}

type fakeResolver struct{ cap *fakeCapability }

func (r *fakeResolver) For(string) (render.Capability, error) { return r.cap, nil }

// fakeOCREngine returns fixed boxes per page image.
type fakeOCREngine struct {
	mu    sync.Mutex
	boxes []db.BoundingBox
	calls int
}

func (e *fakeOCREngine) Name() string { return "easyocr" }
func (e *fakeOCREngine) Recognize(context.Context, []byte) ([]db.BoundingBox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return append([]db.BoundingBox(nil), e.boxes...), nil
}

// fakeCheckpointer records saves and serves control flags.
type fakeCheckpointer struct {
	mu     sync.Mutex
	saves  []string
	pause  bool
	cancel bool
}

func (c *fakeCheckpointer) Save(stage string, cursor int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, fmt.Sprintf("%s:%d", stage, cursor))
	return nil
}

func (c *fakeCheckpointer) Flags() (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pause, c.cancel, nil
}

type fixture struct {
	store   *memStore
	blobs   *memBlobs
	indexer *memIndexer
	audit   *memAudit
	embed   *gateway.MockEmbedder
	vlm     *gateway.MockVisionCorrector
	cap     *fakeCapability
	engine  *fakeOCREngine
	runner  *Runner
	task    *db.Task
	cp      *fakeCheckpointer
	version *db.DocumentVersion
	group   *db.DocumentGroup
}

func newFixture(t *testing.T, raw []byte, pages []render.PageRender) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemStore(),
		blobs:   newMemBlobs(),
		indexer: newMemIndexer(),
		audit:   &memAudit{},
		embed:   &gateway.MockEmbedder{Dims: 4},
		vlm:     &gateway.MockVisionCorrector{Rewrite: func(s string) string { return "corrected: " + s }},
		cap:     &fakeCapability{pages: pages},
		engine: &fakeOCREngine{boxes: []db.BoundingBox{
			{Text: "pump station", Confidence: 0.92, X1: 0, Y1: 0, X2: 100, Y2: 20},
			{Text: "flow diagram", Confidence: 0.85, X1: 0, Y1: 30, X2: 100, Y2: 50},
		}},
		cp: &fakeCheckpointer{},
	}

	owner := "owner-1"
	org := "org-1"
	sum := sha256.Sum256(raw)
	f.group = &db.DocumentGroup{ID: "group-1", CanonicalFilename: "manual.pdf", OwnerID: &owner, OrgID: &org}
	f.version = &db.DocumentVersion{
		ID:            "version-1",
		GroupID:       "group-1",
		VersionNumber: 1,
		Checksum:      hex.EncodeToString(sum[:]),
		UploadedBy:    &owner,
		FileType:      "pdf",
		FileSize:      int64(len(raw)),
		StorageKey:    "raw/" + hex.EncodeToString(sum[:]),
		Status:        db.StatusQueued,
		Visibility:    db.VisibilityOrganization,
	}
	f.store.groups[f.group.ID] = f.group
	f.store.versions[f.version.ID] = f.version
	f.blobs.objects[f.version.StorageKey] = raw

	f.task = &db.Task{ID: "task-1", Kind: db.TaskKindIngest, TargetVersionID: f.version.ID, State: db.TaskRunning}

	f.runner = NewRunner(
		f.store, f.blobs, f.indexer, f.embed, f.vlm,
		&fakeResolver{cap: f.cap},
		render.NewEngineSetWith("easyocr", f.engine),
		f.audit,
		Options{PageParallelism: 2, PageIndexThreshold: 10},
	)
	return f
}

func imagePages(n int) []render.PageRender {
	pages := make([]render.PageRender, n)
	for i := range pages {
		pages[i] = render.PageRender{PageNumber: i + 1, Image: []byte(fmt.Sprintf("png-%d", i+1))}
	}
	return pages
}

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t, []byte("%PDF-raw"), imagePages(2))

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	version, _ := f.store.GetVersion("version-1")
	assert.Equal(t, db.StatusCompleted, version.Status)
	assert.Equal(t, 2, version.TotalPages)
	assert.Equal(t, "version-1", f.store.latest["group-1"])

	pages, _ := f.store.ListPages("version-1")
	require.Len(t, pages, 2)
	for _, page := range pages {
		assert.Equal(t, "corrected: pump station\nflow diagram", page.Text)
		assert.False(t, page.VLMFailed)
		assert.Len(t, page.BBoxes, 2)
		assert.InDelta(t, 0.885, page.AvgConfidence, 1e-9)
		assert.NotEmpty(t, page.OCRJSONKey)
	}

	chunks, _ := f.store.ListChunks("version-1")
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.NotEmpty(t, chunk.Vector, "every chunk is embedded")
		doc, ok := f.indexer.docs[chunk.ID]
		require.True(t, ok, "every chunk is indexed")
		assert.Equal(t, "owner-1", doc.Metadata.OwnerID)
		assert.Equal(t, "org-1", doc.Metadata.OrgID)
		assert.Equal(t, db.VisibilityOrganization, doc.Metadata.Visibility)
		assert.Equal(t, "manual.pdf", doc.Metadata.Filename)
		assert.NotNil(t, doc.Metadata.SharedWithUsers)
	}

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, db.AuditProcessingComplete, f.audit.entries[0].Action)
	assert.Equal(t, "owner-1", f.audit.entries[0].UserID)
}

func TestNativeTextWinsOverOCR(t *testing.T) {
	pages := []render.PageRender{{PageNumber: 1, Image: []byte("png-1"), NativeText: "digital text layer"}}
	f := newFixture(t, []byte("%PDF-native"), pages)

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	stored, _ := f.store.ListPages("version-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "digital text layer", stored[0].Text)
	assert.Len(t, stored[0].BBoxes, 2, "bboxes still come from OCR")
	assert.Zero(t, f.vlm.Calls, "native text skips VLM correction")
}

func TestVLMFailureKeepsOCRText(t *testing.T) {
	f := newFixture(t, []byte("%PDF-vlmfail"), imagePages(1))
	f.vlm.Err = common.Transientf("vlm down")

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	pages, _ := f.store.ListPages("version-1")
	require.Len(t, pages, 1)
	assert.Equal(t, "pump station\nflow diagram", pages[0].Text)
	assert.True(t, pages[0].VLMFailed)

	version, _ := f.store.GetVersion("version-1")
	assert.Equal(t, db.StatusCompleted, version.Status)
}

func TestChecksumMismatchIsPermanent(t *testing.T) {
	f := newFixture(t, []byte("%PDF-raw"), imagePages(1))
	f.blobs.objects[f.version.StorageKey] = []byte("tampered bytes")

	err := f.runner.Run(context.Background(), f.task, f.cp)
	require.Error(t, err)
	assert.Equal(t, common.KindPermanentInput, common.KindOf(err))
}

func TestChecksumDedupSkipsRenderAndOCR(t *testing.T) {
	f := newFixture(t, []byte("%PDF-twin"), imagePages(1))

	// A completed twin with identical checksum and the same owner.
	owner := "owner-1"
	twin := &db.DocumentVersion{
		ID: "twin-1", GroupID: "group-1", VersionNumber: 0,
		Checksum: f.version.Checksum, UploadedBy: &owner,
		Status: db.StatusCompleted, TotalPages: 3,
	}
	f.store.versions[twin.ID] = twin
	f.store.pages[twin.ID] = map[int]*db.Page{
		1: {ID: "p1", VersionID: twin.ID, PageNumber: 1, Text: "twin page one"},
		2: {ID: "p2", VersionID: twin.ID, PageNumber: 2, Text: "twin page two"},
		3: {ID: "p3", VersionID: twin.ID, PageNumber: 3, Text: "twin page three"},
	}
	for n := 1; n <= 3; n++ {
		id := db.ChunkID(twin.ID, n, 0)
		f.store.chunks[id] = &db.Chunk{
			ID: id, VersionID: twin.ID, PageNumber: n, LocalIndex: 0,
			Text:   f.store.pages[twin.ID][n].Text,
			Vector: []float32{0.1, 0.2, 0.3, 0.4},
		}
	}

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	assert.Zero(t, f.cap.called, "render never runs for a checksum twin")
	assert.Zero(t, f.engine.calls, "ocr never runs for a checksum twin")
	assert.Empty(t, f.embed.Calls, "embeddings are reused from the twin")

	pages, _ := f.store.ListPages("version-1")
	assert.Len(t, pages, 3)

	chunks, _ := f.store.ListChunks("version-1")
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.NotEmpty(t, chunk.Vector, "copied chunks keep their vectors")
		doc, ok := f.indexer.docs[chunk.ID]
		require.True(t, ok, "copied chunks are indexed for the new version")
		assert.Equal(t, "version-1", doc.Metadata.DocumentID)
	}

	version, _ := f.store.GetVersion("version-1")
	assert.Equal(t, db.StatusCompleted, version.Status)
	assert.Equal(t, 3, version.TotalPages)
}

func TestReembedCompletedVersionKeepsStatus(t *testing.T) {
	f := newFixture(t, []byte("%PDF-reembed"), imagePages(1))
	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	version, _ := f.store.GetVersion("version-1")
	require.Equal(t, db.StatusCompleted, version.Status)

	reembed := &db.Task{ID: "task-2", Kind: db.TaskKindReEmbed, TargetVersionID: "version-1", Stage: StageAdmit}
	require.NoError(t, f.runner.Run(context.Background(), reembed, f.cp))

	version, _ = f.store.GetVersion("version-1")
	assert.Equal(t, db.StatusCompleted, version.Status)
	assert.Empty(t, version.ErrorMessage)
}

func TestEmbedResumeSkipsVectoredChunks(t *testing.T) {
	f := newFixture(t, []byte("%PDF-resume"), imagePages(1))

	// First run up to the embed stage by running everything, then clear one
	// vector and re-run from embed.
	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))
	chunks, _ := f.store.ListChunks("version-1")
	require.NotEmpty(t, chunks)

	f.store.mu.Lock()
	f.store.chunks[chunks[0].ID].Vector = nil
	f.store.versions["version-1"].Status = db.StatusProcessing
	f.store.mu.Unlock()

	callsBefore := len(f.embed.Calls)
	resumeTask := &db.Task{ID: "task-1", TargetVersionID: "version-1", Stage: StageEmbed}
	require.NoError(t, f.runner.Run(context.Background(), resumeTask, f.cp))

	require.Greater(t, len(f.embed.Calls), callsBefore)
	lastBatch := f.embed.Calls[len(f.embed.Calls)-1]
	assert.Len(t, lastBatch, 1, "only the vectorless chunk is re-embedded")
}

func TestCancelObservedAtCheckpoint(t *testing.T) {
	f := newFixture(t, []byte("%PDF-cancel"), imagePages(2))
	f.cp.cancel = true

	err := f.runner.Run(context.Background(), f.task, f.cp)
	require.Error(t, err)
	assert.True(t, common.IsCancelled(err))
}

func TestPauseObservedAtCheckpoint(t *testing.T) {
	f := newFixture(t, []byte("%PDF-pause"), imagePages(2))
	f.cp.pause = true

	err := f.runner.Run(context.Background(), f.task, f.cp)
	require.ErrorIs(t, err, ErrPaused)
}

func TestSmallDocumentIndexesPageLevel(t *testing.T) {
	pages := []render.PageRender{
		{PageNumber: 1, NativeText: "short page one"},
		{PageNumber: 2, NativeText: "short page two"},
	}
	f := newFixture(t, []byte("small"), pages)
	f.version.FileType = "txt"
	f.runner.opts.PageIndexThreshold = 4000

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	chunks, _ := f.store.ListChunks("version-1")
	require.Len(t, chunks, 2, "below the threshold each page is one chunk")
	assert.Equal(t, "short page one", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].LocalIndex)
}

func TestEmptyPageYieldsNoChunks(t *testing.T) {
	pages := []render.PageRender{
		{PageNumber: 1, NativeText: "only page with content"},
		{PageNumber: 2, NativeText: "   "},
	}
	f := newFixture(t, []byte("gaps"), pages)
	f.version.FileType = "txt"

	require.NoError(t, f.runner.Run(context.Background(), f.task, f.cp))

	chunks, _ := f.store.ListChunks("version-1")
	for _, chunk := range chunks {
		assert.NotEqual(t, 2, chunk.PageNumber, "empty page produces no chunks")
	}
	pagesStored, _ := f.store.ListPages("version-1")
	assert.Len(t, pagesStored, 2, "the empty page record is kept")
}
