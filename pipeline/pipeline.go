// Package pipeline implements the per-version processing stages: admit,
// render, per-page OCR, chunk, embed, index, finalize. Every stage is
// idempotent under (version, stage, cursor); a restarted task resumes from
// the last durable checkpoint instead of redoing finished work.
package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TocharianOU/newrag/chunker"
	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/gateway"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/render"
	"github.com/TocharianOU/newrag/storage"
)

// Stage names, in execution order.
const (
	StageAdmit    = "admit"
	StageRender   = "render"
	StageOCR      = "ocr"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageIndex    = "index"
	StageFinalize = "finalize"
)

var stageOrder = []string{StageAdmit, StageRender, StageOCR, StageChunk, StageEmbed, StageIndex, StageFinalize}

// dedupSkips lists the stages a checksum twin makes redundant. The index
// stage still runs: the new version needs its own records with its own
// permission snapshot.
var dedupSkips = map[string]bool{
	StageRender: true,
	StageOCR:    true,
	StageChunk:  true,
	StageEmbed:  true,
}

// ErrPaused is returned when a pause request is observed at a checkpoint.
// The task keeps its stage and cursor and resumes from there.
var ErrPaused = errors.New("pause requested")

// Store is the slice of the document store the pipeline writes through.
type Store interface {
	GetGroup(id string) (*db.DocumentGroup, error)
	GetVersion(id string) (*db.DocumentVersion, error)
	FindCompletedByChecksum(checksum, ownerID string) (*db.DocumentVersion, error)
	CopyPages(fromVersionID, toVersionID string) (int, error)
	CopyChunks(fromVersionID, toVersionID string) (int, error)
	SetTotalPages(versionID string, totalPages int) error
	SetProgress(versionID string, processedPages, totalPages, percent int, message string) error
	UpdateStatus(versionID, status, message string) error
	UpsertPage(page *db.Page) error
	ListPages(versionID string) ([]db.Page, error)
	UpsertChunks(chunks []db.Chunk) error
	ListChunks(versionID string) ([]db.Chunk, error)
	ChunksWithoutVector(versionID string) ([]db.Chunk, error)
	SetChunkVectors(ids []string, vectors [][]float32) error
	SetLatest(groupID, versionID string) error
}

// Indexer is the slice of the search index the pipeline writes through.
type Indexer interface {
	BulkIndex(ctx context.Context, docs []index.ChunkDocument) (int, error)
	DeleteByVersion(ctx context.Context, versionID string) error
}

// Auditor records finalize events.
type Auditor interface {
	Record(entry *db.AuditEntry) error
}

// Checkpointer persists stage progress and exposes the cooperative control
// flags. The task manager binds it to a claimed task.
type Checkpointer interface {
	Save(stage string, cursor int) error
	Flags() (pause, cancel bool, err error)
}

// CapabilityResolver maps a file type onto its render capability.
type CapabilityResolver interface {
	For(fileType string) (render.Capability, error)
}

// Options tune the pipeline.
type Options struct {
	AdmitLimit         int
	PageParallelism    int
	RescanConfidence   float64
	RescanScale        float64
	PageIndexThreshold int
	IndexBatchSize     int
}

// Runner executes the stage graph for claimed tasks.
type Runner struct {
	store    Store
	blobs    storage.BlobStore
	indexer  Indexer
	embedder gateway.Embedder
	vlm      gateway.VisionCorrector
	caps     CapabilityResolver
	engines  *render.EngineSet
	audit    Auditor
	splitter *chunker.Splitter
	admitSem *semaphore.Weighted
	opts     Options
	log      *common.ContextLogger
}

// NewRunner wires the pipeline dependencies.
func NewRunner(store Store, blobs storage.BlobStore, indexer Indexer, embedder gateway.Embedder,
	vlm gateway.VisionCorrector, caps CapabilityResolver, engines *render.EngineSet, audit Auditor, opts Options) *Runner {
	if opts.AdmitLimit <= 0 {
		opts.AdmitLimit = 8
	}
	if opts.PageParallelism <= 0 {
		opts.PageParallelism = 4
	}
	if opts.PageIndexThreshold <= 0 {
		opts.PageIndexThreshold = 4000
	}
	if opts.IndexBatchSize <= 0 {
		opts.IndexBatchSize = 500
	}
	return &Runner{
		store:    store,
		blobs:    blobs,
		indexer:  indexer,
		embedder: embedder,
		vlm:      vlm,
		caps:     caps,
		engines:  engines,
		audit:    audit,
		splitter: chunker.NewSplitter(),
		admitSem: semaphore.NewWeighted(int64(opts.AdmitLimit)),
		opts:     opts,
		log:      common.ServiceLogger("pipeline"),
	}
}

// run-scoped state shared across stages.
type run struct {
	task    *db.Task
	version *db.DocumentVersion
	group   *db.DocumentGroup
	cp      Checkpointer

	// set by admit when a checksum twin was linked; render and ocr are
	// skipped because the pages were copied.
	deduplicated bool
}

// Run executes the stage graph for a claimed task, resuming at the task's
// durable stage and cursor. It returns ErrPaused, common.ErrCancelled, or a
// classified stage error; the task manager maps those onto task state.
func (r *Runner) Run(ctx context.Context, task *db.Task, cp Checkpointer) error {
	version, err := r.store.GetVersion(task.TargetVersionID)
	if err != nil {
		return common.Invariantf("task %s references missing version %s: %v", task.ID, task.TargetVersionID, err)
	}
	group, err := r.store.GetGroup(version.GroupID)
	if err != nil {
		return common.Invariantf("version %s references missing group %s: %v", version.ID, version.GroupID, err)
	}

	if version.Status == db.StatusQueued {
		if err := r.store.UpdateStatus(version.ID, db.StatusProcessing, "processing started"); err != nil {
			return err
		}
	}

	st := &run{task: task, version: version, group: group, cp: cp}

	startStage := task.Stage
	if startStage == "" {
		startStage = StageAdmit
	}
	started := false
	for _, stage := range stageOrder {
		if !started {
			if stage != startStage {
				continue
			}
			started = true
		}
		// A checksum twin already supplied pages, chunks and vectors;
		// only index and finalize run for the new version.
		if st.deduplicated && dedupSkips[stage] {
			continue
		}

		if err := r.checkControl(st); err != nil {
			return err
		}

		cursor := 0
		if stage == task.Stage {
			cursor = task.StageCursor
		}

		log := r.log.WithField("task", task.ID).WithField("version", version.ID).WithField("stage", stage)
		log.Debug("Stage starting")
		start := time.Now()

		var stageErr error
		switch stage {
		case StageAdmit:
			stageErr = r.admit(ctx, st)
		case StageRender:
			stageErr = r.renderStage(ctx, st, cursor)
		case StageOCR:
			stageErr = r.ocrStage(ctx, st, cursor)
		case StageChunk:
			stageErr = r.chunkStage(ctx, st, cursor)
		case StageEmbed:
			stageErr = r.embedStage(ctx, st, cursor)
		case StageIndex:
			stageErr = r.indexStage(ctx, st, cursor)
		case StageFinalize:
			stageErr = r.finalize(ctx, st)
		}
		if stageErr != nil {
			return stageErr
		}
		log.WithField("took", time.Since(start).Round(time.Millisecond)).Debug("Stage complete")

		if next := nextStage(stage); next != "" {
			if err := st.cp.Save(next, 0); err != nil {
				return err
			}
		}
	}
	if !started {
		return common.Invariantf("task %s carries unknown stage %q", task.ID, task.Stage)
	}
	return nil
}

func nextStage(stage string) string {
	for i, name := range stageOrder {
		if name == stage && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// checkControl observes the cooperative flags. Called at every checkpoint.
func (r *Runner) checkControl(st *run) error {
	pause, cancel, err := st.cp.Flags()
	if err != nil {
		return err
	}
	if cancel {
		return common.ErrCancelled
	}
	if pause {
		return ErrPaused
	}
	return nil
}

// progress maps a stage and its completion fraction onto the version's
// overall percentage. OCR dominates because it is the slow stage.
func (r *Runner) progress(st *run, stage string, frac float64, processed int, message string) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	var base, span float64
	switch stage {
	case StageAdmit:
		base, span = 0, 5
	case StageRender:
		base, span = 5, 15
	case StageOCR:
		base, span = 20, 50
	case StageChunk:
		base, span = 70, 5
	case StageEmbed:
		base, span = 75, 15
	case StageIndex:
		base, span = 90, 8
	case StageFinalize:
		base, span = 98, 2
	}
	percent := int(base + span*frac)
	if err := r.store.SetProgress(st.version.ID, processed, st.version.TotalPages, percent, message); err != nil && !errors.Is(err, db.ErrStaleProgress) {
		r.log.WithError(err).WithField("version", st.version.ID).Warn("Progress update failed")
	}
}
