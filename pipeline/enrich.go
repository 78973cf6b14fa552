package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/index"
)

// chunkStage splits page text into chunk rows with empty vectors. Small
// documents fall back to one chunk per page so single-fact files are not
// shredded below retrieval quality.
func (r *Runner) chunkStage(ctx context.Context, st *run, cursor int) error {
	pages, err := r.store.ListPages(st.version.ID)
	if err != nil {
		return err
	}

	totalChars := 0
	for _, page := range pages {
		totalChars += len(page.Text)
	}
	pageLevel := totalChars < r.opts.PageIndexThreshold

	for _, page := range pages {
		if page.PageNumber <= cursor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var texts []string
		if pageLevel {
			if trimmed := strings.TrimSpace(page.Text); trimmed != "" {
				texts = []string{trimmed}
			}
		} else {
			texts = r.splitter.Split(page.Text)
		}

		chunks := make([]db.Chunk, 0, len(texts))
		for i, text := range texts {
			chunks = append(chunks, db.Chunk{
				ID:         db.ChunkID(st.version.ID, page.PageNumber, i),
				VersionID:  st.version.ID,
				PageNumber: page.PageNumber,
				LocalIndex: i,
				Text:       text,
			})
		}
		if err := r.store.UpsertChunks(chunks); err != nil {
			return err
		}

		if err := st.cp.Save(StageChunk, page.PageNumber); err != nil {
			return err
		}
		if err := r.checkControl(st); err != nil {
			return err
		}
	}
	r.progress(st, StageChunk, 1, st.version.TotalPages, "chunked")
	return nil
}

// embedStage writes vectors for every chunk that does not have one yet. A
// crash between batches loses nothing: the next attempt re-reads the set of
// vectorless chunks and continues.
func (r *Runner) embedStage(ctx context.Context, st *run, cursor int) error {
	pending, err := r.store.ChunksWithoutVector(st.version.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	batchSize := r.embedder.BatchSize()
	batchesDone := cursor
	total := len(pending)
	done := 0

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		ids := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
			ids[i] = chunk.ID
		}

		vectors, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if err := r.store.SetChunkVectors(ids, vectors); err != nil {
			return err
		}

		batchesDone++
		done += len(batch)
		if err := st.cp.Save(StageEmbed, batchesDone); err != nil {
			return err
		}
		if err := r.checkControl(st); err != nil {
			return err
		}
		r.progress(st, StageEmbed, float64(done)/float64(total), st.version.TotalPages,
			fmt.Sprintf("embedded %d/%d chunks", done, total))
	}
	return nil
}

// indexStage bulk-writes chunk documents with the full permission snapshot.
// Writes are idempotent on chunk id, so a redone batch overwrites itself.
func (r *Runner) indexStage(ctx context.Context, st *run, cursor int) error {
	chunks, err := r.store.ListChunks(st.version.ID)
	if err != nil {
		return err
	}
	pages, err := r.store.ListPages(st.version.ID)
	if err != nil {
		return err
	}
	imageKeys := make(map[int]string, len(pages))
	for _, page := range pages {
		imageKeys[page.PageNumber] = page.ImageKey
	}

	docs := make([]index.ChunkDocument, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Vector) == 0 {
			return common.Invariantf("chunk %s reached index stage without a vector", chunk.ID)
		}
		docs = append(docs, r.buildDocument(st, chunk, imageKeys[chunk.PageNumber]))
	}

	for start := cursor; start < len(docs); start += r.opts.IndexBatchSize {
		end := start + r.opts.IndexBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if _, err := r.indexer.BulkIndex(ctx, docs[start:end]); err != nil {
			return err
		}
		if err := st.cp.Save(StageIndex, end); err != nil {
			return err
		}
		if err := r.checkControl(st); err != nil {
			return err
		}
		r.progress(st, StageIndex, float64(end)/float64(len(docs)), st.version.TotalPages,
			fmt.Sprintf("indexed %d/%d chunks", end, len(docs)))
	}
	return nil
}

func (r *Runner) buildDocument(st *run, chunk db.Chunk, pageImageKey string) index.ChunkDocument {
	meta := index.ChunkMetadata{
		DocumentID:      st.version.ID,
		GroupID:         st.group.ID,
		Filename:        st.group.CanonicalFilename,
		Filepath:        st.version.StorageKey,
		FileType:        st.version.FileType,
		PageNumber:      chunk.PageNumber,
		ChunkIndex:      chunk.LocalIndex,
		Visibility:      st.version.Visibility,
		SharedWithUsers: orEmpty(st.version.SharedUserIDs),
		SharedWithRoles: orEmpty(st.version.SharedRoleCodes),
		Checksum:        st.version.Checksum,
		OriginalFileURL: st.version.StorageKey,
		PageImageURL:    pageImageKey,
		Category:        st.version.Category,
		Tags:            st.version.Tags,
		Author:          st.version.Author,
		Description:     st.version.Description,
		UpdatedAt:       time.Now().UTC(),
	}
	if st.group.OwnerID != nil {
		meta.OwnerID = *st.group.OwnerID
	}
	if st.group.OrgID != nil {
		meta.OrgID = *st.group.OrgID
	}
	return index.ChunkDocument{
		ChunkID:       chunk.ID,
		Text:          chunk.Text,
		ContentVector: chunk.Vector,
		Metadata:      meta,
	}
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// finalize completes the version: progress 100, status completed, latest
// flip, audit entry.
func (r *Runner) finalize(ctx context.Context, st *run) error {
	chunks, err := r.store.ListChunks(st.version.ID)
	if err != nil {
		return err
	}

	r.progress(st, StageFinalize, 1, st.version.TotalPages, "complete")
	// A re-embed run finds the version already completed; the terminal
	// guard reports that as ErrNotFound and the status stays as it is.
	if err := r.store.UpdateStatus(st.version.ID, db.StatusCompleted, "processing complete"); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err := r.store.SetLatest(st.group.ID, st.version.ID); err != nil {
		return err
	}

	entry := &db.AuditEntry{
		Action:     db.AuditProcessingComplete,
		Resource:   "document_version",
		ResourceID: st.version.ID,
		Success:    true,
		Details: map[string]interface{}{
			"group_id":  st.group.ID,
			"pages":     st.version.TotalPages,
			"chunks":    len(chunks),
			"file_size": humanize.Bytes(uint64(st.version.FileSize)),
		},
	}
	if st.group.OwnerID != nil {
		entry.UserID = *st.group.OwnerID
	}
	if err := r.audit.Record(entry); err != nil {
		r.log.WithError(err).Warn("Audit write failed")
	}

	r.log.WithField("version", st.version.ID).
		WithField("pages", st.version.TotalPages).
		WithField("chunks", len(chunks)).
		Info("Document processing complete")
	return nil
}
