package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/render"
	"github.com/TocharianOU/newrag/storage"
)

// admit verifies the stored bytes against the recorded checksum and links
// to an existing completed version when the same owner already processed
// identical content.
func (r *Runner) admit(ctx context.Context, st *run) error {
	if err := r.admitSem.Acquire(ctx, 1); err != nil {
		return common.Transient(err)
	}
	defer r.admitSem.Release(1)

	raw, err := r.blobs.Get(ctx, st.version.StorageKey)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	if actual := hex.EncodeToString(sum[:]); actual != st.version.Checksum {
		return common.PermanentInputf("stored bytes do not match checksum: got %s want %s", actual, st.version.Checksum)
	}

	owner := ""
	if st.version.UploadedBy != nil {
		owner = *st.version.UploadedBy
	}
	if owner != "" {
		twin, err := r.store.FindCompletedByChecksum(st.version.Checksum, owner)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if twin != nil && twin.ID != st.version.ID {
			copiedPages, err := r.store.CopyPages(twin.ID, st.version.ID)
			if err != nil {
				return err
			}
			copiedChunks, err := r.store.CopyChunks(twin.ID, st.version.ID)
			if err != nil {
				return err
			}
			if err := r.store.SetTotalPages(st.version.ID, twin.TotalPages); err != nil {
				return err
			}
			st.version.TotalPages = twin.TotalPages
			st.deduplicated = true
			r.log.WithField("version", st.version.ID).
				WithField("twin", twin.ID).
				WithField("pages", copiedPages).
				WithField("chunks", copiedChunks).
				Info("Checksum twin found, pages and embeddings linked")
		}
	}

	r.progress(st, StageAdmit, 1, 0, "admitted")
	return nil
}

// renderStage produces page images and native text. Pages up to the cursor
// were persisted by an earlier attempt; the sequence is not restartable, so
// they are rendered again but not re-persisted.
func (r *Runner) renderStage(ctx context.Context, st *run, cursor int) error {
	raw, err := r.blobs.Get(ctx, st.version.StorageKey)
	if err != nil {
		return err
	}

	capability, err := r.caps.For(st.version.FileType)
	if err != nil {
		return err
	}
	seq, err := capability.RenderPages(ctx, raw, st.group.CanonicalFilename)
	if err != nil {
		return err
	}
	defer func() {
		if err := seq.Close(ctx); err != nil {
			r.log.WithError(err).Warn("Render sequence release failed")
		}
	}()

	total := seq.TotalPages()
	if err := r.store.SetTotalPages(st.version.ID, total); err != nil {
		return err
	}
	st.version.TotalPages = total

	for {
		page, err := seq.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if page.PageNumber <= cursor {
			continue
		}

		imageKey := ""
		if len(page.Image) > 0 {
			imageKey = storage.PageImageKey(st.version.ID, page.PageNumber)
			if _, err := r.blobs.Put(ctx, imageKey, page.Image, "image/png"); err != nil {
				return err
			}
		}
		if err := r.store.UpsertPage(&db.Page{
			ID:         uuid.NewString(),
			VersionID:  st.version.ID,
			PageNumber: page.PageNumber,
			ImageKey:   imageKey,
			Text:       page.NativeText,
		}); err != nil {
			return err
		}

		if err := st.cp.Save(StageRender, page.PageNumber); err != nil {
			return err
		}
		if err := r.checkControl(st); err != nil {
			return err
		}
		r.progress(st, StageRender, float64(page.PageNumber)/float64(total), 0,
			fmt.Sprintf("rendered page %d/%d", page.PageNumber, total))
	}
	return nil
}

// ocrStage recognizes text on every rendered page. Pages run in parallel
// batches; the cursor advances a batch at a time so a restart redoes at
// most one batch.
func (r *Runner) ocrStage(ctx context.Context, st *run, cursor int) error {
	engine, err := r.engines.Resolve(st.version.OCREngine)
	if err != nil {
		return err
	}
	var deepPass *render.DeepPass
	if st.version.ProcessingMode == "deep" {
		deepPass = render.NewDeepPass(engine, r.opts.RescanConfidence, r.opts.RescanScale)
	}

	pages, err := r.store.ListPages(st.version.ID)
	if err != nil {
		return err
	}

	var pending []db.Page
	for _, page := range pages {
		if page.PageNumber > cursor {
			pending = append(pending, page)
		}
	}
	total := len(pages)
	done := total - len(pending)

	for start := 0; start < len(pending); start += r.opts.PageParallelism {
		end := start + r.opts.PageParallelism
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		group, groupCtx := errgroup.WithContext(ctx)
		for _, page := range batch {
			page := page
			group.Go(func() error {
				return r.processPage(groupCtx, st, engine, deepPass, page)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		done += len(batch)
		lastPage := batch[len(batch)-1].PageNumber
		if err := st.cp.Save(StageOCR, lastPage); err != nil {
			return err
		}
		if err := r.checkControl(st); err != nil {
			return err
		}
		r.progress(st, StageOCR, float64(done)/float64(total), done,
			fmt.Sprintf("recognized page %d/%d", done, total))
	}
	return nil
}

// processPage runs OCR and correction for one page and persists the result.
// Native text always wins over OCR for the page text; OCR still supplies
// the bounding boxes used for highlight provenance.
func (r *Runner) processPage(ctx context.Context, st *run, engine render.Engine, deepPass *render.DeepPass, page db.Page) error {
	nativeText := strings.TrimSpace(page.Text)

	// Text-only pages have no image to recognize.
	if page.ImageKey == "" {
		return nil
	}

	image, err := r.blobs.Get(ctx, page.ImageKey)
	if err != nil {
		return err
	}
	boxes, err := engine.Recognize(ctx, image)
	if err != nil {
		return err
	}
	render.SortReadingOrder(boxes)
	if deepPass != nil {
		boxes = deepPass.Rescan(ctx, image, boxes)
	}
	avgConfidence := render.AvgConfidence(boxes)
	ocrText := render.JoinText(boxes)

	text := nativeText
	vlmFailed := false
	if text == "" && ocrText != "" {
		corrected, err := r.vlm.Correct(ctx, ocrText, image)
		if err != nil {
			if common.IsCancelled(err) || ctx.Err() != nil {
				return err
			}
			r.log.WithError(err).
				WithField("version", st.version.ID).
				WithField("page", page.PageNumber).
				Warn("VLM correction failed, keeping raw OCR text")
			text = ocrText
			vlmFailed = true
		} else {
			text = corrected
		}
	}

	ocrKey := storage.PageOCRKey(st.version.ID, page.PageNumber)
	payload, err := json.Marshal(boxes)
	if err != nil {
		return err
	}
	if _, err := r.blobs.Put(ctx, ocrKey, payload, "application/json"); err != nil {
		return err
	}

	page.OCRJSONKey = ocrKey
	page.Text = text
	page.AvgConfidence = avgConfidence
	page.BBoxes = boxes
	page.VLMFailed = vlmFailed
	return r.store.UpsertPage(&page)
}
