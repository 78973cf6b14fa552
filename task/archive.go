package task

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/pipeline"
	"github.com/TocharianOU/newrag/render"
	"github.com/TocharianOU/newrag/storage"
)

// expandArchive turns a ZIP upload into one child ingest task per supported
// entry. Expansion is idempotent: a re-claimed parent that already recorded
// its children only re-checks their completion.
func (m *Manager) expandArchive(ctx context.Context, task *db.Task) error {
	if task.TotalChildren > 0 {
		return nil
	}

	version, err := m.docs.GetVersion(task.TargetVersionID)
	if err != nil {
		return common.Invariantf("archive task %s references missing version: %v", task.ID, err)
	}
	group, err := m.docs.GetGroup(version.GroupID)
	if err != nil {
		return common.Invariantf("archive version %s references missing group: %v", version.ID, err)
	}

	raw, err := m.blobs.Get(ctx, version.StorageKey)
	if err != nil {
		return err
	}
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return common.PermanentInputf("not a valid zip archive: %v", err)
	}

	created := 0
	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := path.Base(entry.Name)
		if entry.FileInfo().IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(entry.Name, "__MACOSX/") {
			continue
		}
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
		// Nested archives are skipped rather than recursed.
		if !render.Supported(ext) || render.IsArchive(ext) {
			m.log.WithField("entry", entry.Name).Debug("Skipping unsupported archive entry")
			continue
		}

		data, err := readEntry(entry)
		if err != nil {
			return common.PermanentInputf("failed to read archive entry %s: %v", entry.Name, err)
		}
		if len(data) == 0 {
			continue
		}

		if err := m.createChild(ctx, task, version, group, name, ext, data); err != nil {
			return err
		}
		created++
	}
	if created == 0 {
		return common.PermanentInputf("archive contains no supported entries")
	}

	if err := m.tasks.SetTotalChildren(task.ID, created); err != nil {
		return err
	}
	if err := m.docs.UpdateStatus(version.ID, db.StatusCompleted,
		fmt.Sprintf("archive expanded into %d documents", created)); err != nil {
		return err
	}
	m.log.WithField("task", task.ID).WithField("children", created).Info("Archive expanded")
	return nil
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// createChild stores the entry bytes and enqueues a dependent ingest task.
// The child inherits the parent's permissions, engine and mode.
func (m *Manager) createChild(ctx context.Context, parent *db.Task, parentVersion *db.DocumentVersion,
	parentGroup *db.DocumentGroup, filename, ext string, data []byte) error {

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	rawKey := storage.RawKey(checksum)

	exists, err := m.blobs.Exists(ctx, rawKey)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := m.blobs.Put(ctx, rawKey, data, "application/octet-stream"); err != nil {
			return err
		}
	}

	owner := ""
	if parentGroup.OwnerID != nil {
		owner = *parentGroup.OwnerID
	}
	group, err := m.docs.FindGroupByFilename(owner, filename)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if group == nil {
		group = &db.DocumentGroup{
			ID:                uuid.NewString(),
			CanonicalFilename: filename,
			OwnerID:           parentGroup.OwnerID,
			OrgID:             parentGroup.OrgID,
		}
		if err := m.docs.CreateGroup(group); err != nil {
			return err
		}
	}

	number, err := m.docs.NextVersionNumber(group.ID)
	if err != nil {
		return err
	}
	child := &db.DocumentVersion{
		ID:              uuid.NewString(),
		GroupID:         group.ID,
		VersionNumber:   number,
		Checksum:        checksum,
		UploadedBy:      parentVersion.UploadedBy,
		FileType:        ext,
		FileSize:        int64(len(data)),
		StorageKey:      rawKey,
		Status:          db.StatusQueued,
		Visibility:      parentVersion.Visibility,
		SharedUserIDs:   parentVersion.SharedUserIDs,
		SharedRoleCodes: parentVersion.SharedRoleCodes,
		OCREngine:       parentVersion.OCREngine,
		ProcessingMode:  parentVersion.ProcessingMode,
	}
	if err := m.docs.CreateVersion(child); err != nil {
		return err
	}

	childTask := &db.Task{
		Kind:            db.TaskKindIngest,
		TargetVersionID: child.ID,
		State:           db.TaskQueued,
		Stage:           pipeline.StageAdmit,
		ParentID:        &parent.ID,
	}
	if err := m.tasks.Create(childTask); err != nil {
		return err
	}
	m.notify(ctx, childTask.ID)
	return nil
}
