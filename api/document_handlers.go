package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/TocharianOU/newrag/auth"
	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/permission"
	"github.com/TocharianOU/newrag/render"
	"github.com/TocharianOU/newrag/storage"
)

type uploadMeta struct {
	OCREngine      string
	ProcessingMode string
	OrgID          string
	Visibility     string
	Category       string
	Tags           string
	Author         string
	Description    string
}

func uploadMetaFrom(c echo.Context) uploadMeta {
	return uploadMeta{
		OCREngine:      c.FormValue("ocr_engine"),
		ProcessingMode: c.FormValue("processing_mode"),
		OrgID:          c.FormValue("organization_id"),
		Visibility:     c.FormValue("visibility"),
		Category:       c.FormValue("category"),
		Tags:           c.FormValue("tags"),
		Author:         c.FormValue("author"),
		Description:    c.FormValue("description"),
	}
}

type uploadResult struct {
	VersionID     string `json:"version_id"`
	TaskID        string `json:"task_id"`
	GroupID       string `json:"group_id"`
	VersionNumber int    `json:"version_number"`
	Checksum      string `json:"checksum"`
	Filename      string `json:"filename"`
}

func (s *Server) upload(c echo.Context) error {
	claims := claimsOf(c)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return s.respondError(c, common.PermanentInputf("multipart field 'file' is required"))
	}

	result, err := s.ingestFile(c.Request().Context(), claims, fileHeader, uploadMetaFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, result)
}

type batchEntry struct {
	Filename string        `json:"filename"`
	Result   *uploadResult `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (s *Server) uploadBatch(c echo.Context) error {
	claims := claimsOf(c)
	form, err := c.MultipartForm()
	if err != nil {
		return s.respondError(c, common.PermanentInputf("multipart form is required"))
	}
	files := form.File["files"]
	if len(files) == 0 {
		return s.respondError(c, common.PermanentInputf("multipart field 'files' is empty"))
	}

	meta := uploadMetaFrom(c)
	entries := make([]batchEntry, 0, len(files))
	for _, fileHeader := range files {
		entry := batchEntry{Filename: fileHeader.Filename}
		result, err := s.ingestFile(c.Request().Context(), claims, fileHeader, meta)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Result = result
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"uploads": entries})
}

// ingestFile stores the raw bytes, creates the group and version rows and
// enqueues the ingest task. Archives enqueue the parent expansion task.
func (s *Server) ingestFile(ctx context.Context, claims *auth.Claims, fileHeader *multipart.FileHeader, meta uploadMeta) (*uploadResult, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, common.PermanentInputf("failed to open upload: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, common.Transient(err)
	}
	if len(data) == 0 {
		return nil, common.PermanentInputf("uploaded file is empty")
	}

	filename := path.Base(fileHeader.Filename)
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if !render.Supported(ext) {
		return nil, common.PermanentInputf("unsupported file type: %q", ext)
	}

	visibility := meta.Visibility
	if visibility == "" {
		visibility = db.VisibilityPrivate
	}
	if !permission.ValidVisibility(visibility) {
		return nil, common.PermanentInputf("invalid visibility: %q", visibility)
	}
	mode := meta.ProcessingMode
	if mode == "" {
		mode = "fast"
	}
	if mode != "fast" && mode != "deep" {
		return nil, common.PermanentInputf("processing_mode must be fast or deep")
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	rawKey := storage.RawKey(checksum)
	exists, err := s.blobs.Exists(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := s.blobs.Put(ctx, rawKey, data, fileHeader.Header.Get("Content-Type")); err != nil {
			return nil, err
		}
	}

	orgID := meta.OrgID
	if orgID == "" {
		orgID = claims.OrgID
	}

	group, err := s.docs.FindGroupByFilename(claims.UserID, filename)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if group == nil {
		group = &db.DocumentGroup{
			ID:                uuid.NewString(),
			CanonicalFilename: filename,
			OwnerID:           &claims.UserID,
		}
		if orgID != "" {
			group.OrgID = &orgID
		}
		if err := s.docs.CreateGroup(group); err != nil {
			return nil, err
		}
	}

	number, err := s.docs.NextVersionNumber(group.ID)
	if err != nil {
		return nil, err
	}
	version := &db.DocumentVersion{
		ID:             uuid.NewString(),
		GroupID:        group.ID,
		VersionNumber:  number,
		Checksum:       checksum,
		UploadedBy:     &claims.UserID,
		FileType:       ext,
		FileSize:       int64(len(data)),
		StorageKey:     rawKey,
		Status:         db.StatusQueued,
		Visibility:     visibility,
		Category:       meta.Category,
		Tags:           meta.Tags,
		Author:         meta.Author,
		Description:    meta.Description,
		OCREngine:      meta.OCREngine,
		ProcessingMode: mode,
	}
	if err := s.docs.CreateVersion(version); err != nil {
		return nil, err
	}

	kind := db.TaskKindIngest
	if render.IsArchive(ext) {
		kind = db.TaskKindArchive
	}
	created, err := s.tasks.Enqueue(ctx, kind, version.ID)
	if err != nil {
		return nil, err
	}

	s.record(&db.AuditEntry{
		UserID:     claims.UserID,
		Username:   claims.Username,
		Action:     db.AuditUpload,
		Resource:   "document_version",
		ResourceID: version.ID,
		Success:    true,
		Details: map[string]interface{}{
			"filename": filename,
			"size":     humanize.Bytes(uint64(len(data))),
			"kind":     kind,
		},
	})
	return &uploadResult{
		VersionID:     version.ID,
		TaskID:        created.ID,
		GroupID:       group.ID,
		VersionNumber: number,
		Checksum:      checksum,
		Filename:      filename,
	}, nil
}

func (s *Server) listDocuments(c echo.Context) error {
	actor := actorOf(c)
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	opts := db.ListDocumentsOptions{
		OrgID:    c.QueryParam("organization_id"),
		Status:   c.QueryParam("status"),
		Page:     page,
		PageSize: pageSize,
	}
	versions, total, err := s.docs.ListDocuments(opts)
	if err != nil {
		return s.respondError(c, err)
	}

	visible := make([]db.DocumentVersion, 0, len(versions))
	for _, version := range versions {
		group, err := s.docs.GetGroup(version.GroupID)
		if err != nil {
			continue
		}
		if permission.CanRead(actor, permission.ResourceOf(group, &version)) {
			visible = append(visible, version)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"documents": visible,
		"total":     total,
	})
}

func (s *Server) documentProgress(c echo.Context) error {
	version, group, err := s.loadVersion(c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if err := permission.RequireRead(actorOf(c), permission.ResourceOf(group, version)); err != nil {
		return s.respondError(c, err)
	}

	resp := map[string]interface{}{
		"status":              version.Status,
		"progress_percentage": version.ProgressPercent,
		"processed_pages":     version.ProcessedPages,
		"total_pages":         version.TotalPages,
		"message":             version.ProgressMessage,
	}
	if version.ErrorMessage != "" {
		resp["error"] = version.ErrorMessage
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteDocument(c echo.Context) error {
	actor := actorOf(c)
	version, group, err := s.loadVersion(c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if err := permission.RequireModify(actor, permission.ResourceOf(group, version)); err != nil {
		return s.respondError(c, err)
	}

	// Hard delete is reserved for an explicit superuser request.
	hard := c.QueryParam("hard") == "true" && actor.IsSuperuser
	if err := s.versions.Delete(c.Request().Context(), actor.UserID, version.ID, hard); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listVersions(c echo.Context) error {
	actor := actorOf(c)
	group, err := s.docs.GetGroup(c.Param("group_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	history, err := s.versions.List(group.ID)
	if err != nil {
		return s.respondError(c, err)
	}

	visible := make([]db.DocumentVersion, 0, len(history))
	for _, version := range history {
		if permission.CanRead(actor, permission.ResourceOf(group, &version)) {
			visible = append(visible, version)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"versions": visible})
}

func (s *Server) restoreVersion(c echo.Context) error {
	actor := actorOf(c)
	group, err := s.docs.GetGroup(c.Param("group_id"))
	if err != nil {
		return s.respondError(c, err)
	}
	number, err := strconv.Atoi(c.Param("n"))
	if err != nil || number < 1 {
		return s.respondError(c, common.PermanentInputf("invalid version number"))
	}
	// Restore needs ownership of the group; sharing never grants writes.
	groupResource := permission.Resource{Visibility: db.VisibilityPrivate}
	if group.OwnerID != nil {
		groupResource.OwnerID = *group.OwnerID
	}
	if group.OrgID != nil {
		groupResource.OrgID = *group.OrgID
	}
	if err := permission.RequireModify(actor, groupResource); err != nil {
		return s.respondError(c, err)
	}

	version, err := s.versions.Restore(c.Request().Context(), actor.UserID, group.ID, number)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, version)
}

type permissionsRequest struct {
	Visibility      string   `json:"visibility"`
	SharedWithUsers []string `json:"shared_with_users"`
	SharedWithRoles []string `json:"shared_with_roles"`
}

func (s *Server) updatePermissions(c echo.Context) error {
	actor := actorOf(c)
	version, group, err := s.loadVersion(c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if err := permission.RequireModify(actor, permission.ResourceOf(group, version)); err != nil {
		return s.respondError(c, err)
	}

	var req permissionsRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, common.PermanentInputf("invalid request body"))
	}
	if !permission.ValidVisibility(req.Visibility) {
		return s.respondError(c, common.PermanentInputf("invalid visibility: %q", req.Visibility))
	}

	if err := s.docs.UpdatePermissions(version.ID, req.Visibility, req.SharedWithUsers, req.SharedWithRoles); err != nil {
		return s.respondError(c, err)
	}
	updated, err := s.index.UpdatePermissionsByVersion(c.Request().Context(), version.ID, index.PermissionUpdate{
		Visibility:      req.Visibility,
		SharedWithUsers: req.SharedWithUsers,
		SharedWithRoles: req.SharedWithRoles,
	})
	if err != nil {
		return s.respondError(c, err)
	}

	s.record(&db.AuditEntry{
		UserID:     actor.UserID,
		Action:     db.AuditPermissionChange,
		Resource:   "document_version",
		ResourceID: version.ID,
		Success:    true,
		Details: map[string]interface{}{
			"visibility":   req.Visibility,
			"shared_users": len(req.SharedWithUsers),
			"shared_roles": len(req.SharedWithRoles),
		},
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"updated_chunks": updated})
}

func (s *Server) loadVersion(id string) (*db.DocumentVersion, *db.DocumentGroup, error) {
	version, err := s.docs.GetVersion(id)
	if err != nil {
		return nil, nil, err
	}
	group, err := s.docs.GetGroup(version.GroupID)
	if err != nil {
		return nil, nil, err
	}
	return version, group, nil
}

func (s *Server) record(entry *db.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(entry); err != nil {
		s.log.WithError(err).Warn("Audit write failed")
	}
}
