package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStaleProgress is returned when a progress update would move backwards.
var ErrStaleProgress = errors.New("stale progress update")

// DocumentStore provides persistence for groups, versions and pages.
type DocumentStore struct {
	db *gorm.DB
}

// NewDocumentStore creates a document store on the given connection.
func NewDocumentStore(gormDB *gorm.DB) *DocumentStore {
	return &DocumentStore{db: gormDB}
}

// DB exposes the underlying connection for cross-store transactions.
func (s *DocumentStore) DB() *gorm.DB {
	return s.db
}

// CreateGroup persists a new document group.
func (s *DocumentStore) CreateGroup(group *DocumentGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	return s.db.Create(group).Error
}

// GetGroup fetches a group by id.
func (s *DocumentStore) GetGroup(id string) (*DocumentGroup, error) {
	var group DocumentGroup
	if err := s.db.First(&group, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindGroupByFilename locates the group for a filename owned by the given
// user, so a re-upload becomes a new version instead of a new group.
func (s *DocumentStore) FindGroupByFilename(ownerID, filename string) (*DocumentGroup, error) {
	var group DocumentGroup
	err := s.db.Where("owner_id = ? AND canonical_filename = ?", ownerID, filename).
		First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// NextVersionNumber returns max(version_number)+1 for the group.
func (s *DocumentStore) NextVersionNumber(groupID string) (int, error) {
	var maxVersion int
	err := s.db.Model(&DocumentVersion{}).
		Where("group_id = ?", groupID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return 0, err
	}
	return maxVersion + 1, nil
}

// CreateVersion persists a new document version.
func (s *DocumentStore) CreateVersion(v *DocumentVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = StatusQueued
	}
	return s.db.Create(v).Error
}

// GetVersion fetches a version by id.
func (s *DocumentStore) GetVersion(id string) (*DocumentVersion, error) {
	var v DocumentVersion
	if err := s.db.First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// GetVersionByNumber fetches a specific version of a group.
func (s *DocumentStore) GetVersionByNumber(groupID string, number int) (*DocumentVersion, error) {
	var v DocumentVersion
	err := s.db.Where("group_id = ? AND version_number = ?", groupID, number).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all versions of a group, newest first.
func (s *DocumentStore) ListVersions(groupID string) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := s.db.Where("group_id = ?", groupID).
		Order("version_number DESC").
		Find(&versions).Error
	return versions, err
}

// FindCompletedByChecksum locates a completed version with identical bytes
// uploaded by the same owner. Used for the admit-stage dedup short-circuit.
func (s *DocumentStore) FindCompletedByChecksum(checksum, ownerID string) (*DocumentVersion, error) {
	var v DocumentVersion
	err := s.db.Where("checksum = ? AND uploaded_by = ? AND status = ?",
		checksum, ownerID, StatusCompleted).
		Order("created_at DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// ListDocumentsOptions filters and pages the document listing.
type ListDocumentsOptions struct {
	OrgID    string
	OwnerID  string
	Status   string
	Page     int
	PageSize int
}

// ListDocuments returns versions matching the options plus the total count.
func (s *DocumentStore) ListDocuments(opts ListDocumentsOptions) ([]DocumentVersion, int64, error) {
	query := s.db.Model(&DocumentVersion{})
	if opts.OrgID != "" {
		query = query.Where("group_id IN (?)",
			s.db.Model(&DocumentGroup{}).Select("id").Where("org_id = ?", opts.OrgID))
	}
	if opts.OwnerID != "" {
		query = query.Where("uploaded_by = ?", opts.OwnerID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}

	var versions []DocumentVersion
	err := query.Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&versions).Error
	return versions, total, err
}

// UpdateStatus moves a version to a new status unless it is already
// terminal. Returns ErrNotFound when the row is missing or terminal.
func (s *DocumentStore) UpdateStatus(versionID, status, message string) error {
	res := s.db.Model(&DocumentVersion{}).
		Where("id = ? AND status NOT IN ?", versionID,
			[]string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(map[string]interface{}{
			"status":           status,
			"progress_message": message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress updates page counters and the progress percentage. The
// conditional update keeps progress monotone for concurrent page workers.
func (s *DocumentStore) SetProgress(versionID string, processedPages, totalPages, percent int, message string) error {
	res := s.db.Model(&DocumentVersion{}).
		Where("id = ? AND progress_percent <= ? AND status NOT IN ?",
			versionID, percent,
			[]string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(map[string]interface{}{
			"processed_pages":  processedPages,
			"total_pages":      totalPages,
			"progress_percent": percent,
			"progress_message": message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleProgress
	}
	return nil
}

// SetTotalPages records the page count discovered by the render stage.
func (s *DocumentStore) SetTotalPages(versionID string, totalPages int) error {
	return s.db.Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Update("total_pages", totalPages).Error
}

// MarkFailed records a permanent failure with a user-facing message. A
// version already in a terminal status is left untouched, so a failed
// re-embed run cannot flip a completed version to failed.
func (s *DocumentStore) MarkFailed(versionID, errorMessage string) error {
	return s.db.Model(&DocumentVersion{}).
		Where("id = ? AND status NOT IN ?", versionID,
			[]string{StatusCompleted, StatusFailed, StatusCancelled}).
		Updates(map[string]interface{}{
			"status":           StatusFailed,
			"error_message":    errorMessage,
			"progress_message": "Processing failed",
		}).Error
}

// MarkSoftDeleted stamps a version as soft deleted. The row and its index
// records survive; the stamp makes the delete visible on listings even when
// no latest flip happens.
func (s *DocumentStore) MarkSoftDeleted(versionID string) error {
	now := time.Now().UTC()
	res := s.db.Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Update("soft_deleted_at", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePermissions replaces visibility and share sets on a version.
func (s *DocumentStore) UpdatePermissions(versionID, visibility string, sharedUsers, sharedRoles []string) error {
	v := DocumentVersion{
		Visibility:      visibility,
		SharedUserIDs:   sharedUsers,
		SharedRoleCodes: sharedRoles,
	}
	res := s.db.Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Select("visibility", "shared_user_ids", "shared_role_codes").
		Updates(v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLatest flips the is_latest flag to the given version inside one
// transaction, preserving the single-latest invariant.
func (s *DocumentStore) SetLatest(groupID, versionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DocumentVersion{}).
			Where("group_id = ? AND id <> ?", groupID, versionID).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		res := tx.Model(&DocumentVersion{}).
			Where("id = ? AND group_id = ?", versionID, groupID).
			Update("is_latest", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpsertPage writes a page record idempotently on (version_id, page_number)
// so a restarted OCR stage can safely re-write a page.
func (s *DocumentStore) UpsertPage(page *Page) error {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "version_id"}, {Name: "page_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"image_key", "ocr_json_key", "text", "avg_confidence", "b_boxes", "vlm_failed",
		}),
	}).Create(page).Error
}

// GetPage fetches one page of a version.
func (s *DocumentStore) GetPage(versionID string, pageNumber int) (*Page, error) {
	var page Page
	err := s.db.Where("version_id = ? AND page_number = ?", versionID, pageNumber).
		First(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &page, nil
}

// ListPages returns all pages of a version in page order.
func (s *DocumentStore) ListPages(versionID string) ([]Page, error) {
	var pages []Page
	err := s.db.Where("version_id = ?", versionID).
		Order("page_number ASC").
		Find(&pages).Error
	return pages, err
}

// CopyPages duplicates the page set of one version onto another. Used by
// the checksum dedup path so the new version gets its own page rows without
// re-running OCR.
func (s *DocumentStore) CopyPages(fromVersionID, toVersionID string) (int, error) {
	pages, err := s.ListPages(fromVersionID)
	if err != nil {
		return 0, err
	}
	for i := range pages {
		page := pages[i]
		page.ID = uuid.New().String()
		page.VersionID = toVersionID
		page.CreatedAt = time.Time{}
		if err := s.UpsertPage(&page); err != nil {
			return i, fmt.Errorf("failed to copy page %d: %w", page.PageNumber, err)
		}
	}
	return len(pages), nil
}

// DeleteVersionRows removes the version and its pages. Callers delete the
// derived chunk records and blobs first.
func (s *DocumentStore) DeleteVersionRows(versionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("version_id = ?", versionID).Delete(&Page{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", versionID).Delete(&DocumentVersion{}).Error
	})
}

// CountByChecksum reports how many version rows reference a raw blob.
// The raw object is content-addressed and shared; it may only be deleted
// when this reaches zero.
func (s *DocumentStore) CountByChecksum(checksum string) (int64, error) {
	var count int64
	err := s.db.Model(&DocumentVersion{}).Where("checksum = ?", checksum).Count(&count).Error
	return count, err
}

// DeleteGroupIfEmpty removes a group that has no remaining versions.
func (s *DocumentStore) DeleteGroupIfEmpty(groupID string) error {
	var count int64
	if err := s.db.Model(&DocumentVersion{}).Where("group_id = ?", groupID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.db.Where("id = ?", groupID).Delete(&DocumentGroup{}).Error
}

// AssignOwnerlessGroups hands groups without an owner to the given user.
// Run by the migrate command after importing legacy data.
func (s *DocumentStore) AssignOwnerlessGroups(ownerID string) (int64, error) {
	res := s.db.Model(&DocumentGroup{}).Where("owner_id IS NULL").Update("owner_id", ownerID)
	return res.RowsAffected, res.Error
}

// OrphanCandidates returns version ids referenced by pages whose owning
// version row is gone. These are reported, never auto-deleted.
func (s *DocumentStore) OrphanCandidates() ([]string, error) {
	var ids []string
	err := s.db.Model(&Page{}).
		Distinct("version_id").
		Where("version_id NOT IN (?)", s.db.Model(&DocumentVersion{}).Select("id")).
		Pluck("version_id", &ids).Error
	return ids, err
}
