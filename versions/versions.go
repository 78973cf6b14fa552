// Package versions implements the version manager: the single-latest
// invariant, restore, hard and soft delete with derived-state cleanup,
// and the orphan report consumed by the cleanup CLI.
package versions

import (
	"context"
	"sort"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/storage"
)

// Store is the slice of the document store the manager drives.
type Store interface {
	GetGroup(id string) (*db.DocumentGroup, error)
	GetVersion(id string) (*db.DocumentVersion, error)
	GetVersionByNumber(groupID string, number int) (*db.DocumentVersion, error)
	ListVersions(groupID string) ([]db.DocumentVersion, error)
	SetLatest(groupID, versionID string) error
	MarkSoftDeleted(versionID string) error
	DeleteChunks(versionID string) error
	DeleteVersionRows(versionID string) error
	DeleteGroupIfEmpty(groupID string) error
	CountByChecksum(checksum string) (int64, error)
	OrphanCandidates() ([]string, error)
}

// Index removes the derived chunk records of a version.
type Index interface {
	DeleteByVersion(ctx context.Context, versionID string) error
}

// Auditor records restores and deletes.
type Auditor interface {
	Record(entry *db.AuditEntry) error
}

// Manager owns version lifecycle beyond the pipeline.
type Manager struct {
	store Store
	index Index
	blobs storage.BlobStore
	audit Auditor
	log   *common.ContextLogger
}

// New creates a version manager.
func New(store Store, index Index, blobs storage.BlobStore, audit Auditor) *Manager {
	return &Manager{
		store: store,
		index: index,
		blobs: blobs,
		audit: audit,
		log:   common.ServiceLogger("versions"),
	}
}

// List returns the version history of a group, newest first.
func (m *Manager) List(groupID string) ([]db.DocumentVersion, error) {
	return m.store.ListVersions(groupID)
}

// Restore marks an earlier completed version latest. The version is not
// reprocessed; its chunk records are already in the index and per-chunk
// visibility is unchanged.
func (m *Manager) Restore(ctx context.Context, userID, groupID string, number int) (*db.DocumentVersion, error) {
	version, err := m.store.GetVersionByNumber(groupID, number)
	if err != nil {
		return nil, err
	}
	if version.Status != db.StatusCompleted {
		return nil, common.PermanentInputf("version %d is %s, only completed versions can be restored", number, version.Status)
	}
	if err := m.store.SetLatest(groupID, version.ID); err != nil {
		return nil, err
	}

	m.record(&db.AuditEntry{
		UserID:     userID,
		Action:     db.AuditRestore,
		Resource:   "document_version",
		ResourceID: version.ID,
		Success:    true,
		Details:    map[string]interface{}{"group_id": groupID, "version_number": number},
	})
	m.log.WithField("group", groupID).WithField("version", number).Info("Version restored")
	return version, nil
}

// Delete removes a version. Soft delete stamps the row and clears the
// latest flag, promoting the highest remaining completed version; the
// chunks stay retrievable by explicit filter. Hard delete removes page
// blobs, index records and metadata rows, and the shared raw blob once no
// other version references it.
func (m *Manager) Delete(ctx context.Context, userID, versionID string, hard bool) error {
	version, err := m.store.GetVersion(versionID)
	if err != nil {
		return err
	}

	if !hard {
		if err := m.store.MarkSoftDeleted(versionID); err != nil {
			return err
		}
		if version.IsLatest {
			if err := m.promoteNext(version); err != nil {
				return err
			}
		}
		m.record(&db.AuditEntry{
			UserID:     userID,
			Action:     db.AuditDelete,
			Resource:   "document_version",
			ResourceID: versionID,
			Success:    true,
			Details:    map[string]interface{}{"hard": false},
		})
		return nil
	}

	if err := m.blobs.DeletePrefix(ctx, storage.VersionPrefix(versionID)); err != nil {
		return err
	}
	if err := m.index.DeleteByVersion(ctx, versionID); err != nil {
		return err
	}
	if err := m.store.DeleteChunks(versionID); err != nil {
		return err
	}
	if err := m.store.DeleteVersionRows(versionID); err != nil {
		return err
	}

	remaining, err := m.store.CountByChecksum(version.Checksum)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := m.blobs.Delete(ctx, storage.RawKey(version.Checksum)); err != nil {
			return err
		}
	}

	if version.IsLatest {
		if err := m.promoteNext(version); err != nil {
			return err
		}
	}
	if err := m.store.DeleteGroupIfEmpty(version.GroupID); err != nil {
		return err
	}

	m.record(&db.AuditEntry{
		UserID:     userID,
		Action:     db.AuditDelete,
		Resource:   "document_version",
		ResourceID: versionID,
		Success:    true,
		Details:    map[string]interface{}{"hard": true, "group_id": version.GroupID},
	})
	m.log.WithField("version", versionID).Info("Version deleted")
	return nil
}

// promoteNext flips latest to the highest-numbered remaining completed
// version of the group, if any.
func (m *Manager) promoteNext(deleted *db.DocumentVersion) error {
	siblings, err := m.store.ListVersions(deleted.GroupID)
	if err != nil {
		return err
	}
	var candidates []db.DocumentVersion
	for _, sibling := range siblings {
		if sibling.ID != deleted.ID && sibling.Status == db.StatusCompleted {
			candidates = append(candidates, sibling)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].VersionNumber > candidates[j].VersionNumber
	})
	return m.store.SetLatest(deleted.GroupID, candidates[0].ID)
}

// CleanupOrphans reports version ids that still have page rows but no
// version row. Candidates are reported, never auto-deleted.
func (m *Manager) CleanupOrphans(ctx context.Context) ([]string, error) {
	ids, err := m.store.OrphanCandidates()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		m.log.WithField("version", id).Warn("Orphaned page rows found")
	}
	return ids, nil
}

func (m *Manager) record(entry *db.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(entry); err != nil {
		m.log.WithError(err).Warn("Audit write failed")
	}
}
