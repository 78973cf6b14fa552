package db

import (
	"time"

	"gorm.io/gorm"
)

// Audit actions recorded by the service.
const (
	AuditLogin              = "login"
	AuditUpload             = "upload"
	AuditDelete             = "delete_document"
	AuditPermissionChange   = "permission_change"
	AuditRestore            = "restore_version"
	AuditToolTokenIssued    = "tool_token_issued"
	AuditToolTokenRevoked   = "tool_token_revoked"
	AuditProcessingFailure  = "processing_failure"
	AuditProcessingComplete = "processing_complete"
)

// AuditStore records security-relevant actions.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates an audit store on the given connection.
func NewAuditStore(gormDB *gorm.DB) *AuditStore {
	return &AuditStore{db: gormDB}
}

// Record persists one audit entry. Failures are returned but callers
// generally log and continue; auditing never blocks the main path.
func (s *AuditStore) Record(entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.db.Create(entry).Error
}

// RecentByUser returns the latest entries for a user.
func (s *AuditStore) RecentByUser(userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditEntry
	err := s.db.Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
