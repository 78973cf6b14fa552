// Package db implements the relational metadata store for the knowledge
// base: organizations, users, document groups and versions, pages, tasks,
// tokens and audit entries. It is the single source of truth for task and
// version state; the blob store and search index are derived from it.
package db

import (
	"time"
)

// Version status values.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Visibility values.
const (
	VisibilityPublic       = "public"
	VisibilityOrganization = "organization"
	VisibilityPrivate      = "private"
)

// Task states.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskPaused    = "paused"
	TaskCancelled = "cancelled"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task kinds.
const (
	TaskKindIngest  = "ingest_document"
	TaskKindArchive = "ingest_archive"
	TaskKindReEmbed = "re_embed"
	TaskKindCleanup = "cleanup"
)

// Standard role codes.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Organization is a container for users and org-scoped documents.
type Organization struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	Name        string `gorm:"uniqueIndex;size:255" json:"name"`
	Description string `gorm:"size:1024" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is an account. A superuser bypasses all permission predicates.
type User struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:50" json:"username"`
	Email        string     `gorm:"size:255" json:"email,omitempty"`
	PasswordHash string     `gorm:"size:255" json:"-"`
	OrgID        *string    `gorm:"size:36;index" json:"org_id,omitempty"`
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	IsSuperuser  bool       `json:"is_superuser"`
	RoleCodes    []string   `gorm:"serializer:json" json:"role_codes"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Role is a closed set for core semantics: admin, editor, viewer.
// Additional codes may exist but do not affect core behavior.
type Role struct {
	Code   string `gorm:"primaryKey;size:50" json:"code"`
	Name   string `gorm:"size:255" json:"name"`
	System bool   `json:"system"`
}

// DocumentGroup is the logical identity shared across versions of the same
// document.
type DocumentGroup struct {
	ID                string    `gorm:"primaryKey;size:36" json:"group_id"`
	CanonicalFilename string    `gorm:"size:512" json:"canonical_filename"`
	OwnerID           *string   `gorm:"size:36;index" json:"owner_id,omitempty"`
	OrgID             *string   `gorm:"size:36;index" json:"org_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// DocumentVersion is one processed upload within a group. Exactly one
// version per group has IsLatest set.
type DocumentVersion struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	GroupID       string `gorm:"size:36;uniqueIndex:idx_group_version" json:"group_id"`
	VersionNumber int    `gorm:"uniqueIndex:idx_group_version" json:"version_number"`
	IsLatest      bool   `gorm:"index" json:"is_latest"`

	Checksum   string  `gorm:"size:64;index:idx_checksum_owner" json:"checksum"`
	UploadedBy *string `gorm:"size:36;index:idx_checksum_owner" json:"uploaded_by,omitempty"`

	FileType   string `gorm:"size:16" json:"file_type"`
	FileSize   int64  `json:"file_size"`
	StorageKey string `gorm:"size:512" json:"storage_key"`

	Status          string     `gorm:"size:16;index:idx_status_updated" json:"status"`
	SoftDeletedAt   *time.Time `json:"soft_deleted_at,omitempty"`
	TotalPages      int        `json:"total_pages"`
	ProcessedPages  int        `json:"processed_pages"`
	ProgressPercent int        `json:"progress_percent"`
	ProgressMessage string     `gorm:"size:512" json:"progress_message"`
	ErrorMessage    string     `gorm:"size:2048" json:"error_message,omitempty"`

	Visibility      string   `gorm:"size:16;default:private" json:"visibility"`
	SharedUserIDs   []string `gorm:"serializer:json" json:"shared_user_ids"`
	SharedRoleCodes []string `gorm:"serializer:json" json:"shared_role_codes"`

	Category    string `gorm:"size:255" json:"category,omitempty"`
	Tags        string `gorm:"size:512" json:"tags,omitempty"`
	Author      string `gorm:"size:255" json:"author,omitempty"`
	Description string `gorm:"size:2048" json:"description,omitempty"`

	OCREngine      string `gorm:"size:32" json:"ocr_engine,omitempty"`
	ProcessingMode string `gorm:"size:16" json:"processing_mode,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_status_updated" json:"updated_at"`
}

// BoundingBox is one OCR region on a page. Coordinates satisfy x1<x2, y1<y2.
type BoundingBox struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

// Page is the per-page artifact of a version: OCR text, the image blob key
// and the ordered bounding boxes used for highlight matching.
type Page struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	VersionID     string        `gorm:"size:36;uniqueIndex:idx_version_page" json:"version_id"`
	PageNumber    int           `gorm:"uniqueIndex:idx_version_page" json:"page_number"`
	ImageKey      string        `gorm:"size:512" json:"image_key"`
	OCRJSONKey    string        `gorm:"size:512" json:"ocr_json_key"`
	Text          string        `gorm:"type:text" json:"text"`
	AvgConfidence float64       `json:"avg_confidence"`
	BBoxes        []BoundingBox `gorm:"serializer:json" json:"bboxes"`
	VLMFailed     bool          `json:"vlm_failed"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Chunk is the atomic unit of retrieval. The id is a deterministic hash of
// (version_id, page_number, local_index) so re-runs write the same rows.
// An empty vector marks a chunk the embed stage has not reached yet.
type Chunk struct {
	ID         string    `gorm:"primaryKey;size:64" json:"chunk_id"`
	VersionID  string    `gorm:"size:36;index" json:"version_id"`
	PageNumber int       `json:"page_number"`
	LocalIndex int       `json:"local_index"`
	Text       string    `gorm:"type:text" json:"text"`
	Vector     []float32 `gorm:"serializer:json" json:"vector,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a durable processing job. One active task per version at a time.
type Task struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Kind            string     `gorm:"size:32" json:"kind"`
	TargetVersionID string     `gorm:"size:36;index" json:"target_version_id"`
	State           string     `gorm:"size:16;index:idx_state_lease" json:"state"`
	Stage           string     `gorm:"size:32" json:"stage"`
	StageCursor     int        `json:"stage_cursor"`
	PauseRequested  bool       `json:"pause_requested"`
	CancelRequested bool       `json:"cancel_requested"`
	AttemptCount    int        `json:"attempt_count"`
	LastError       string     `gorm:"size:2048" json:"last_error,omitempty"`
	ParentID        *string    `gorm:"size:36;index" json:"parent_id,omitempty"`
	TotalChildren   int        `json:"total_children"`
	WorkerID        string     `gorm:"size:64" json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time `gorm:"index:idx_state_lease" json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RefreshToken backs single-use refresh rotation. The token value is stored
// bcrypt-hashed.
type RefreshToken struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	UserID     string     `gorm:"size:36;index" json:"user_id"`
	TokenHash  string     `gorm:"size:255" json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// ToolToken is a long-lived revocable credential for external assistants.
type ToolToken struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string     `gorm:"size:36;index" json:"owner_id"`
	Name       string     `gorm:"size:255" json:"name"`
	SecretHash string     `gorm:"size:255" json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `gorm:"default:true" json:"active"`
}

// AuditEntry records security-relevant actions: login, upload, delete,
// permission change, restore.
type AuditEntry struct {
	ID           uint                   `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time              `gorm:"index" json:"timestamp"`
	UserID       string                 `gorm:"size:36;index" json:"user_id,omitempty"`
	Username     string                 `gorm:"size:50" json:"username,omitempty"`
	Action       string                 `gorm:"size:64" json:"action"`
	Resource     string                 `gorm:"size:255" json:"resource,omitempty"`
	ResourceID   string                 `gorm:"size:36" json:"resource_id,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `gorm:"size:1024" json:"error_message,omitempty"`
	Details      map[string]interface{} `gorm:"serializer:json" json:"details,omitempty"`
}

// IsTerminal reports whether a version status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTaskTerminal reports whether a task state admits no further transitions.
func IsTaskTerminal(state string) bool {
	switch state {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}
