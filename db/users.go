package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserStore provides persistence for users, organizations and tokens.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a user store on the given connection.
func NewUserStore(gormDB *gorm.DB) *UserStore {
	return &UserStore{db: gormDB}
}

// CreateUser persists a new user account.
func (s *UserStore) CreateUser(user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	return s.db.Create(user).Error
}

// GetUser fetches a user by id.
func (s *UserStore) GetUser(id string) (*User, error) {
	var user User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername fetches a user by username.
func (s *UserStore) GetUserByUsername(username string) (*User, error) {
	var user User
	if err := s.db.First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// RecordLogin stamps the last successful login time.
func (s *UserStore) RecordLogin(userID string) error {
	now := time.Now()
	return s.db.Model(&User{}).Where("id = ?", userID).Update("last_login", now).Error
}

// ListUsersByOrg returns the users of an organization.
func (s *UserStore) ListUsersByOrg(orgID string) ([]User, error) {
	var users []User
	err := s.db.Where("org_id = ?", orgID).Find(&users).Error
	return users, err
}

// FirstSuperuser returns the oldest superuser account, used by migrations
// to adopt ownerless legacy documents.
func (s *UserStore) FirstSuperuser() (*User, error) {
	var user User
	err := s.db.Where("is_superuser = ?", true).
		Order("created_at ASC").
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateOrganization persists a new organization.
func (s *UserStore) CreateOrganization(org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	return s.db.Create(org).Error
}

// GetOrganization fetches an organization by id.
func (s *UserStore) GetOrganization(id string) (*Organization, error) {
	var org Organization
	if err := s.db.First(&org, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// SaveRefreshToken persists a hashed refresh token.
func (s *UserStore) SaveRefreshToken(token *RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	return s.db.Create(token).Error
}

// GetRefreshToken fetches a refresh token row by id.
func (s *UserStore) GetRefreshToken(id string) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.db.First(&token, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// RevokeRefreshToken marks a refresh token used. Rotation makes each token
// single-use.
func (s *UserStore) RevokeRefreshToken(id string) error {
	now := time.Now()
	return s.db.Model(&RefreshToken{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"revoked": true, "last_used_at": now}).Error
}

// DeleteExpiredRefreshTokens removes tokens past their expiry.
func (s *UserStore) DeleteExpiredRefreshTokens() error {
	return s.db.Where("expires_at < ?", time.Now()).Delete(&RefreshToken{}).Error
}

// CreateToolToken persists a new tool token with a hashed secret.
func (s *UserStore) CreateToolToken(token *ToolToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	return s.db.Create(token).Error
}

// GetToolToken fetches a tool token by id.
func (s *UserStore) GetToolToken(id string) (*ToolToken, error) {
	var token ToolToken
	if err := s.db.First(&token, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

// ListToolTokens returns the tool tokens owned by a user.
func (s *UserStore) ListToolTokens(ownerID string) ([]ToolToken, error) {
	var tokens []ToolToken
	err := s.db.Where("owner_id = ?", ownerID).Find(&tokens).Error
	return tokens, err
}

// TouchToolToken stamps last_used on a verified tool token.
func (s *UserStore) TouchToolToken(id string) error {
	now := time.Now()
	return s.db.Model(&ToolToken{}).Where("id = ?", id).Update("last_used", now).Error
}

// DeactivateToolToken revokes a tool token by id.
func (s *UserStore) DeactivateToolToken(id string) error {
	res := s.db.Model(&ToolToken{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateToolTokens deactivates every token older than maxAge, returning the
// affected count. Backs the rotate-tokens CLI command.
func (s *UserStore) RotateToolTokens(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res := s.db.Model(&ToolToken{}).
		Where("active = ? AND created_at < ?", true, cutoff).
		Update("active", false)
	return res.RowsAffected, res.Error
}
