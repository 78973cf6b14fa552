package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

// Users is the slice of the user store the service drives.
type Users interface {
	GetUser(id string) (*db.User, error)
	GetUserByUsername(username string) (*db.User, error)
	RecordLogin(userID string) error
	SaveRefreshToken(token *db.RefreshToken) error
	GetRefreshToken(id string) (*db.RefreshToken, error)
	RevokeRefreshToken(id string) error
	CreateToolToken(token *db.ToolToken) error
	GetToolToken(id string) (*db.ToolToken, error)
	ListToolTokens(ownerID string) ([]db.ToolToken, error)
	TouchToolToken(id string) error
	DeactivateToolToken(id string) error
}

// Auditor records logins and token lifecycle events.
type Auditor interface {
	Record(entry *db.AuditEntry) error
}

// TokenPair is the login and refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Service implements login, refresh rotation and tool tokens.
type Service struct {
	users      Users
	tokens     *TokenService
	refreshTTL time.Duration
	audit      Auditor
	log        *common.ContextLogger
}

// NewService wires the auth service.
func NewService(users Users, tokens *TokenService, refreshTTL time.Duration, audit Auditor) *Service {
	if refreshTTL == 0 {
		refreshTTL = 168 * time.Hour
	}
	return &Service{
		users:      users,
		tokens:     tokens,
		refreshTTL: refreshTTL,
		audit:      audit,
		log:        common.ServiceLogger("auth"),
	}
}

// Login verifies credentials and issues a token pair. Unknown users,
// inactive accounts and wrong passwords all return the same error.
func (s *Service) Login(username, password string) (*TokenPair, error) {
	user, err := s.users.GetUserByUsername(username)
	if err != nil || !user.IsActive || !CheckPassword(password, user.PasswordHash) {
		s.record(&db.AuditEntry{
			Username: username,
			Action:   db.AuditLogin,
			Success:  false,
		})
		return nil, common.Permissionf("invalid credentials")
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}
	if err := s.users.RecordLogin(user.ID); err != nil {
		s.log.WithError(err).Warn("Failed to stamp last login")
	}
	s.record(&db.AuditEntry{
		UserID:   user.ID,
		Username: user.Username,
		Action:   db.AuditLogin,
		Success:  true,
	})
	return pair, nil
}

// Refresh rotates a refresh token. Each token is single-use: the presented
// one is revoked whether or not a new pair is issued.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	id, secret, ok := strings.Cut(refreshToken, ".")
	if !ok {
		return nil, common.Permissionf("malformed refresh token")
	}
	row, err := s.users.GetRefreshToken(id)
	if err != nil {
		return nil, common.Permissionf("unknown refresh token")
	}
	if row.Revoked || time.Now().After(row.ExpiresAt) {
		return nil, common.Permissionf("refresh token expired or already used")
	}
	if bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(secret)) != nil {
		return nil, common.Permissionf("invalid refresh token")
	}
	if err := s.users.RevokeRefreshToken(id); err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(row.UserID)
	if err != nil || !user.IsActive {
		return nil, common.Permissionf("account no longer active")
	}
	return s.issuePair(user)
}

func (s *Service) issuePair(user *db.User) (*TokenPair, error) {
	access, err := s.tokens.GenerateAccess(user)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issueRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// issueRefresh mints an opaque single-use token "{id}.{secret}" and stores
// the bcrypt hash of the secret.
func (s *Service) issueRefresh(userID string) (string, error) {
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", err
	}
	row := &db.RefreshToken{
		UserID:    userID,
		TokenHash: string(hash),
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := s.users.SaveRefreshToken(row); err != nil {
		return "", err
	}
	return row.ID + "." + secret, nil
}

// IssueToolToken mints a long-lived signed tool token and persists its
// hashed fingerprint. The token string is only returned once. A zero ttl
// means no expiry; revocation goes through the active flag.
func (s *Service) IssueToolToken(ownerID, name string, ttl time.Duration) (string, *db.ToolToken, error) {
	user, err := s.users.GetUser(ownerID)
	if err != nil {
		return "", nil, err
	}

	row := &db.ToolToken{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    name,
		Active:  true,
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		row.ExpiresAt = &expires
	}

	token, err := s.tokens.GenerateTool(user, row.ID, ttl)
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(fingerprint(token)), bcryptCost)
	if err != nil {
		return "", nil, err
	}
	row.SecretHash = string(hash)
	if err := s.users.CreateToolToken(row); err != nil {
		return "", nil, err
	}

	s.record(&db.AuditEntry{
		UserID:     ownerID,
		Action:     db.AuditToolTokenIssued,
		Resource:   "tool_token",
		ResourceID: row.ID,
		Success:    true,
		Details:    map[string]interface{}{"name": name},
	})
	return token, row, nil
}

// Verify validates a bearer token of either kind and returns its claims.
// Tool tokens additionally require an active persisted row whose
// fingerprint matches; verification stamps last_used.
func (s *Service) Verify(token string) (*Claims, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindTool {
		return claims, nil
	}

	row, err := s.users.GetToolToken(claims.ID)
	if err != nil {
		return nil, common.Permissionf("unknown tool token")
	}
	if !row.Active {
		return nil, common.Permissionf("tool token revoked")
	}
	if row.ExpiresAt != nil && time.Now().After(*row.ExpiresAt) {
		return nil, common.Permissionf("tool token expired")
	}
	if bcrypt.CompareHashAndPassword([]byte(row.SecretHash), []byte(fingerprint(token))) != nil {
		return nil, common.Permissionf("tool token fingerprint mismatch")
	}
	if err := s.users.TouchToolToken(row.ID); err != nil {
		s.log.WithError(err).Warn("Failed to stamp tool token use")
	}
	return claims, nil
}

// RevokeToolToken deactivates a tool token by id.
func (s *Service) RevokeToolToken(userID, tokenID string) error {
	if err := s.users.DeactivateToolToken(tokenID); err != nil {
		return err
	}
	s.record(&db.AuditEntry{
		UserID:     userID,
		Action:     db.AuditToolTokenRevoked,
		Resource:   "tool_token",
		ResourceID: tokenID,
		Success:    true,
	})
	return nil
}

// ListToolTokens returns the caller's tool tokens, secrets excluded.
func (s *Service) ListToolTokens(ownerID string) ([]db.ToolToken, error) {
	return s.users.ListToolTokens(ownerID)
}

// fingerprint derives the stored lookup hash input from a token string.
// The sha256 step keeps the bcrypt input under its 72-byte limit.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) record(entry *db.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(entry); err != nil {
		s.log.WithError(err).Warn("Audit write failed")
	}
}
