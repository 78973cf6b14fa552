package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
)

type memUsers struct {
	users   map[string]*db.User
	refresh map[string]*db.RefreshToken
	tool    map[string]*db.ToolToken
	logins  []string
	touched []string
}

func newMemUsers() *memUsers {
	return &memUsers{
		users:   make(map[string]*db.User),
		refresh: make(map[string]*db.RefreshToken),
		tool:    make(map[string]*db.ToolToken),
	}
}

func (s *memUsers) GetUser(id string) (*db.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (s *memUsers) GetUserByUsername(username string) (*db.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memUsers) RecordLogin(userID string) error {
	s.logins = append(s.logins, userID)
	return nil
}

func (s *memUsers) SaveRefreshToken(token *db.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	copied := *token
	s.refresh[token.ID] = &copied
	return nil
}

func (s *memUsers) GetRefreshToken(id string) (*db.RefreshToken, error) {
	t, ok := s.refresh[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *memUsers) RevokeRefreshToken(id string) error {
	s.refresh[id].Revoked = true
	return nil
}

func (s *memUsers) CreateToolToken(token *db.ToolToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	copied := *token
	s.tool[token.ID] = &copied
	return nil
}

func (s *memUsers) GetToolToken(id string) (*db.ToolToken, error) {
	t, ok := s.tool[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *memUsers) ListToolTokens(ownerID string) ([]db.ToolToken, error) {
	var out []db.ToolToken
	for _, t := range s.tool {
		if t.OwnerID == ownerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memUsers) TouchToolToken(id string) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *memUsers) DeactivateToolToken(id string) error {
	t, ok := s.tool[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Active = false
	return nil
}

type authAudit struct {
	entries []db.AuditEntry
}

func (a *authAudit) Record(entry *db.AuditEntry) error {
	a.entries = append(a.entries, *entry)
	return nil
}

func newService(t *testing.T) (*Service, *memUsers, *authAudit) {
	t.Helper()
	users := newMemUsers()
	audit := &authAudit{}
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	orgID := "org-1"
	users.users["alice"] = &db.User{
		ID: "alice", Username: "alice", PasswordHash: hash,
		OrgID: &orgID, IsActive: true, RoleCodes: []string{db.RoleEditor},
	}
	tokens := NewTokenService("test-signing-secret", time.Hour)
	return NewService(users, tokens, 24*time.Hour, audit), users, audit
}

func TestLoginIssuesValidAccessToken(t *testing.T) {
	svc, users, audit := newService(t)

	pair, err := svc.Login("alice", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	assert.Equal(t, []string{"alice"}, users.logins)

	claims, err := svc.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, []string{db.RoleEditor}, claims.Roles)

	require.Len(t, audit.entries, 1)
	assert.True(t, audit.entries[0].Success)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _, audit := newService(t)

	_, err := svc.Login("alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, common.KindPermission, common.KindOf(err))

	_, err = svc.Login("nobody", "correct horse")
	require.Error(t, err)

	require.Len(t, audit.entries, 2)
	assert.False(t, audit.entries[0].Success)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	svc, users, _ := newService(t)
	users.users["alice"].IsActive = false

	_, err := svc.Login("alice", "correct horse")
	assert.Error(t, err)
}

func TestRefreshIsSingleUse(t *testing.T) {
	svc, _, _ := newService(t)

	pair, err := svc.Login("alice", "correct horse")
	require.NoError(t, err)

	rotated, err := svc.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	_, err = svc.Refresh(pair.RefreshToken)
	require.Error(t, err, "rotation revokes the presented token")

	_, err = svc.Refresh(rotated.RefreshToken)
	assert.NoError(t, err, "the rotated token is live")
}

func TestRefreshRejectsExpired(t *testing.T) {
	svc, users, _ := newService(t)

	pair, err := svc.Login("alice", "correct horse")
	require.NoError(t, err)
	for _, row := range users.refresh {
		row.ExpiresAt = time.Now().Add(-time.Minute)
	}

	_, err = svc.Refresh(pair.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshRejectsTamperedSecret(t *testing.T) {
	svc, _, _ := newService(t)

	pair, err := svc.Login("alice", "correct horse")
	require.NoError(t, err)

	_, err = svc.Refresh(pair.RefreshToken + "x")
	assert.Error(t, err)
}

func TestToolTokenRoundTrip(t *testing.T) {
	svc, users, audit := newService(t)

	token, row, err := svc.IssueToolToken("alice", "assistant", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, row.Active)
	assert.Nil(t, row.ExpiresAt, "zero ttl means no expiry")

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, KindTool, claims.Kind)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, []string{row.ID}, users.touched, "verification stamps last_used")

	require.NoError(t, svc.RevokeToolToken("alice", row.ID))
	_, err = svc.Verify(token)
	require.Error(t, err, "revoked token no longer verifies")

	actions := []string{audit.entries[0].Action, audit.entries[1].Action}
	assert.Contains(t, actions, db.AuditToolTokenIssued)
	assert.Contains(t, actions, db.AuditToolTokenRevoked)
}

func TestToolTokenExpiry(t *testing.T) {
	svc, users, _ := newService(t)

	token, row, err := svc.IssueToolToken("alice", "short", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, row.ExpiresAt)

	expired := time.Now().Add(-time.Minute)
	users.tool[row.ID].ExpiresAt = &expired
	_, err = svc.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc, _, _ := newService(t)
	other := NewTokenService("different-secret", time.Hour)
	token, err := other.GenerateAccess(&db.User{ID: "alice", Username: "alice"})
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.Equal(t, common.KindPermission, common.KindOf(err))
}

func TestClaimsActor(t *testing.T) {
	claims := &Claims{UserID: "u1", OrgID: "o1", Roles: []string{"viewer"}, IsSuperuser: true}
	actor := claims.Actor()
	assert.Equal(t, "u1", actor.UserID)
	assert.Equal(t, "o1", actor.OrgID)
	assert.True(t, actor.IsSuperuser)
}
