// Package auth implements login, the signed bearer tokens carried by the
// HTTP and tool surfaces, single-use refresh rotation and revocable tool
// tokens.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/permission"
)

// Token kinds.
const (
	KindAccess = "access"
	KindTool   = "tool"
)

// Claims is the user context carried by a signed token.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	OrgID       string   `json:"org_id,omitempty"`
	IsSuperuser bool     `json:"is_superuser"`
	Roles       []string `json:"roles"`
	Kind        string   `json:"kind"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the permission predicate input.
func (c *Claims) Actor() *permission.Actor {
	return &permission.Actor{
		UserID:      c.UserID,
		OrgID:       c.OrgID,
		RoleCodes:   c.Roles,
		IsSuperuser: c.IsSuperuser,
	}
}

// TokenService signs and validates bearer tokens.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
	issuer    string
}

// NewTokenService creates a token service with the configured TTLs.
func NewTokenService(secret string, accessTTL time.Duration) *TokenService {
	if accessTTL == 0 {
		accessTTL = 60 * time.Minute
	}
	return &TokenService{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		issuer:    "newrag/auth",
	}
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// GenerateAccess signs a short-lived access token for a user.
func (s *TokenService) GenerateAccess(user *db.User) (string, error) {
	return s.generate(user, KindAccess, s.accessTTL)
}

// GenerateTool signs a tool token bound to a persisted tool-token row. A
// zero ttl yields a token without expiry; revocation happens through the
// row's active flag.
func (s *TokenService) GenerateTool(user *db.User, tokenID string, ttl time.Duration) (string, error) {
	token, err := s.build(user, KindTool, ttl)
	if err != nil {
		return "", err
	}
	token.ID = tokenID
	return jwt.NewWithClaims(jwt.SigningMethodHS256, token).SignedString(s.secret)
}

func (s *TokenService) generate(user *db.User, kind string, ttl time.Duration) (string, error) {
	claims, err := s.build(user, kind, ttl)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *TokenService) build(user *db.User, kind string, ttl time.Duration) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, common.Invariantf("token signing secret is not configured")
	}
	now := time.Now()
	claims := &Claims{
		UserID:      user.ID,
		Username:    user.Username,
		IsSuperuser: user.IsSuperuser,
		Roles:       user.RoleCodes,
		Kind:        kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   user.ID,
		},
	}
	if user.OrgID != nil {
		claims.OrgID = *user.OrgID
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return claims, nil
}

// Validate checks signature and expiry and returns the claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, common.Permission(fmt.Errorf("invalid token: %w", err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, common.Permission(fmt.Errorf("invalid token claims"))
	}
	return claims, nil
}
