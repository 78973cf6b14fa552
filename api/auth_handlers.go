package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/TocharianOU/newrag/common"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, common.PermanentInputf("invalid request body"))
	}
	if req.Username == "" || req.Password == "" {
		return s.respondError(c, common.PermanentInputf("username and password are required"))
	}

	pair, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorEnvelope{
			Error: ErrorBody{Code: CodeUnauthorized, Message: "invalid credentials"},
		})
	}
	return c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return s.respondError(c, common.PermanentInputf("refresh_token is required"))
	}

	pair, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorEnvelope{
			Error: ErrorBody{Code: CodeUnauthorized, Message: "invalid refresh token"},
		})
	}
	return c.JSON(http.StatusOK, pair)
}

type createToolTokenRequest struct {
	Name string `json:"name"`
	// TTLHours of zero means no expiry.
	TTLHours int `json:"ttl_hours"`
}

type createToolTokenResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (s *Server) createToolToken(c echo.Context) error {
	claims := claimsOf(c)
	var req createToolTokenRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return s.respondError(c, common.PermanentInputf("name is required"))
	}

	token, row, err := s.auth.IssueToolToken(claims.UserID, req.Name, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		return s.respondError(c, err)
	}
	// The token string is shown exactly once.
	return c.JSON(http.StatusCreated, createToolTokenResponse{ID: row.ID, Name: row.Name, Token: token})
}

func (s *Server) listToolTokens(c echo.Context) error {
	claims := claimsOf(c)
	tokens, err := s.auth.ListToolTokens(claims.UserID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (s *Server) revokeToolToken(c echo.Context) error {
	claims := claimsOf(c)
	if err := s.auth.RevokeToolToken(claims.UserID, c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
