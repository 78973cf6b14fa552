// Package api implements the HTTP front-door: authentication endpoints,
// uploads, document listing and control, search, task control and the
// health probe, all speaking the stable error envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/TocharianOU/newrag/auth"
	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/permission"
	"github.com/TocharianOU/newrag/search"
	"github.com/TocharianOU/newrag/storage"
	"github.com/TocharianOU/newrag/task"
)

// Authenticator is the auth service surface the API drives.
type Authenticator interface {
	Login(username, password string) (*auth.TokenPair, error)
	Refresh(refreshToken string) (*auth.TokenPair, error)
	Verify(token string) (*auth.Claims, error)
	IssueToolToken(ownerID, name string, ttl time.Duration) (string, *db.ToolToken, error)
	RevokeToolToken(userID, tokenID string) error
	ListToolTokens(ownerID string) ([]db.ToolToken, error)
}

// DocumentStore is the metadata surface the upload and listing handlers use.
type DocumentStore interface {
	GetGroup(id string) (*db.DocumentGroup, error)
	GetVersion(id string) (*db.DocumentVersion, error)
	FindGroupByFilename(ownerID, filename string) (*db.DocumentGroup, error)
	CreateGroup(group *db.DocumentGroup) error
	NextVersionNumber(groupID string) (int, error)
	CreateVersion(v *db.DocumentVersion) error
	ListDocuments(opts db.ListDocumentsOptions) ([]db.DocumentVersion, int64, error)
	UpdatePermissions(versionID, visibility string, sharedUsers, sharedRoles []string) error
}

// TaskManager is the task control surface.
type TaskManager interface {
	Enqueue(ctx context.Context, kind, versionID string) (*db.Task, error)
	Pause(id string) error
	Resume(ctx context.Context, id string) error
	Cancel(id string) error
	Progress(id string) (*task.Status, error)
	List(opts db.ListOptions) ([]db.Task, error)
}

// SearchService runs permission-filtered retrieval.
type SearchService interface {
	Search(ctx context.Context, actor *permission.Actor, req search.Request) (*search.Response, error)
}

// VersionManager handles history, restore and delete.
type VersionManager interface {
	List(groupID string) ([]db.DocumentVersion, error)
	Restore(ctx context.Context, userID, groupID string, number int) (*db.DocumentVersion, error)
	Delete(ctx context.Context, userID, versionID string, hard bool) error
}

// Indexer re-indexes chunk permissions after a change.
type Indexer interface {
	UpdatePermissionsByVersion(ctx context.Context, versionID string, update index.PermissionUpdate) (int64, error)
}

// Auditor records API-level actions.
type Auditor interface {
	Record(entry *db.AuditEntry) error
}

// HealthCheck probes one backing store.
type HealthCheck func(ctx context.Context) error

// Deps bundles the services the server wires into handlers.
type Deps struct {
	Auth     Authenticator
	Docs     DocumentStore
	Blobs    storage.BlobStore
	Tasks    TaskManager
	Search   SearchService
	Versions VersionManager
	Index    Indexer
	Audit    Auditor
	Health   map[string]HealthCheck
}

// Server is the HTTP front-door.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	auth     Authenticator
	docs     DocumentStore
	blobs    storage.BlobStore
	tasks    TaskManager
	search   SearchService
	versions VersionManager
	index    Indexer
	audit    Auditor
	health   map[string]HealthCheck
	log      *common.ContextLogger
}

// New builds the server with its middleware chain and routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		auth:     deps.Auth,
		docs:     deps.Docs,
		blobs:    deps.Blobs,
		tasks:    deps.Tasks,
		search:   deps.Search,
		versions: deps.Versions,
		index:    deps.Index,
		audit:    deps.Audit,
		health:   deps.Health,
		log:      common.ServiceLogger("api"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.httpErrorHandler

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	if len(cfg.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
		}))
	}
	if cfg.BodyLimit != "" {
		s.echo.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.POST("/auth/login", s.login)
	s.echo.POST("/auth/refresh", s.refresh)

	s.echo.POST("/search", s.searchHandler, s.authenticate(false))

	authed := s.echo.Group("", s.authenticate(true))
	authed.POST("/upload", s.upload)
	authed.POST("/upload_batch", s.uploadBatch)
	authed.GET("/documents", s.listDocuments)
	authed.GET("/documents/:id/progress", s.documentProgress)
	authed.DELETE("/documents/:id", s.deleteDocument)
	authed.GET("/documents/:group_id/versions", s.listVersions)
	authed.POST("/documents/:group_id/versions/:n/restore", s.restoreVersion)
	authed.PUT("/documents/:id/permissions", s.updatePermissions)

	authed.GET("/tasks", s.listTasks)
	authed.GET("/tasks/:id/progress", s.taskProgress)
	authed.POST("/tasks/:id/pause", s.pauseTask)
	authed.POST("/tasks/:id/resume", s.resumeTask)
	authed.POST("/tasks/:id/cancel", s.cancelTask)

	authed.GET("/tool_tokens", s.listToolTokens)
	authed.POST("/tool_tokens", s.createToolToken)
	authed.DELETE("/tool_tokens/:id", s.revokeToolToken)
}

// Mount attaches an external handler, used for the MCP endpoint.
func (s *Server) Mount(path string, handler http.Handler, mw ...echo.MiddlewareFunc) {
	s.echo.Any(path, echo.WrapHandler(handler), mw...)
	s.echo.Any(path+"/*", echo.WrapHandler(handler), mw...)
}

// AuthRequired exposes the bearer middleware for mounted handlers.
func (s *Server) AuthRequired() echo.MiddlewareFunc {
	return s.authenticate(true)
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout
	s.log.WithField("addr", addr).Info("HTTP server listening")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthHandler reports reachability of the backing stores. Any failing
// probe degrades the overall status and the response code.
func (s *Server) healthHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.health))}
	status := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(status, resp)
}
