package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/TocharianOU/newrag/db"
)

func (s *Server) listTasks(c echo.Context) error {
	tasks, err := s.tasks.List(db.ListOptions{
		State: c.QueryParam("state"),
		Kind:  c.QueryParam("kind"),
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) taskProgress(c echo.Context) error {
	status, err := s.tasks.Progress(c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) pauseTask(c echo.Context) error {
	if err := s.tasks.Pause(c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": "pausing"})
}

func (s *Server) resumeTask(c echo.Context) error {
	if err := s.tasks.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": "queued"})
}

func (s *Server) cancelTask(c echo.Context) error {
	if err := s.tasks.Cancel(c.Param("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": "cancelling"})
}
