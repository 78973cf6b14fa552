package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/search"
)

func (s *Server) searchHandler(c echo.Context) error {
	var req search.Request
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, common.PermanentInputf("invalid request body"))
	}
	resp, err := s.search.Search(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
