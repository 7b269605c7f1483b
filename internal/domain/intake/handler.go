package intake

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/goes/intake/internal/domain/session"
)

// Handler exposes the intake Service over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the intake routes on the /api/v1 group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/bootstrap", h.Bootstrap)
	api.POST("/chat", h.Chat)
	api.GET("/sessions/:id/checklist", h.GetChecklist)
	api.GET("/patients/:id/risk", h.GetRisk)
}

func (h *Handler) Bootstrap(c echo.Context) error {
	var req BootstrapRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.svc.Bootstrap(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.svc.Chat(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetChecklist(c echo.Context) error {
	sess, err := h.svc.Sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.Checklists.Snapshot(sess.ID, checklistKind(sess.Kind)))
}

// GetRisk scores the patient from store observations only.
func (h *Handler) GetRisk(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}
	a, err := h.svc.Gatherer.Assess(c.Request().Context(), id, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, a)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, ErrPatientRequired), errors.Is(err, ErrMessageRequired), errors.Is(err, session.ErrUnknownKind):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
