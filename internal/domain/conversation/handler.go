package conversation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/pkg/pagination"
)

// Handler exposes the conversation core over HTTP for the presentation
// layer. Every endpoint operates on one conversation id; stores are opened
// lazily through the Manager.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/conversations/:id/messages", h.AppendMessage)
	api.GET("/conversations/:id/messages", h.ListVisibleMessages)
	api.GET("/conversations/:id/snapshot", h.GetSnapshot)
	api.PUT("/conversations/:id/profile", h.SetProfile)
	api.GET("/conversations/:id/profile", h.GetProfile)
	api.POST("/conversations/:id/messages/:messageID/insights", h.RunInsight)
	api.GET("/conversations/:id/messages/:messageID/insights", h.ListInsights)
}

func (h *Handler) open(c echo.Context) (*Conversation, error) {
	conv, err := h.mgr.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open conversation")
	}
	return conv, nil
}

func (h *Handler) AppendMessage(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	var d Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := conv.Store().AppendMessage(c.Request().Context(), d)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, msg)
}

// visibleMessage is a view item: the message plus its analysis affordances.
type visibleMessage struct {
	Message
	SuggestedActions []InsightKind `json:"suggested_actions"`
}

func (h *Handler) ListVisibleMessages(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	viewer := Role(c.QueryParam("viewer"))
	if !viewer.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid viewer role")
	}
	counterpart, err := CounterpartFor(viewer, Role(c.QueryParam("counterpart")))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid counterpart role")
	}

	log, _ := conv.Store().Snapshot()
	visible := VisibleMessages(log, viewer, counterpart)

	pg := pagination.FromContext(c)
	start, end := pg.Window(len(visible))
	items := make([]visibleMessage, 0, end-start)
	for _, m := range visible[start:end] {
		m := m
		actions := SuggestedActions(&m)
		if actions == nil {
			actions = []InsightKind{}
		}
		items = append(items, visibleMessage{Message: m, SuggestedActions: actions})
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(visible), pg.Limit, pg.Offset))
}

// snapshotResponse is the full local view of a conversation.
type snapshotResponse struct {
	Messages []Message       `json:"messages"`
	Profile  *PatientProfile `json:"profile,omitempty"`
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	msgs, profile := conv.Store().Snapshot()
	return c.JSON(http.StatusOK, snapshotResponse{Messages: msgs, Profile: profile})
}

func (h *Handler) SetProfile(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	var p PatientProfile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := conv.Store().SetProfile(c.Request().Context(), p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetProfile(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	_, profile := conv.Store().Snapshot()
	if profile == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no patient profile yet")
	}
	return c.JSON(http.StatusOK, profile)
}

type runInsightRequest struct {
	Kind InsightKind `json:"kind"`
}

func (h *Handler) RunInsight(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	var req runInsightRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ann, err := conv.RunInsight(c.Request().Context(), c.Param("messageID"), req.Kind)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, ErrNotSuggested):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ann)
}

func (h *Handler) ListInsights(c echo.Context) error {
	conv, err := h.open(c)
	if err != nil {
		return err
	}
	if _, err := conv.Store().Message(c.Param("messageID")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	return c.JSON(http.StatusOK, conv.Annotations(c.Param("messageID")))
}
