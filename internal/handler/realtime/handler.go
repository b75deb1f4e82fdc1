package realtime

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/eventhub/internal/handler"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
	rt "github.com/jwalitptl/eventhub/internal/service/realtime"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

type Service interface {
	Serve(ctx context.Context, userID string, appIDs []string, ws *websocket.Conn) error
	Connect(ctx context.Context, userID string, appIDs []string, conn rt.Conn) (uuid.UUID, error)
	Release(ctx context.Context, userID string, connectionID uuid.UUID) error
	Heartbeat(ctx context.Context, userID string, connectionID uuid.UUID) error
	Poll(ctx context.Context, userID string, appIDs []string, since *time.Time, limit int) ([]*rt.Message, error)
	Status(ctx context.Context, userID string) (*model.ConnectionStatus, error)
}

type Handler struct {
	service  Service
	scope    *model.AppScope
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler accepts any origin; sockets authenticate with a token, not cookies.
func NewHandler(service Service, scope *model.AppScope, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		scope:   scope,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("realtime-handler"),
	}
}

type heartbeatRequest struct {
	ConnectionID uuid.UUID `json:"connection_id" binding:"required"`
}

type pollResponse struct {
	Messages []*rt.Message `json:"messages"`
	Cursor   *time.Time    `json:"cursor,omitempty"`
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/notifications", middleware.RequireUser())
	{
		g.GET("/ws", h.WebSocket)
		g.POST("/connections", h.OpenPoll)
		g.DELETE("/connections/:id", h.Close)
		g.POST("/heartbeat", h.Heartbeat)
		g.GET("/poll", h.Poll)
		g.GET("/connection-status", h.Status)
	}
}

// appScope narrows app_ids to the apps the caller may read. The result is
// never empty, so the service never falls back to every app.
func (h *Handler) appScope(c *gin.Context) []string {
	return h.scope.Narrow(middleware.AppID(c), handler.QueryList(c, "app_ids"))
}

func (h *Handler) WebSocket(c *gin.Context) {
	userID := middleware.UserID(c)
	apps := h.appScope(c)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err.Error())
		return
	}
	if err := h.service.Serve(c.Request.Context(), userID, apps, ws); err != nil {
		h.logger.Debug("websocket session ended", "user_id", userID, "error", err.Error())
	}
}

// OpenPoll registers a polling client so it shows up in connection status and
// can be heartbeat-tracked like a socket.
func (h *Handler) OpenPoll(c *gin.Context) {
	id, err := h.service.Connect(c.Request.Context(), middleware.UserID(c), h.appScope(c), nil)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(gin.H{"connection_id": id}))
}

func (h *Handler) Close(c *gin.Context) {
	id, ok := handler.ParamID(c, "id", "connection")
	if !ok {
		return
	}
	if err := h.service.Release(c.Request.Context(), middleware.UserID(c), id); err != nil {
		handler.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	if err := h.service.Heartbeat(c.Request.Context(), middleware.UserID(c), req.ConnectionID); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"connection_id": req.ConnectionID}))
}

// Poll returns buffered messages newer than since, oldest first. The cursor
// is the timestamp of the last message and is passed back as since.
func (h *Handler) Poll(c *gin.Context) {
	since, ok := handler.QueryTime(c, "since")
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			handler.Error(c, apperrors.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	msgs, err := h.service.Poll(c.Request.Context(), middleware.UserID(c), h.appScope(c), since, limit)
	if err != nil {
		handler.Error(c, err)
		return
	}
	resp := pollResponse{Messages: msgs, Cursor: since}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1].Timestamp
		resp.Cursor = &last
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(resp))
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(status))
}
