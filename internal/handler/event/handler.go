package event

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/handler"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
)

const (
	HeaderAppName    = "X-App-Name"
	HeaderAppVersion = "X-App-Version"
)

type Service interface {
	Publish(ctx context.Context, source model.EventSource, userID string, req model.PublishRequest) (*model.Event, error)
	GetEventHistory(ctx context.Context, q model.EventQuery) (*model.EventPage, error)
	Subscribe(ctx context.Context, userID, appID string, req model.SubscribeRequest) (*model.EventSubscription, error)
	Unsubscribe(ctx context.Context, subscriptionID uuid.UUID, userID, appID string) error
	ListSubscriptions(ctx context.Context, userID, appID string) ([]*model.EventSubscription, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	events := r.Group("/events")
	{
		events.POST("", h.Publish)
		events.GET("", middleware.RequireUser(), h.History)
	}

	subs := r.Group("/event-subscriptions", middleware.RequireUser())
	{
		subs.POST("", h.Subscribe)
		subs.GET("", h.ListSubscriptions)
		subs.DELETE("/:id", h.Unsubscribe)
	}
}

// Publish records an event for the calling app. Requests without a user are
// published as system events.
func (h *Handler) Publish(c *gin.Context) {
	var req model.PublishRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	source := model.EventSource{
		AppID:   middleware.AppID(c),
		AppName: c.GetHeader(HeaderAppName),
		Version: c.GetHeader(HeaderAppVersion),
	}

	evt, err := h.service.Publish(c.Request.Context(), source, middleware.UserID(c), req)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(evt))
}

func (h *Handler) History(c *gin.Context) {
	limit, offset, ok := handler.Pagination(c)
	if !ok {
		return
	}
	since, ok := handler.QueryTime(c, "since")
	if !ok {
		return
	}
	until, ok := handler.QueryTime(c, "until")
	if !ok {
		return
	}

	page, err := h.service.GetEventHistory(c.Request.Context(), model.EventQuery{
		UserID: middleware.UserID(c),
		AppID:  middleware.AppID(c),
		Type:   model.EventType(c.Query("type")),
		Since:  since,
		Until:  until,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(page))
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req model.SubscribeRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	sub, err := h.service.Subscribe(c.Request.Context(), middleware.UserID(c), middleware.AppID(c), req)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(sub))
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.service.ListSubscriptions(c.Request.Context(), middleware.UserID(c), middleware.AppID(c))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(subs))
}

func (h *Handler) Unsubscribe(c *gin.Context) {
	id, ok := handler.ParamID(c, "id", "subscription")
	if !ok {
		return
	}
	if err := h.service.Unsubscribe(c.Request.Context(), id, middleware.UserID(c), middleware.AppID(c)); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"id": id, "unsubscribed": true}))
}
