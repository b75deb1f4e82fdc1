package notification

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/handler"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
)

type Service interface {
	ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int, error)
	GetNotification(ctx context.Context, userID string, appIDs []string, id uuid.UUID) (*model.Notification, error)
	UpdateStatus(ctx context.Context, userID string, appIDs []string, id uuid.UUID, to model.NotificationStatus) (*model.Notification, error)
	ListAttempts(ctx context.Context, userID string, appIDs []string, id uuid.UUID) ([]*model.DeliveryAttempt, error)
	GetUserPreferences(ctx context.Context, userID string) (*model.NotificationPreferences, error)
	UpdatePreferences(ctx context.Context, userID string, patch model.PreferencesPatch) (*model.NotificationPreferences, error)
	CreateRule(ctx context.Context, userID string, rule *model.MappingRule) (*model.MappingRule, error)
	ListRules(ctx context.Context, userID string) ([]*model.MappingRule, error)
}

type Handler struct {
	service  Service
	contacts repository.ContactRepository
	scope    *model.AppScope
}

func NewHandler(service Service, contacts repository.ContactRepository, scope *model.AppScope) *Handler {
	return &Handler{service: service, contacts: contacts, scope: scope}
}

// apps is the set of apps the caller may read, narrowed by app_id when given.
func (h *Handler) apps(c *gin.Context) []string {
	return h.scope.Narrow(middleware.AppID(c), handler.QueryList(c, "app_id"))
}

type contactRequest struct {
	Email      string `json:"email,omitempty" binding:"omitempty,email"`
	Phone      string `json:"phone,omitempty" binding:"omitempty,e164"`
	PushToken  string `json:"push_token,omitempty" binding:"omitempty,max=4096"`
	WebhookURL string `json:"webhook_url,omitempty" binding:"omitempty,url"`
}

type ruleRequest struct {
	Name             string                 `json:"name" binding:"required,max=100"`
	EventType        string                 `json:"event_type" binding:"required,event_type_pattern"`
	When             model.JSONMap          `json:"when,omitempty"`
	NotificationType model.NotificationType `json:"notification_type" binding:"required,notification_type"`
	Title            string                 `json:"title" binding:"required"`
	Body             string                 `json:"body"`
	Channels         []model.Channel        `json:"channels" binding:"required,min=1,dive,channel"`
	Recipient        string                 `json:"recipient,omitempty"`
	Disabled         bool                   `json:"disabled,omitempty"`
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications", middleware.RequireUser())
	{
		notifications.GET("", h.List)
		notifications.GET("/:id", h.Get)
		notifications.PATCH("/:id", h.UpdateStatus)
		notifications.GET("/:id/attempts", h.ListAttempts)
	}

	prefs := r.Group("/notification-preferences", middleware.RequireUser())
	{
		prefs.GET("", h.GetPreferences)
		prefs.PUT("", h.UpdatePreferences)
		prefs.PATCH("", h.UpdatePreferences)
	}

	rules := r.Group("/notification-rules", middleware.RequireUser())
	{
		rules.GET("", h.ListRules)
		rules.POST("", h.CreateRule)
	}

	contacts := r.Group("/notification-contacts", middleware.RequireUser())
	{
		contacts.GET("", h.GetContact)
		contacts.PUT("", h.PutContact)
	}
}

// List pages the caller's notifications, newest first. status=failed is the
// dead-letter view.
func (h *Handler) List(c *gin.Context) {
	limit, offset, ok := handler.Pagination(c)
	if !ok {
		return
	}
	status := model.NotificationStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		handler.Error(c, apperrors.Validationf("unknown status %q", status))
		return
	}

	filter := model.NotificationFilter{
		UserID: middleware.UserID(c),
		AppIDs: h.apps(c),
		Status: status,
		Limit:  limit,
		Offset: offset,
	}.Normalized()
	items, total, err := h.service.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(handler.Page{
		Items:   items,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(items) < total,
	}))
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := handler.ParamID(c, "id", "notification")
	if !ok {
		return
	}
	n, err := h.service.GetNotification(c.Request.Context(), middleware.UserID(c), h.apps(c), id)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(n))
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := handler.ParamID(c, "id", "notification")
	if !ok {
		return
	}
	var req model.StatusUpdateRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	n, err := h.service.UpdateStatus(c.Request.Context(), middleware.UserID(c), h.apps(c), id, req.Status)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(n))
}

func (h *Handler) ListAttempts(c *gin.Context) {
	id, ok := handler.ParamID(c, "id", "notification")
	if !ok {
		return
	}
	attempts, err := h.service.ListAttempts(c.Request.Context(), middleware.UserID(c), h.apps(c), id)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(attempts))
}

func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, err := h.service.GetUserPreferences(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}

// UpdatePreferences merges the body into the stored preferences. Omitted
// fields keep their value for both PUT and PATCH.
func (h *Handler) UpdatePreferences(c *gin.Context) {
	var patch model.PreferencesPatch
	if !handler.BindJSON(c, &patch) {
		return
	}
	prefs, err := h.service.UpdatePreferences(c.Request.Context(), middleware.UserID(c), patch)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.service.ListRules(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rules))
}

func (h *Handler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), middleware.UserID(c), &model.MappingRule{
		Name:             req.Name,
		EventType:        req.EventType,
		When:             req.When,
		NotificationType: req.NotificationType,
		Title:            req.Title,
		Body:             req.Body,
		Channels:         req.Channels,
		Recipient:        req.Recipient,
		Disabled:         req.Disabled,
	})
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(rule))
}

func (h *Handler) GetContact(c *gin.Context) {
	userID := middleware.UserID(c)
	contact, err := h.contacts.Get(c.Request.Context(), userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		contact = &model.UserContact{UserID: userID}
	case err != nil:
		handler.Error(c, apperrors.Persistence("get contact", err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(contact))
}

func (h *Handler) PutContact(c *gin.Context) {
	var req contactRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	contact := &model.UserContact{
		UserID:     middleware.UserID(c),
		Email:      req.Email,
		Phone:      req.Phone,
		PushToken:  req.PushToken,
		WebhookURL: req.WebhookURL,
	}
	if err := h.contacts.Upsert(c.Request.Context(), contact); err != nil {
		handler.Error(c, apperrors.Persistence("save contact", err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(contact))
}
