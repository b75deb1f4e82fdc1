package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/eventhub/internal/channel"
	eventHandler "github.com/jwalitptl/eventhub/internal/handler/event"
	"github.com/jwalitptl/eventhub/internal/handler/health"
	notificationHandler "github.com/jwalitptl/eventhub/internal/handler/notification"
	"github.com/jwalitptl/eventhub/internal/handler/prometheus"
	realtimeHandler "github.com/jwalitptl/eventhub/internal/handler/realtime"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository/memory"
	"github.com/jwalitptl/eventhub/internal/service/event"
	"github.com/jwalitptl/eventhub/internal/service/notification"
	"github.com/jwalitptl/eventhub/internal/service/realtime"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

const (
	testApp   = "hugo_love"
	careerApp = "hugo_career"
)

type testServer struct {
	engine *gin.Engine
	auth   *middleware.AuthMiddleware
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.RegisterValidators())

	log := logger.Nop()
	m := metrics.NewNoop()
	ctx, cancel := context.WithCancel(context.Background())

	rt := realtime.NewService(memory.NewConnectionRepository(), realtime.NewMemoryBuffer(100), nil, realtime.Options{}, log, m)
	notifSvc, err := notification.NewService(notification.Repositories{
		Notifications: memory.NewNotificationRepository(),
		Deliveries:    memory.NewDeliveryRepository(),
		Preferences:   memory.NewPreferenceRepository(),
		Rules:         memory.NewRuleRepository(),
	}, []notification.Sender{channel.NewInAppSender(rt)}, notification.Options{RetryBaseDelay: 10 * time.Millisecond}, log, m)
	require.NoError(t, err)

	eventSvc := event.NewService(memory.NewEventRepository(), memory.NewSubscriptionRepository(), event.Options{}, log, m)
	eventSvc.AddSystemHandler("notification_router", notifSvc.HandleEvent)
	notifSvc.SetPublisher(eventSvc)
	rt.OnAck(notifSvc.MarkDelivered)

	eventSvc.Start(ctx)
	notifSvc.Start(ctx)
	t.Cleanup(func() {
		eventSvc.Close()
		notifSvc.Close()
		cancel()
	})

	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{JWTSecret: "router-secret", JWTIssuer: "eventhub"})
	scope := model.NewAppScope(map[string][]string{testApp: {careerApp}})
	reg := prom.NewRegistry()
	r := NewRouter(log, auth, health.NewHandler(), prometheus.New("test", reg, reg), RouterConfig{
		Mode:       gin.TestMode,
		CORSConfig: middleware.DefaultCORSConfig(),
	},
		eventHandler.NewHandler(eventSvc),
		notificationHandler.NewHandler(notifSvc, memory.NewContactRepository(), scope),
		realtimeHandler.NewHandler(rt, scope, log),
	)
	r.Setup()
	return &testServer{engine: r.Engine(), auth: auth}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	return s.tokenFor(t, userID, testApp)
}

func (s *testServer) tokenFor(t *testing.T, userID, appID string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, appID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresCredentials(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/api/v1/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusUnauthorized, env.Code)
}

func TestPublishValidation(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1")

	w, env := s.do(t, http.MethodPost, "/api/v1/events", tok, map[string]interface{}{
		"type": "not.a.type",
		"data": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, env.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/events", tok, map[string]interface{}{"type": "goal.completed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishRoutesNotificationEndToEnd(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1")

	w, env := s.do(t, http.MethodPost, "/api/v1/events", tok, map[string]interface{}{
		"type": "goal.completed",
		"data": map[string]interface{}{"goal_name": "10k steps"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var evt struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &evt))
	assert.Equal(t, "goal.completed", evt.Type)
	assert.Equal(t, "u1", evt.UserID)

	// History is scoped to the caller.
	w, env = s.do(t, http.MethodGet, "/api/v1/events?type=goal.completed", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Events []json.RawMessage `json:"events"`
		Total  int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)

	_, env = s.do(t, http.MethodGet, "/api/v1/events", s.token(t, "u2"), nil)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 0, page.Total)

	// Routing and in-app delivery run in the background.
	var items []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Title  string `json:"title"`
	}
	require.Eventually(t, func() bool {
		_, env := s.do(t, http.MethodGet, "/api/v1/notifications", tok, nil)
		var p struct {
			Items json.RawMessage `json:"items"`
		}
		if json.Unmarshal(env.Data, &p) != nil || json.Unmarshal(p.Items, &items) != nil {
			return false
		}
		return len(items) == 1 && items[0].Status == "sent"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Goal completed", items[0].Title)

	// The in-app push was buffered for the offline user.
	w, env = s.do(t, http.MethodGet, "/api/v1/notifications/poll", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var poll struct {
		Messages []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"messages"`
		Cursor *time.Time `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &poll))
	require.Len(t, poll.Messages, 1)
	assert.Equal(t, items[0].ID, poll.Messages[0].ID)
	assert.NotNil(t, poll.Cursor)

	// Sent notifications can be marked read directly.
	w, env = s.do(t, http.MethodPatch, "/api/v1/notifications/"+items[0].ID, tok, map[string]string{"status": "read"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "read", updated.Status)

	// Other users cannot see it.
	w, _ = s.do(t, http.MethodGet, "/api/v1/notifications/"+items[0].ID, s.token(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationsStayInsideTheirApp(t *testing.T) {
	s := newTestServer(t)
	career := s.tokenFor(t, "u1", careerApp)
	love := s.token(t, "u1")

	w, _ := s.do(t, http.MethodPost, "/api/v1/events", career, map[string]interface{}{
		"type": "goal.completed",
		"data": map[string]interface{}{"goal_name": "secret career goal"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	type listPage struct {
		Items []struct {
			ID    string `json:"id"`
			AppID string `json:"app_id"`
		} `json:"items"`
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	var owned listPage
	require.Eventually(t, func() bool {
		_, env := s.do(t, http.MethodGet, "/api/v1/notifications", career, nil)
		return json.Unmarshal(env.Data, &owned) == nil && owned.Total == 1
	}, 2*time.Second, 20*time.Millisecond)
	id := owned.Items[0].ID
	assert.Equal(t, careerApp, owned.Items[0].AppID)

	// hugo_career does not share into hugo_love, even when asked by name.
	for _, path := range []string{"/api/v1/notifications", "/api/v1/notifications?app_id=" + careerApp} {
		w, env := s.do(t, http.MethodGet, path, love, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var p listPage
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Zero(t, p.Total, path)
		assert.Empty(t, p.Items, path)
	}

	for _, path := range []string{"/api/v1/notifications/poll", "/api/v1/notifications/poll?app_ids=" + careerApp} {
		w, env := s.do(t, http.MethodGet, path, love, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var poll struct {
			Messages []json.RawMessage `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &poll))
		assert.Empty(t, poll.Messages, path)
	}

	w, env := s.do(t, http.MethodGet, "/api/v1/notifications/"+id, love, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", env.Message)
	w, _ = s.do(t, http.MethodGet, "/api/v1/notifications/"+id+"/attempts", love, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodPatch, "/api/v1/notifications/"+id, love, map[string]string{"status": "read"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The owning app still reads it, and poll defaults to the caller's apps.
	w, _ = s.do(t, http.MethodGet, "/api/v1/notifications/"+id, career, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, env = s.do(t, http.MethodGet, "/api/v1/notifications/poll", career, nil)
	var poll struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &poll))
	assert.Len(t, poll.Messages, 1)
}

func TestNotificationListReportsRequestedLimit(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1")

	for path, want := range map[string]int{
		"/api/v1/notifications":             20,
		"/api/v1/notifications?limit=5":     5,
		"/api/v1/notifications?limit=10000": 100,
	} {
		w, env := s.do(t, http.MethodGet, path, tok, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var p struct {
			Limit int `json:"limit"`
			Total int `json:"total"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, want, p.Limit, path)
		assert.Zero(t, p.Total)
	}
}

func TestUnsubscribeForeignSubscriptionLooksMissing(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, "u1")

	w, env := s.do(t, http.MethodPost, "/api/v1/event-subscriptions", owner, map[string]interface{}{
		"event_types": []string{"session.*"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sub))

	w, env = s.do(t, http.MethodDelete, "/api/v1/event-subscriptions/"+sub.ID, s.token(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", env.Message)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/event-subscriptions/"+sub.ID, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPreferencesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1")

	w, env := s.do(t, http.MethodGet, "/api/v1/notification-preferences", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var prefs struct {
		Channels map[string]bool `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	assert.True(t, prefs.Channels["in_app"])

	w, env = s.do(t, http.MethodPatch, "/api/v1/notification-preferences", tok, map[string]interface{}{
		"channels": map[string]bool{"email": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &prefs))
	assert.True(t, prefs.Channels["email"])
	assert.True(t, prefs.Channels["in_app"])
}

func TestConnectionLifecycle(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "u1")

	w, env := s.do(t, http.MethodPost, "/api/v1/notifications/connections", tok, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var conn struct {
		ConnectionID string `json:"connection_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &conn))

	w, _ = s.do(t, http.MethodPost, "/api/v1/notifications/heartbeat", tok, map[string]string{"connection_id": conn.ConnectionID})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/notifications/heartbeat", s.token(t, "u2"), map[string]string{"connection_id": conn.ConnectionID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/notifications/connection-status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Connected   bool              `json:"connected"`
		Connections []json.RawMessage `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Connected)
	assert.Len(t, status.Connections, 1)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/notifications/connections/"+conn.ConnectionID, tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, env = s.do(t, http.MethodGet, "/api/v1/notifications/connection-status", tok, nil)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.Connected)
}
