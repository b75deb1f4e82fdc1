//go:build integration

package api_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationFlow(t *testing.T) {
	user := uniqueUser("notify")

	resp := makeRequest("POST", "/events", map[string]interface{}{
		"type": "reward.earned",
		"data": map[string]interface{}{"reward_name": "Smoke Badge"},
	}, user)
	require.True(t, resp.IsSuccess(), resp.Message)

	var notificationID string
	require.Eventually(t, func() bool {
		list := makeRequest("GET", "/notifications", nil, user)
		if !list.IsSuccess() {
			return false
		}
		items, _ := list.Data["items"].([]interface{})
		if len(items) == 0 {
			return false
		}
		n, _ := items[0].(map[string]interface{})
		notificationID, _ = n["id"].(string)
		return n["status"] == "sent"
	}, 10*time.Second, 200*time.Millisecond)

	// The user was offline, so the in-app copy waits in the buffer.
	poll := makeRequest("GET", "/notifications/poll", nil, user)
	require.True(t, poll.IsSuccess(), poll.Message)
	var messages []map[string]interface{}
	raw, _ := json.Marshal(poll.Data["messages"])
	require.NoError(t, json.Unmarshal(raw, &messages))
	require.NotEmpty(t, messages)
	assert.Equal(t, notificationID, messages[0]["id"])

	read := makeRequest("PATCH", fmt.Sprintf("/notifications/%s", notificationID), map[string]string{"status": "read"}, user)
	require.True(t, read.IsSuccess(), read.Message)
	assert.Equal(t, "read", read.GetString("status"))
}

func TestPreferencesSuppressEventType(t *testing.T) {
	user := uniqueUser("prefs")

	update := makeRequest("PATCH", "/notification-preferences", map[string]interface{}{
		"event_types": map[string]bool{"reward.*": false},
	}, user)
	require.True(t, update.IsSuccess(), update.Message)

	resp := makeRequest("POST", "/events", map[string]interface{}{
		"type": "reward.earned",
		"data": map[string]interface{}{},
	}, user)
	require.True(t, resp.IsSuccess(), resp.Message)

	// Give routing a moment; nothing should appear.
	time.Sleep(time.Second)
	list := makeRequest("GET", "/notifications", nil, user)
	require.True(t, list.IsSuccess(), list.Message)
	items, _ := list.Data["items"].([]interface{})
	assert.Empty(t, items)
}

func TestConnectionStatus(t *testing.T) {
	user := uniqueUser("conn")

	open := makeRequest("POST", "/notifications/connections", nil, user)
	require.True(t, open.IsSuccess(), open.Message)
	connID := open.GetString("connection_id")

	status := makeRequest("GET", "/notifications/connection-status", nil, user)
	require.True(t, status.IsSuccess(), status.Message)
	assert.Equal(t, true, status.Data["connected"])

	closeResp := makeRequest("DELETE", fmt.Sprintf("/notifications/connections/%s", connID), nil, user)
	assert.True(t, closeResp.IsSuccess(), closeResp.Message)
}
