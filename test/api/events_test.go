//go:build integration

package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndHistory(t *testing.T) {
	user := uniqueUser("smoke")

	createResp := makeRequest("POST", "/events", map[string]interface{}{
		"type": "goal.completed",
		"data": map[string]interface{}{"goal_name": "smoke test"},
	}, user)
	require.True(t, createResp.IsSuccess(), "Failed to publish event: %s", createResp.Message)
	assert.Equal(t, http.StatusCreated, createResp.Code)
	eventID := createResp.GetString("id")
	assert.NotEmpty(t, eventID)

	listResp := makeRequest("GET", "/events?type=goal.completed", nil, user)
	require.True(t, listResp.IsSuccess(), listResp.Message)
	var events []map[string]interface{}
	raw, _ := json.Marshal(listResp.Data["events"])
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0]["id"])
}

func TestPublishRejectsUnknownType(t *testing.T) {
	resp := makeRequest("POST", "/events", map[string]interface{}{
		"type": "nope.nothing",
		"data": map[string]interface{}{},
	}, uniqueUser("smoke"))
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSubscriptionOwnership(t *testing.T) {
	owner := uniqueUser("owner")

	createResp := makeRequest("POST", "/event-subscriptions", map[string]interface{}{
		"event_types": []string{"session.*"},
	}, owner)
	require.True(t, createResp.IsSuccess(), createResp.Message)
	subID := createResp.GetString("id")

	otherResp := makeRequest("DELETE", fmt.Sprintf("/event-subscriptions/%s", subID), nil, uniqueUser("other"))
	assert.Equal(t, http.StatusNotFound, otherResp.Code)

	deleteResp := makeRequest("DELETE", fmt.Sprintf("/event-subscriptions/%s", subID), nil, owner)
	assert.True(t, deleteResp.IsSuccess(), deleteResp.Message)
}
