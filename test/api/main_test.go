//go:build integration

// Smoke tests against a running eventhub API. Run with
//
//	HUB_API_URL=http://localhost:8080 HUB_TEST_APP=hugo_love HUB_TEST_API_KEY=... go test -tags integration ./test/api
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var (
	baseURL = "http://localhost:8080"
	appID   string
	apiKey  string
)

// APIResponse represents the API response structure
type APIResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TestResponse wraps the API response for testing
type TestResponse struct {
	Code    int
	Status  string
	Message string
	Data    map[string]interface{}
	RawData string
}

func (r TestResponse) IsSuccess() bool {
	return r.Status == "success"
}

func (r TestResponse) GetString(key string) string {
	if r.Data == nil {
		return ""
	}
	if v, ok := r.Data[key].(string); ok {
		return v
	}
	return ""
}

func checkAPIServer() error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health/ready")
	if err != nil {
		return fmt.Errorf("API server not reachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API server not ready: HTTP %d", resp.StatusCode)
	}
	return nil
}

func TestMain(m *testing.M) {
	if v := os.Getenv("HUB_API_URL"); v != "" {
		baseURL = v
	}
	appID = os.Getenv("HUB_TEST_APP")
	apiKey = os.Getenv("HUB_TEST_API_KEY")
	if appID == "" || apiKey == "" {
		fmt.Println("HUB_TEST_APP and HUB_TEST_API_KEY must be set")
		os.Exit(1)
	}

	// Add retry logic for server startup
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		if err := checkAPIServer(); err != nil {
			if i == maxRetries-1 {
				fmt.Printf("Error: %v\nMake sure the API server is running at %s\n", err, baseURL)
				os.Exit(1)
			}
			fmt.Printf("Waiting for API server (attempt %d/%d)...\n", i+1, maxRetries)
			time.Sleep(2 * time.Second)
			continue
		}
		break
	}

	os.Exit(m.Run())
}

// uniqueUser keeps runs against a shared database apart.
func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// makeRequest calls the API as userID of the test app. An empty userID
// publishes as the app itself.
func makeRequest(method, path string, body interface{}, userID string) TestResponse {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return TestResponse{Status: "error", Message: err.Error()}
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, baseURL+"/api/v1"+path, reqBody)
	if err != nil {
		return TestResponse{Status: "error", Message: err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	response, err := client.Do(req)
	if err != nil {
		return TestResponse{Status: "error", Message: err.Error()}
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return TestResponse{Code: response.StatusCode, Status: "error", Message: err.Error()}
	}
	if response.StatusCode == http.StatusNoContent {
		return TestResponse{Code: response.StatusCode, Status: "success"}
	}
	if response.StatusCode >= http.StatusBadRequest {
		return TestResponse{
			Code:    response.StatusCode,
			Status:  "error",
			Message: fmt.Sprintf("HTTP %d: %s", response.StatusCode, string(respBody)),
		}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return TestResponse{
			Code:    response.StatusCode,
			Status:  "error",
			Message: fmt.Sprintf("Failed to parse response: %s\nRaw response: %s", err.Error(), string(respBody)),
		}
	}

	testResp := TestResponse{
		Code:    response.StatusCode,
		Status:  apiResp.Status,
		Message: apiResp.Message,
		RawData: string(apiResp.Data),
	}
	if len(apiResp.Data) > 0 {
		var data map[string]interface{}
		if err := json.Unmarshal(apiResp.Data, &data); err == nil {
			testResp.Data = data
		}
	}
	return testResp
}
