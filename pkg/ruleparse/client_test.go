package ruleparse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewClient(&Config{BaseURL: serverURL, APIKey: "test-key", Timeout: 2 * time.Second}, logger)
}

func TestParse_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/parse", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ParseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Description)

		json.NewEncoder(w).Encode(ParseResult{
			Name:        "低分告警",
			TriggerType: "event",
			Conditions:  []ConditionSpec{{Field: "health_score", Op: "lt", Value: 40}},
			Actions:     []ActionSpec{{Type: "send_notification"}},
		})
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Parse(context.Background(), "健康分低于40时通知我")
	require.NoError(t, err)
	assert.Equal(t, "低分告警", result.Name)
	assert.Equal(t, "event", result.TriggerType)
	require.Len(t, result.Conditions, 1)
	assert.Equal(t, "lt", result.Conditions[0].Op)
	require.Len(t, result.Actions, 1)
}

func TestParse_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(errorResponse{Error: "cannot derive a rule from this text"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Parse(context.Background(), "随便说点什么")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot derive a rule")
}

func TestParse_IncompleteRuleRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 缺 trigger 字段
		json.NewEncoder(w).Encode(map[string]string{"name": "半成品"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Parse(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestParse_EmptyDescription(t *testing.T) {
	_, err := newTestClient("http://unused").Parse(context.Background(), "")
	require.Error(t, err)
}
