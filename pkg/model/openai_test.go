package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/toolregistry"
)

func setupOpenAIServer(t *testing.T, status int, body string, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("Authorization"))
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func addSchema() []toolregistry.Schema {
	return []toolregistry.Schema{{
		Name:        "add",
		Description: "Add two numbers together.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"a": map[string]interface{}{"type": "number"}, "b": map[string]interface{}{"type": "number"}},
			"required":   []string{"a", "b"},
		},
	}}
}

func TestOpenAIClient_ToolCalls(t *testing.T) {
	var captured map[string]interface{}
	srv := setupOpenAIServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "llama3-70b-8192",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant", "content": null,
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "add", "arguments": "{\"a\":15,\"b\":27}"}}]
		}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, &captured)

	client := NewOpenAIClient(Config{Provider: ProviderGroq, Model: "llama3-70b-8192", APIKey: "gsk_test", BaseURL: srv.URL + "/v1"})
	assert.Equal(t, ProviderGroq, client.Provider())

	turn, err := client.Generate(context.Background(), Request{
		Instruction: "You are a helpful calculator assistant.",
		History:     scenarioHistory()[:4],
		Tools:       addSchema(),
	})
	require.NoError(t, err)

	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, "call_1", turn.ToolCalls[0].ID)
	assert.Equal(t, "add", turn.ToolCalls[0].Name)
	assert.Equal(t, 15.0, turn.ToolCalls[0].Arguments["a"])
	assert.Equal(t, 10, turn.Usage.InputTokens)

	assert.Equal(t, "llama3-70b-8192", captured["model"])
	messages := captured["messages"].([]interface{})
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "user", messages[1].(map[string]interface{})["role"])
	assistant := messages[2].(map[string]interface{})
	assert.Equal(t, "assistant", assistant["role"])
	assert.Len(t, assistant["tool_calls"], 1)
	tool := messages[3].(map[string]interface{})
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c1", tool["tool_call_id"])
	assert.JSONEq(t, `{"result":42}`, tool["content"].(string))

	tools := captured["tools"].([]interface{})
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "add", fn["name"])
}

func TestOpenAIClient_Text(t *testing.T) {
	srv := setupOpenAIServer(t, http.StatusOK, `{
		"id": "chatcmpl-2", "object": "chat.completion", "created": 0, "model": "m",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "42"}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`, nil)

	client := NewOpenAIClient(Config{Model: "m", APIKey: "gsk_test", BaseURL: srv.URL + "/v1"})
	turn, err := client.Generate(context.Background(), Request{History: scenarioHistory()[:1]})
	require.NoError(t, err)
	assert.Equal(t, "42", turn.Text)
	assert.False(t, turn.HasToolCalls())
	assert.Equal(t, ProviderOpenAI, client.Provider())
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, true},
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream"}}`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"invalid tool schema"}}`, false},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[]}`, false},
		{"empty message", http.StatusOK, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":""}}]}`, false},
		{"malformed arguments", http.StatusOK, `{"id":"x","object":"chat.completion","created":0,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[{"id":"c","type":"function","function":{"name":"add","arguments":"{oops"}}]}}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setupOpenAIServer(t, tt.status, tt.body, nil)
			client := NewOpenAIClient(Config{Model: "m", APIKey: "gsk_test", BaseURL: srv.URL + "/v1"})

			_, err := client.Generate(context.Background(), Request{History: scenarioHistory()[:1]})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if !tt.retryable {
				assert.ErrorIs(t, err, ErrProtocol)
			}
		})
	}
}
