package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolCallCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 0,
  "model": "test-model",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "save_script", "arguments": "{\"name\":\"AAPL.py\"}"}
      }, {
        "id": "call_2",
        "type": "function",
        "function": {"name": "execute_script", "arguments": "not json"}
      }]
    }
  }]
}`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestChatCompletionParsesToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, toolCallCompletion)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "key", "test-model", quiet())
	resp, err := c.ChatCompletion(context.Background(),
		[]Message{SystemMessage("sys"), UserMessage("price of AAPL")},
		[]ToolDef{{Name: "save_script", Description: "save", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)

	assert.Equal(t, "test-model", body["model"])
	assert.Len(t, body["messages"], 2)
	assert.Len(t, body["tools"], 1)

	require.Len(t, resp.Message.ToolCalls, 2)
	assert.Equal(t, "save_script", resp.Message.ToolCalls[0].Name)
	assert.Equal(t, "AAPL.py", resp.Message.ToolCalls[0].Args["name"])
	assert.Equal(t, "not json", resp.Message.ToolCalls[1].Args["_raw"])
}

func TestChatCompletionRetriesRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the rate limit backoff")
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		io.WriteString(w, `{"id":"x","object":"chat.completion","created":0,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"done"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "key", "m", quiet())
	resp, err := c.ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionNoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "key", "m", quiet())
	_, err := c.ChatCompletion(context.Background(), []Message{UserMessage("hi")}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConvertMessagesKeepsToolCallPairs(t *testing.T) {
	msgs := []Message{
		SystemMessage("s"),
		UserMessage("u"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "list_scripts", Args: map[string]any{}}}},
		ToolResultMessage("c1", "[]"),
		AssistantMessage("nothing saved yet"),
	}
	out := convertMessages(msgs)
	require.Len(t, out, 5)
	require.NotNil(t, out[2].OfAssistant)
	assert.Equal(t, "list_scripts", out[2].OfAssistant.ToolCalls[0].Function.Name)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "c1", out[3].OfTool.ToolCallID)
}
