package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), "path %s", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "plan here"}, "finish_reason": "stop"}]
		}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewOpenAI("test-key", WithBaseURL(srv.URL), WithModel("gpt-4o-mini"))
	require.NoError(t, err)

	reply, err := c.Complete(context.Background(), []Message{
		System("you plan browser automation"),
		User("click the login button"),
	})
	require.NoError(t, err)
	assert.Equal(t, "plan here", reply)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])

	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "system", first["role"])
}

func TestOpenAICompleteAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "model not found"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewOpenAI("test-key", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []Message{User("anything")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot complete chat")
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewOpenAI("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}

func TestFakeReplaysAndRecords(t *testing.T) {
	t.Parallel()

	f := NewFake("first", "second")

	reply, err := f.Complete(context.Background(), []Message{User("a")})
	require.NoError(t, err)
	assert.Equal(t, "first", reply)

	reply, err = f.Complete(context.Background(), []Message{User("b"), Assistant("first"), User("c")})
	require.NoError(t, err)
	assert.Equal(t, "second", reply)

	_, err = f.Complete(context.Background(), []Message{User("d")})
	assert.ErrorContains(t, err, "exhausted")

	calls := f.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0][0].Content)
	require.Len(t, calls[1], 3)
	assert.Equal(t, RoleAssistant, calls[1][1].Role)
}
