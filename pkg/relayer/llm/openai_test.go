package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAI_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.Equal(t, 100, req.MaxTokens)
		assert.Equal(t, 0.3, req.PresencePenalty)
		assert.Equal(t, 0.3, req.FrequencyPenalty)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleUser, req.Messages[1].Role)

		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"42"}}]}`))
	}))
	defer server.Close()

	cfg := DefaultOpenAIConfig("sk-test")
	cfg.URL = server.URL
	reply, err := NewOpenAI(cfg, server.Client()).Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "earlier"},
		{Role: RoleUser, Content: "what is the answer?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", reply)
}

func TestOpenAI_Errors(t *testing.T) {
	for name, tc := range map[string]struct {
		status int
		body   string
	}{
		"api error":  {http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`},
		"no choices": {http.StatusOK, `{"choices":[]}`},
		"not json":   {http.StatusBadGateway, `<html>`},
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			cfg := DefaultOpenAIConfig("sk-test")
			cfg.URL = server.URL
			_, err := NewOpenAI(cfg, server.Client()).Complete(context.Background(), nil)
			assert.Error(t, err)
		})
	}
}
