package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"agtools/internal/antigravity"
	"agtools/internal/config"
)

// seedAccount writes one usable account under the test HOME so Start
// has something to load.
func seedAccount(t *testing.T) {
	t.Helper()
	path, err := antigravity.DefaultAccountsPath()
	require.NoError(t, err)
	am, err := antigravity.NewAccountManager(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, am.AddAccount(&antigravity.Account{
		Email:        "alice@example.com",
		AccessToken:  "token-alice",
		RefreshToken: "refresh-alice",
		AccessExpiry: time.Now().Add(time.Hour),
	}))
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	seedAccount(t)

	cfg := config.DefaultConfig()
	cfg.Proxy.Port = 0
	for _, m := range mutate {
		m(cfg)
	}

	srv := NewServer(cfg, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		if srv.Status().Running {
			srv.Stop(context.Background())
		}
	})
	return srv
}

// fakeUpstream stands in for the cloudcode endpoints and rewires the
// dispatcher at it.
func fakeUpstream(t *testing.T, srv *Server, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)
	srv.dispatcher.endpoints = []string{upstream.URL}
	return upstream
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t)

	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyRunning)

	st := srv.Status()
	assert.True(t, st.Running)
	assert.NotZero(t, st.Port)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d", st.Port), st.BaseURL)
	assert.Equal(t, 1, st.ActiveAccounts)

	require.NoError(t, srv.Stop(context.Background()))
	assert.ErrorIs(t, srv.Stop(context.Background()), ErrNotRunning)
	assert.False(t, srv.Status().Running)
}

func TestServerRequiresAccountsUnlessZAIActive(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Proxy.Port = 0
	srv := NewServer(cfg, zap.NewNop())
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts configured")

	cfg.Proxy.ZAI.Enabled = true
	cfg.Proxy.ZAI.APIKey = "zai-key"
	cfg.Proxy.ZAI.DispatchMode = config.ZAIDispatchAll
	srv = NewServer(cfg, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.Status().BaseURL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["accounts"])
}

func TestModelListings(t *testing.T) {
	srv := newTestServer(t)
	base := srv.Status().BaseURL

	resp, err := http.Get(base + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	var openai struct {
		Object string        `json:"object"`
		Data   []OpenAIModel `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&openai))
	assert.Equal(t, "list", openai.Object)
	assert.NotEmpty(t, openai.Data)

	resp, err = http.Get(base + "/v1beta/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	var gemini struct {
		Models []GeminiModel `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&gemini))
	require.NotEmpty(t, gemini.Models)
	assert.True(t, strings.HasPrefix(gemini.Models[0].Name, "models/"))
}

func TestAPIKeyMiddleware(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Proxy.APIKey = "sekret"
	})
	base := srv.Status().BaseURL

	// Health stays open.
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// No key.
	resp, err = http.Get(base + "/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// x-api-key form.
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/models", nil)
	req.Header.Set("x-api-key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Bearer form.
	req, _ = http.NewRequest(http.MethodGet, base+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	fakeUpstream(t, srv, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "v1internal:generateContent")
		json.NewEncoder(w).Encode(textResponse("pong"))
	})

	payload := mustJSON(t, OpenAIRequest{
		Model:    "gpt-4o",
		Messages: []OpenAIMessage{{Role: "user", Content: "ping"}},
	})
	resp, err := http.Post(srv.Status().BaseURL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out OpenAIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gpt-4o", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "pong", out.Choices[0].Message.Content)
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := newTestServer(t)
	fakeUpstream(t, srv, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "streamGenerateContent")
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo"} {
			frame := v1internalResponse{Response: GeminiResponse{
				Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: text}}}}},
			}}
			fmt.Fprintf(w, "data: %s\n\n", mustJSON(t, frame))
		}
	})

	payload := mustJSON(t, OpenAIRequest{
		Model:    "gpt-4o",
		Messages: []OpenAIMessage{{Role: "user", Content: "ping"}},
		Stream:   true,
	})
	resp, err := http.Post(srv.Status().BaseURL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	raw := string(body)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))

	var contents []string
	for _, line := range strings.Split(raw, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk OpenAIStreamChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		if len(chunk.Choices) > 0 {
			contents = append(contents, chunk.Choices[0].Delta.Content)
		}
	}
	assert.Equal(t, "Hello", strings.Join(contents, ""))
}

func TestMessagesEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	fakeUpstream(t, srv, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(textResponse("pong"))
	})

	payload := mustJSON(t, AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 128,
		Messages:  []AnthropicMessage{{Role: "user", Content: "ping"}},
	})
	resp, err := http.Post(srv.Status().BaseURL+"/v1/messages", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out AnthropicResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "message", out.Type)
	require.NotEmpty(t, out.Content)
	assert.Equal(t, "pong", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
}

func TestDispatchErrorSurfacesAsProtocolError(t *testing.T) {
	srv := newTestServer(t)
	fakeUpstream(t, srv, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	payload := mustJSON(t, OpenAIRequest{
		Model:    "gpt-4o",
		Messages: []OpenAIMessage{{Role: "user", Content: "ping"}},
	})
	resp, err := http.Post(srv.Status().BaseURL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The only account gets benched, so the pool reads as exhausted.
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var out struct {
		Error OpenAIError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "rate_limit_error", out.Error.Type)
	assert.NotEmpty(t, out.Error.Message)
}

func TestServerStartStopNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := newTestServer(t)
	client := &http.Client{Transport: &http.Transport{}}

	resp, err := client.Get(srv.Status().BaseURL + "/healthz")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	client.CloseIdleConnections()
	require.NoError(t, srv.Stop(context.Background()))
}
