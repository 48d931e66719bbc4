package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agtools/internal/antigravity"
	"agtools/internal/proxy/routing"
)

func newTestAccounts(t *testing.T, emails ...string) *antigravity.AccountManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	am, err := antigravity.NewAccountManager(path, zap.NewNop())
	require.NoError(t, err)
	for _, email := range emails {
		require.NoError(t, am.AddAccount(&antigravity.Account{
			Email:        email,
			AccessToken:  "token-" + email,
			RefreshToken: "refresh-" + email,
			AccessExpiry: time.Now().Add(time.Hour),
		}))
	}
	return am
}

func newTestDispatcher(am *antigravity.AccountManager, endpoints ...string) *Dispatcher {
	d := newDispatcher(am, &http.Client{}, zap.NewNop())
	d.endpoints = endpoints
	return d
}

func textResponse(text string) v1internalResponse {
	return v1internalResponse{Response: GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: text}}},
			FinishReason: "STOP",
		}},
	}}
}

func simplePlan(models ...string) routing.RoutePlan {
	plan := routing.RoutePlan{Primary: models[0], Policy: routing.DefaultPolicy()}
	if len(models) > 1 {
		plan.Fallbacks = models[1:]
	}
	return plan
}

func userRequest(text string) GeminiRequest {
	return GeminiRequest{Contents: []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: text}}}}}
}

func TestDispatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1internalRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gemini-3-pro-high", req.Model)
		assert.NotEmpty(t, req.Project)
		assert.Equal(t, "Bearer token-alice@example.com", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(textResponse("hello"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com")
	d := newTestDispatcher(am, srv.URL)

	result, err := d.Dispatch(context.Background(), simplePlan("gemini-3-pro-high"), userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", result.Account)
	assert.Equal(t, "gemini-3-pro-high", result.Model)
	require.NotNil(t, result.Response)
	assert.Equal(t, "hello", result.Response.Candidates[0].Content.Parts[0].Text)
}

func TestDispatch_RateLimitRotatesAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-alice@example.com" {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(textResponse("served by bob"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com", "bob@example.com")
	d := newTestDispatcher(am, srv.URL)

	result, err := d.Dispatch(context.Background(), simplePlan("claude-sonnet-4-5"), userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", result.Account)

	// Alice is benched for the claude pool only.
	alice := am.GetAccount("alice@example.com")
	require.NotNil(t, alice)
	assert.True(t, alice.IsRateLimited(antigravity.QuotaClaude))
	assert.False(t, alice.IsRateLimited(antigravity.QuotaGeminiCLI))
}

func TestDispatch_AllAccountsBenched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com", "bob@example.com")
	d := newTestDispatcher(am, srv.URL)

	_, err := d.Dispatch(context.Background(), simplePlan("claude-sonnet-4-5"), userRequest("hi"), false, "sticky")
	require.Error(t, err)
	assert.ErrorIs(t, err, antigravity.ErrNoUsableAccount)
}

func TestDispatch_AccuracyFirstDrainsAccountsBeforeModels(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1internalRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "claude-sonnet-4-5" {
			primaryCalls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fallbackCalls.Add(1)
		json.NewEncoder(w).Encode(textResponse("fallback"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com", "bob@example.com")
	d := newTestDispatcher(am, srv.URL)

	plan := simplePlan("claude-sonnet-4-5", "gemini-3-pro-high")
	result, err := d.Dispatch(context.Background(), plan, userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "gemini-3-pro-high", result.Model)
	// Both accounts were tried on the primary before the model rotated.
	assert.Equal(t, int64(2), primaryCalls.Load())
	assert.Equal(t, int64(1), fallbackCalls.Load())
}

func TestDispatch_CapacityFirstRotatesModelsFirst(t *testing.T) {
	var primaryCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1internalRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "claude-sonnet-4-5" {
			primaryCalls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(textResponse("fallback"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com", "bob@example.com")
	d := newTestDispatcher(am, srv.URL)

	plan := routing.RoutePlan{
		Primary:   "claude-sonnet-4-5",
		Fallbacks: []string{"gemini-3-pro-high"},
		Policy: routing.FallbackPolicy{
			ModelPriority: routing.CapacityFirst,
			Stickiness:    routing.StickinessWeak,
		},
	}
	result, err := d.Dispatch(context.Background(), plan, userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "gemini-3-pro-high", result.Model)
	// One 429 on the primary is enough to rotate models; the second
	// account stays unbenched for the claude pool.
	assert.Equal(t, int64(1), primaryCalls.Load())
}

func TestDispatch_SchemaRejectionRetriesStripped(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req v1internalRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if calls.Add(1) == 1 {
			assert.NotNil(t, req.Request.Tools[0].FunctionDeclarations[0].Parameters)
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
				"code":    400,
				"message": "Invalid JSON payload received. Unknown name \"parameters\"",
			}})
			return
		}
		// The retry must arrive without schemas.
		assert.Nil(t, req.Request.Tools[0].FunctionDeclarations[0].Parameters)
		json.NewEncoder(w).Encode(textResponse("ok"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com")
	d := newTestDispatcher(am, srv.URL)

	greq := userRequest("hi")
	greq.Tools = []GeminiTool{{FunctionDeclarations: []GeminiFunctionDeclaration{{
		Name:       "search",
		Parameters: map[string]any{"type": "object"},
	}}}}

	result, err := d.Dispatch(context.Background(), simplePlan("gemini-3-pro-high"), greq, false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, "ok", result.Response.Candidates[0].Content.Parts[0].Text)
}

func TestDispatch_EndpointFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(textResponse("ok"))
	}))
	defer good.Close()

	am := newTestAccounts(t, "alice@example.com")
	d := newTestDispatcher(am, bad.URL, good.URL)

	result, err := d.Dispatch(context.Background(), simplePlan("gemini-3-pro-high"), userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Response.Candidates[0].Content.Parts[0].Text)
}

func TestDispatch_ClientErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "model not found"}})
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com")
	d := newTestDispatcher(am, srv.URL)

	_, err := d.Dispatch(context.Background(), simplePlan("gemini-3-pro-high"), userRequest("hi"), false, "sticky")
	require.Error(t, err)

	var ue *upstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.status)

	// Client errors do not bench the account.
	alice := am.GetAccount("alice@example.com")
	assert.False(t, alice.IsCoolingDown())
	assert.False(t, alice.IsRateLimited(antigravity.QuotaGeminiCLI))
}

func TestDispatch_AuthErrorBenchesAndRotates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-alice@example.com" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(textResponse("served by bob"))
	}))
	defer srv.Close()

	am := newTestAccounts(t, "alice@example.com", "bob@example.com")
	d := newTestDispatcher(am, srv.URL)

	result, err := d.Dispatch(context.Background(), simplePlan("gemini-3-pro-high"), userRequest("hi"), false, "sticky")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", result.Account)
	assert.True(t, am.GetAccount("alice@example.com").IsCoolingDown())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7", nil))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon", nil))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("", []byte("quota exceeded")))

	body := []byte(`{"error":{"code":429,"message":"rate limited","status":"RESOURCE_EXHAUSTED","details":[
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}]}}`)
	assert.Equal(t, 12*time.Second, parseRetryAfter("", body))
}

func TestStripSchemas(t *testing.T) {
	greq := userRequest("hi")
	greq.Tools = []GeminiTool{{FunctionDeclarations: []GeminiFunctionDeclaration{{
		Name:       "search",
		Parameters: map[string]any{"type": "object"},
	}}}}
	greq.GenerationConfig = &GeminiGenerationConfig{
		ResponseMimeType: "application/json",
		ResponseSchema:   map[string]any{"type": "object"},
	}

	stripped := stripSchemas(greq)
	assert.Nil(t, stripped.Tools[0].FunctionDeclarations[0].Parameters)
	assert.Nil(t, stripped.GenerationConfig.ResponseSchema)
	assert.Empty(t, stripped.GenerationConfig.ResponseMimeType)

	// The original request is untouched.
	assert.NotNil(t, greq.Tools[0].FunctionDeclarations[0].Parameters)
	assert.NotNil(t, greq.GenerationConfig.ResponseSchema)
}
