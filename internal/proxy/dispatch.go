package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"agtools/internal/antigravity"
	"agtools/internal/proxy/routing"
)

// defaultRetryAfter benches a rate-limited pool when the 429 carries no
// parseable delay.
const defaultRetryAfter = 60 * time.Second

// errTryNextAccount marks failures where rotating to another account
// may succeed. The failing account has already been benched.
var errTryNextAccount = errors.New("try next account")

// upstreamResult is one successful dispatch. Response is set for
// buffered calls, Body for streamed ones. The caller owns Body.
type upstreamResult struct {
	Model    string
	Account  string
	Response *GeminiResponse
	Body     io.ReadCloser
}

// upstreamError preserves an upstream rejection so the protocol
// handlers can render it with the original status.
type upstreamError struct {
	status int
	body   []byte
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream rejected request (%d): %s", e.status, truncate(string(e.body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Dispatcher sends translated Gemini requests to the cloudcode
// endpoints, walking the route plan's candidate models and rotating
// accounts inside each model's quota pool.
type Dispatcher struct {
	accounts  *antigravity.AccountManager
	client    *http.Client
	endpoints []string
	logger    *zap.Logger
}

func newDispatcher(accounts *antigravity.AccountManager, client *http.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		accounts:  accounts,
		client:    client,
		endpoints: antigravity.EndpointFallbacks,
		logger:    logger,
	}
}

// Dispatch walks the plan until one candidate model answers. mode is
// the account scheduling mode (sticky, round-robin, hybrid).
func (d *Dispatcher) Dispatch(ctx context.Context, plan routing.RoutePlan, greq GeminiRequest, stream bool, mode string) (*upstreamResult, error) {
	candidates := plan.Candidates()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("route plan has no candidates")
	}
	if maxModels := plan.MaxModels(); len(candidates) > maxModels {
		candidates = candidates[:maxModels]
	}

	if plan.IsCapacityFirst() {
		return d.dispatchCapacityFirst(ctx, candidates, greq, stream, mode)
	}
	return d.dispatchAccuracyFirst(ctx, candidates, greq, stream, mode)
}

// dispatchAccuracyFirst drains every account on the best model before
// falling back to the next candidate.
func (d *Dispatcher) dispatchAccuracyFirst(ctx context.Context, candidates []string, greq GeminiRequest, stream bool, mode string) (*upstreamResult, error) {
	var lastErr error
	for _, model := range candidates {
		// One extra attempt so a pool fully benched during the walk
		// surfaces as ErrNoUsableAccount, not as the last 429.
		attempts := d.accounts.Count() + 1
		for attempt := 0; attempt < attempts; attempt++ {
			result, err := d.tryModel(ctx, model, greq, stream, mode)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if errors.Is(err, antigravity.ErrNoUsableAccount) {
				break
			}
			if errors.Is(err, errTryNextAccount) {
				continue
			}
			return nil, err
		}
	}
	return nil, lastErr
}

// dispatchCapacityFirst rotates to the next candidate model as soon as
// the current one hits a limit, keeping rounds going while any pool
// still has a usable account.
func (d *Dispatcher) dispatchCapacityFirst(ctx context.Context, candidates []string, greq GeminiRequest, stream bool, mode string) (*upstreamResult, error) {
	var lastErr error
	rounds := d.accounts.Count() + 1
	for round := 0; round < rounds; round++ {
		progressed := false
		for _, model := range candidates {
			result, err := d.tryModel(ctx, model, greq, stream, mode)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if errors.Is(err, antigravity.ErrNoUsableAccount) {
				continue
			}
			if errors.Is(err, errTryNextAccount) {
				progressed = true
				continue
			}
			return nil, err
		}
		if !progressed {
			break
		}
	}
	return nil, lastErr
}

// tryModel runs one account attempt for one model: select an account
// from the model's quota pool, refresh its token, then walk the
// endpoint fallbacks.
func (d *Dispatcher) tryModel(ctx context.Context, model string, greq GeminiRequest, stream bool, mode string) (*upstreamResult, error) {
	headerStyle := antigravity.GetHeaderStyle(model)
	quotaKey := antigravity.GetQuotaKey(model, headerStyle)

	acc, err := d.accounts.GetCurrentOrNextForFamily(quotaKey, model, mode)
	if err != nil {
		return nil, err
	}

	token, err := d.accounts.EnsureAccessToken(ctx, acc)
	if err != nil {
		d.accounts.MarkFailure(acc.Index, "token refresh failed")
		return nil, fmt.Errorf("%w: %v", errTryNextAccount, err)
	}

	project := acc.ProjectID
	if project == "" {
		project = acc.ManagedProjectID
	}
	if project == "" {
		project = antigravity.DefaultProjectID
	}

	payload, err := json.Marshal(v1internalRequest{Model: model, Project: project, Request: greq})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	method := "v1internal:generateContent"
	if stream {
		method = "v1internal:streamGenerateContent?alt=sse"
	}

	stripped := false
	var lastErr error
	for i := 0; i < len(d.endpoints); i++ {
		url := d.endpoints[i] + "/" + method
		resp, err := d.send(ctx, url, payload, token, headerStyle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			d.accounts.MarkSuccess(acc.Index)
			if stream {
				return &upstreamResult{Model: model, Account: acc.Email, Body: resp.Body}, nil
			}
			var env v1internalResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&env)
			resp.Body.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("failed to decode upstream response: %w", decodeErr)
			}
			return &upstreamResult{Model: model, Account: acc.Email, Response: &env.Response}, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), body)
			d.accounts.MarkRateLimited(acc.Index, quotaKey, retryAfter)
			d.logger.Warn("account rate limited",
				zap.String("account", acc.Email),
				zap.String("pool", quotaKey),
				zap.String("model", model),
				zap.Duration("retry_after", retryAfter))
			return nil, fmt.Errorf("%w: %s rate limited on %s", errTryNextAccount, acc.Email, quotaKey)

		case resp.StatusCode == http.StatusBadRequest && !stripped && hasSchemas(greq) && schemaRejected(body):
			strippedPayload, marshalErr := json.Marshal(v1internalRequest{
				Model:   model,
				Project: project,
				Request: stripSchemas(greq),
			})
			if marshalErr != nil {
				return nil, &upstreamError{status: resp.StatusCode, body: body}
			}
			d.logger.Warn("schema rejected upstream, retrying without schemas", zap.String("model", model))
			stripped = true
			payload = strippedPayload
			// Retry the same endpoint once with the stripped payload.
			i--

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			d.accounts.MarkFailure(acc.Index, fmt.Sprintf("upstream auth error %d", resp.StatusCode))
			return nil, fmt.Errorf("%w: auth rejected with %d for %s", errTryNextAccount, resp.StatusCode, acc.Email)

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("endpoint %s returned %d", d.endpoints[i], resp.StatusCode)

		default:
			return nil, &upstreamError{status: resp.StatusCode, body: body}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoint reachable")
	}
	d.accounts.MarkFailure(acc.Index, "all endpoints failed")
	return nil, fmt.Errorf("%w: %v", errTryNextAccount, lastErr)
}

func (d *Dispatcher) send(ctx context.Context, url string, payload []byte, token, headerStyle string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	antigravity.PrepareRequest(req, token, headerStyle)
	return d.client.Do(req)
}

// hasSchemas reports whether the request carries anything the strip
// retry could remove.
func hasSchemas(greq GeminiRequest) bool {
	for _, tool := range greq.Tools {
		for _, decl := range tool.FunctionDeclarations {
			if decl.Parameters != nil {
				return true
			}
		}
	}
	return greq.GenerationConfig != nil && greq.GenerationConfig.ResponseSchema != nil
}

// schemaRejected matches the 400 bodies some models return for tool or
// response schemas they do not support.
func schemaRejected(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "schema") || strings.Contains(lower, "parameters")
}

// stripSchemas copies the request with tool parameters and the response
// schema removed. The original stays usable for other candidates.
func stripSchemas(greq GeminiRequest) GeminiRequest {
	out := greq
	if len(greq.Tools) > 0 {
		out.Tools = make([]GeminiTool, len(greq.Tools))
		for i, tool := range greq.Tools {
			decls := make([]GeminiFunctionDeclaration, len(tool.FunctionDeclarations))
			for j, decl := range tool.FunctionDeclarations {
				decl.Parameters = nil
				decls[j] = decl
			}
			out.Tools[i] = GeminiTool{FunctionDeclarations: decls}
		}
	}
	if greq.GenerationConfig != nil {
		cfg := *greq.GenerationConfig
		cfg.ResponseSchema = nil
		cfg.ResponseMimeType = ""
		out.GenerationConfig = &cfg
	}
	return out
}

// parseRetryAfter extracts the bench duration from a 429: the
// Retry-After header in seconds, or the RetryInfo detail google APIs
// embed in the error body, else the default.
func parseRetryAfter(header string, body []byte) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	var ge googleError
	if err := json.Unmarshal(body, &ge); err == nil {
		for _, detail := range ge.Error.Details {
			var info struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			}
			if err := json.Unmarshal(detail, &info); err != nil {
				continue
			}
			if !strings.Contains(info.Type, "RetryInfo") || info.RetryDelay == "" {
				continue
			}
			if delay, err := time.ParseDuration(info.RetryDelay); err == nil && delay > 0 {
				return delay
			}
		}
	}
	return defaultRetryAfter
}
