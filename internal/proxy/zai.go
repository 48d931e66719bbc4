package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"agtools/internal/config"
)

// z.ai tolerates at most a handful of concurrent calls per key and
// throttles bursts, so requests are spaced and capped.
const (
	zaiMinInterval = 600 * time.Millisecond
	zaiMaxInFlight = 5
)

// zaiClient forwards OpenAI-protocol requests to the z.ai coding
// endpoint. Requests keep their OpenAI shape end to end; only the
// model id is rewritten to the configured one.
type zaiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
	sem         chan struct{}
}

func newZAIClient(cfg config.ZAIConfig, httpClient *http.Client, logger *zap.Logger) *zaiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zaiClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: httpClient,
		logger:     logger,
		sem:        make(chan struct{}, zaiMaxInFlight),
	}
}

// acquire takes an in-flight slot and enforces the request spacing.
func (z *zaiClient) acquire(ctx context.Context) error {
	select {
	case z.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	z.mu.Lock()
	elapsed := time.Since(z.lastRequest)
	if elapsed < zaiMinInterval {
		time.Sleep(zaiMinInterval - elapsed)
	}
	z.lastRequest = time.Now()
	z.mu.Unlock()
	return nil
}

func (z *zaiClient) release() {
	<-z.sem
}

func (z *zaiClient) post(ctx context.Context, req *OpenAIRequest) (*http.Response, error) {
	req.Model = z.model
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode z.ai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, z.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+z.apiKey)

	resp, err := z.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("z.ai request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &upstreamError{status: resp.StatusCode, body: body}
	}
	return resp, nil
}

// forward sends one buffered request and decodes the completion.
func (z *zaiClient) forward(ctx context.Context, req *OpenAIRequest) (*OpenAIResponse, error) {
	if err := z.acquire(ctx); err != nil {
		return nil, err
	}
	defer z.release()

	req.Stream = false
	req.StreamOptions = nil
	resp, err := z.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode z.ai response: %w", err)
	}
	return &out, nil
}

// forwardStream sends one streaming request and hands back the raw SSE
// body. z.ai speaks the chat completions stream natively, so frames
// pass through untouched. The caller owns the body.
func (z *zaiClient) forwardStream(ctx context.Context, req *OpenAIRequest) (io.ReadCloser, error) {
	if err := z.acquire(ctx); err != nil {
		return nil, err
	}
	defer z.release()

	req.Stream = true
	resp, err := z.post(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
