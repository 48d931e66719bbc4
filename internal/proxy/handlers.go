package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agtools/internal/antigravity"
	"agtools/internal/config"
	"agtools/internal/monitor"
	"agtools/internal/proxy/routing"
	"agtools/internal/version"
)

const (
	protocolOpenAI    = "openai"
	protocolAnthropic = "anthropic"
)

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	// Health stays reachable without an API key.
	engine.GET("/healthz", s.handleHealth)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "x-api-key", "anthropic-version"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	engine.Use(cors.New(corsConfig))
	engine.Use(s.requireAPIKey())

	engine.POST("/v1/chat/completions", s.handleChatCompletions)
	engine.POST("/v1/messages", s.handleMessages)
	engine.GET("/v1/models", s.handleOpenAIModels)
	engine.GET("/v1beta/models", s.handleGeminiModels)
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= 500:
			s.logger.Error("request failed", fields...)
		case c.Writer.Status() >= 400:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Info("request", fields...)
		}
	}
}

// requireAPIKey gates the API when a key is configured. Both the
// OpenAI-style bearer token and the Anthropic-style x-api-key header
// are accepted.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.config().Proxy.APIKey
		if key == "" {
			c.Next()
			return
		}

		supplied := c.GetHeader("x-api-key")
		if supplied == "" {
			if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
				supplied = bearer
			}
		}
		if supplied != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				openAIErrorBody("invalid or missing api key", "authentication_error"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	accounts := 0
	if s.accounts != nil {
		accounts = s.accounts.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  version.Version,
		"accounts": accounts,
	})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	start := time.Now()
	var req OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openAIErrorBody("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	cfg := s.config()
	if cfg.Proxy.ZAIActive() && cfg.Proxy.ZAIDispatch() == config.ZAIDispatchAll {
		s.serveZAI(c, &req, start)
		return
	}

	greq, err := openAIToGemini(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, openAIErrorBody(err.Error(), "invalid_request_error"))
		return
	}
	plan := s.resolver.Plan(req.Model, false)

	if req.Stream {
		s.streamChatCompletions(c, &req, plan, greq, start)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Proxy.GetRequestTimeout())
	defer cancel()

	result, err := s.dispatcher.Dispatch(ctx, plan, greq, false, cfg.Proxy.SchedulingMode())
	if err != nil {
		if s.zaiFallback(cfg, err) {
			s.serveZAI(c, &req, start)
			return
		}
		status, msg := statusFor(err)
		s.record(c, protocolOpenAI, req.Model, plan.Primary, "", status, start, 0, 0, msg)
		c.JSON(status, openAIErrorBody(msg, openAIErrorType(status)))
		return
	}

	out := geminiToOpenAI(result.Response, req.Model)
	s.record(c, protocolOpenAI, req.Model, result.Model, result.Account, http.StatusOK, start,
		out.Usage.PromptTokens, out.Usage.CompletionTokens, "")
	c.JSON(http.StatusOK, out)
}

func (s *Server) streamChatCompletions(c *gin.Context, req *OpenAIRequest, plan routing.RoutePlan, greq GeminiRequest, start time.Time) {
	cfg := s.config()
	result, err := s.dispatcher.Dispatch(c.Request.Context(), plan, greq, true, cfg.Proxy.SchedulingMode())
	if err != nil {
		if s.zaiFallback(cfg, err) {
			s.streamZAI(c, req, start)
			return
		}
		status, msg := statusFor(err)
		s.record(c, protocolOpenAI, req.Model, plan.Primary, "", status, start, 0, 0, msg)
		c.JSON(status, openAIErrorBody(msg, openAIErrorType(status)))
		return
	}
	defer result.Body.Close()

	setStreamHeaders(c)
	stream := newOpenAIStream(req.Model)
	frames := newSSEScanner(result.Body)

	c.Stream(func(w io.Writer) bool {
		frame, err := frames.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("upstream stream ended early", zap.Error(err))
			}
			writeSSEJSON(w, stream.finalChunk())
			fmt.Fprint(w, "data: [DONE]\n\n")
			c.Writer.Flush()
			return false
		}
		if chunk := stream.chunkFor(frame); chunk != nil {
			writeSSEJSON(w, chunk)
			c.Writer.Flush()
		}
		return true
	})

	tokensIn, tokensOut := 0, 0
	if stream.usage != nil {
		tokensIn, tokensOut = stream.usage.PromptTokens, stream.usage.CompletionTokens
	}
	s.record(c, protocolOpenAI, req.Model, result.Model, result.Account, http.StatusOK, start, tokensIn, tokensOut, "")
}

func (s *Server) handleMessages(c *gin.Context) {
	start := time.Now()
	var req AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropicErrorBody("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	greq, err := anthropicToGemini(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropicErrorBody(err.Error(), "invalid_request_error"))
		return
	}
	plan := s.resolver.Plan(req.Model, true)

	if req.Stream {
		s.streamMessages(c, &req, plan, greq, start)
		return
	}

	cfg := s.config()
	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Proxy.GetRequestTimeout())
	defer cancel()

	result, err := s.dispatcher.Dispatch(ctx, plan, greq, false, cfg.Proxy.SchedulingMode())
	if err != nil {
		status, msg := statusFor(err)
		s.record(c, protocolAnthropic, req.Model, plan.Primary, "", status, start, 0, 0, msg)
		c.JSON(status, anthropicErrorBody(msg, anthropicErrorType(status)))
		return
	}

	out := geminiToAnthropic(result.Response, req.Model)
	s.record(c, protocolAnthropic, req.Model, result.Model, result.Account, http.StatusOK, start,
		out.Usage.InputTokens, out.Usage.OutputTokens, "")
	c.JSON(http.StatusOK, out)
}

func (s *Server) streamMessages(c *gin.Context, req *AnthropicRequest, plan routing.RoutePlan, greq GeminiRequest, start time.Time) {
	cfg := s.config()
	result, err := s.dispatcher.Dispatch(c.Request.Context(), plan, greq, true, cfg.Proxy.SchedulingMode())
	if err != nil {
		status, msg := statusFor(err)
		s.record(c, protocolAnthropic, req.Model, plan.Primary, "", status, start, 0, 0, msg)
		c.JSON(status, anthropicErrorBody(msg, anthropicErrorType(status)))
		return
	}
	defer result.Body.Close()

	setStreamHeaders(c)
	stream := newAnthropicStream(req.Model)
	frames := newSSEScanner(result.Body)

	c.Stream(func(w io.Writer) bool {
		frame, err := frames.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("upstream stream ended early", zap.Error(err))
			}
			for _, event := range stream.finishEvents() {
				writeSSEEvent(w, event.Event, event.Data)
			}
			c.Writer.Flush()
			return false
		}
		for _, event := range stream.eventsFor(frame) {
			writeSSEEvent(w, event.Event, event.Data)
		}
		c.Writer.Flush()
		return true
	})

	s.record(c, protocolAnthropic, req.Model, result.Model, result.Account, http.StatusOK, start,
		stream.inputTokens, stream.outputTokens, "")
}

// serveZAI forwards an OpenAI-protocol request to z.ai instead of the
// antigravity backend.
func (s *Server) serveZAI(c *gin.Context, req *OpenAIRequest, start time.Time) {
	if req.Stream {
		s.streamZAI(c, req, start)
		return
	}

	zai := s.currentZAI()
	cfg := s.config()
	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Proxy.GetRequestTimeout())
	defer cancel()

	resp, err := zai.forward(ctx, req)
	if err != nil {
		status, msg := statusFor(err)
		s.record(c, protocolOpenAI, req.Model, zai.model, "z.ai", status, start, 0, 0, msg)
		c.JSON(status, openAIErrorBody(msg, openAIErrorType(status)))
		return
	}

	s.record(c, protocolOpenAI, req.Model, zai.model, "z.ai", http.StatusOK, start,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "")
	c.JSON(http.StatusOK, resp)
}

// streamZAI passes the z.ai SSE body straight through; both sides
// speak the chat completions stream.
func (s *Server) streamZAI(c *gin.Context, req *OpenAIRequest, start time.Time) {
	zai := s.currentZAI()
	body, err := zai.forwardStream(c.Request.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		s.record(c, protocolOpenAI, req.Model, zai.model, "z.ai", status, start, 0, 0, msg)
		c.JSON(status, openAIErrorBody(msg, openAIErrorType(status)))
		return
	}
	defer body.Close()

	setStreamHeaders(c)
	buf := make([]byte, 4096)
	c.Stream(func(w io.Writer) bool {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			c.Writer.Flush()
		}
		return err == nil
	})

	s.record(c, protocolOpenAI, req.Model, zai.model, "z.ai", http.StatusOK, start, 0, 0, "")
}

func (s *Server) handleOpenAIModels(c *gin.Context) {
	ids := s.resolver.Models()
	now := time.Now().Unix()
	models := make([]OpenAIModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, OpenAIModel{ID: id, Object: "model", Created: now, OwnedBy: "agtools"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (s *Server) handleGeminiModels(c *gin.Context) {
	ids := s.resolver.Models()
	models := make([]GeminiModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, GeminiModel{
			Name:                       "models/" + id,
			DisplayName:                id,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// zaiFallback reports whether a failed dispatch should be retried on
// z.ai under the configured dispatch mode.
func (s *Server) zaiFallback(cfg *config.Config, err error) bool {
	if !cfg.Proxy.ZAIActive() || s.currentZAI() == nil {
		return false
	}
	switch cfg.Proxy.ZAIDispatch() {
	case config.ZAIDispatchAll:
		return true
	case config.ZAIDispatchFallback:
		return errors.Is(err, antigravity.ErrNoUsableAccount)
	}
	return false
}

func (s *Server) record(c *gin.Context, protocol, model, mapped, account string, status int, start time.Time, tokensIn, tokensOut int, errMsg string) {
	s.monitor.Record(monitor.RequestLog{
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		Protocol:     protocol,
		Model:        model,
		MappedModel:  mapped,
		AccountEmail: account,
		Status:       status,
		DurationMs:   time.Since(start).Milliseconds(),
		InputTokens:  int64(tokensIn),
		OutputTokens: int64(tokensOut),
		Error:        errMsg,
	})
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}

// statusFor maps a dispatch error to the status and message surfaced
// to the client. Upstream 4xx pass through, everything else becomes a
// gateway error; an exhausted account pool reads as a rate limit.
func statusFor(err error) (int, string) {
	var ue *upstreamError
	switch {
	case errors.Is(err, antigravity.ErrNoUsableAccount):
		return http.StatusTooManyRequests, "all accounts are rate limited or cooling down"
	case errors.As(err, &ue):
		if ue.status >= 500 {
			return http.StatusBadGateway, fmt.Sprintf("upstream returned %d", ue.status)
		}
		return ue.status, upstreamMessage(ue)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream request timed out"
	default:
		return http.StatusBadGateway, err.Error()
	}
}

// upstreamMessage pulls the human-readable message out of an upstream
// error body. Google and OpenAI style bodies both nest it under
// "error".
func upstreamMessage(ue *upstreamError) string {
	var ge googleError
	if err := json.Unmarshal(ue.body, &ge); err == nil && ge.Error.Message != "" {
		return ge.Error.Message
	}
	if len(ue.body) == 0 {
		return fmt.Sprintf("upstream rejected request (%d)", ue.status)
	}
	return truncate(string(ue.body), 300)
}

func openAIErrorBody(msg, errType string) gin.H {
	return gin.H{"error": OpenAIError{Message: msg, Type: errType}}
}

func anthropicErrorBody(msg, errType string) gin.H {
	return gin.H{"type": "error", "error": gin.H{"type": errType, "message": msg}}
}

func openAIErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func anthropicErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
