package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agtools/internal/proxy/schema"
)

// contentString flattens the polymorphic content field both client
// protocols allow: a plain string, or a list of typed parts.
func contentString(v any) string {
	switch content := v.(type) {
	case string:
		return content
	case []any:
		var sb strings.Builder
		for _, item := range content {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// openAIToGemini translates a chat completions request into the Gemini
// request dispatched upstream. Tool schemas pass through the sanitizer
// since the request body was decoded fresh and is ours to rewrite.
func openAIToGemini(req *OpenAIRequest) (GeminiRequest, error) {
	var (
		contents    []GeminiContent
		systemParts []string
		toolNames   = make(map[string]string)
	)

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := contentString(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case "assistant":
			var parts []GeminiPart
			if text := contentString(msg.Content); text != "" {
				parts = append(parts, GeminiPart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				toolNames[tc.ID] = tc.Function.Name
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					// Unparseable arguments degrade to an empty object.
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, GeminiContent{Role: "model", Parts: parts})
			}
		case "tool":
			name := toolNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			contents = append(contents, GeminiContent{Role: "user", Parts: []GeminiPart{{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     name,
					Response: toolResultPayload(contentString(msg.Content)),
				},
			}}})
		default:
			contents = append(contents, GeminiContent{Role: "user", Parts: []GeminiPart{{
				Text: contentString(msg.Content),
			}}})
		}
	}

	if len(contents) == 0 {
		return GeminiRequest{}, fmt.Errorf("at least one user or assistant message is required")
	}

	out := GeminiRequest{
		Contents:         contents,
		GenerationConfig: &GeminiGenerationConfig{Temperature: req.Temperature, TopP: req.TopP},
	}

	if len(systemParts) > 0 {
		out.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}
	out.GenerationConfig.MaxOutputTokens = maxTokens
	out.GenerationConfig.StopSequences = stopSequences(req.Stop)

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			out.GenerationConfig.ResponseMimeType = "application/json"
		case "json_schema":
			out.GenerationConfig.ResponseMimeType = "application/json"
			if rf.JSONSchema != nil && rf.JSONSchema.Schema != nil {
				schema.Clean(rf.JSONSchema.Schema)
				out.GenerationConfig.ResponseSchema = rf.JSONSchema.Schema
			}
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			if tool.Type != "" && tool.Type != "function" {
				continue
			}
			params := tool.Function.Parameters
			if params != nil {
				schema.Clean(params)
			}
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  params,
			})
		}
		if len(decls) > 0 {
			out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		}
	}

	return out, nil
}

// toolResultPayload wraps a tool result for the functionResponse part.
// JSON object results pass through, anything else is wrapped.
func toolResultPayload(raw string) map[string]any {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return map[string]any{"result": raw}
	}
	return payload
}

// stopSequences normalizes the OpenAI stop field (string or list).
func stopSequences(v any) []string {
	switch stop := v.(type) {
	case string:
		if stop == "" {
			return nil
		}
		return []string{stop}
	case []any:
		var out []string
		for _, item := range stop {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// geminiToOpenAI translates an upstream response back into the chat
// completions shape. model is the id the client asked for.
func geminiToOpenAI(resp *GeminiResponse, model string) OpenAIResponse {
	out := OpenAIResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}

	msg := OpenAIResponseMessage{Role: "assistant"}
	finish := ""
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, toolCallFrom(part.FunctionCall))
			}
		}
		msg.Content = text.String()
	}

	out.Choices = []OpenAIChoice{{
		Index:        0,
		Message:      msg,
		FinishReason: openAIFinishReason(finish, len(msg.ToolCalls) > 0),
	}}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = OpenAIUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out
}

func toolCallFrom(fc *GeminiFunctionCall) OpenAIToolCall {
	args := "{}"
	if fc.Args != nil {
		if encoded, err := json.Marshal(fc.Args); err == nil {
			args = string(encoded)
		}
	}
	return OpenAIToolCall{
		ID:       "call_" + uuid.NewString()[:8],
		Type:     "function",
		Function: OpenAIFunctionCall{Name: fc.Name, Arguments: args},
	}
}

func openAIFinishReason(geminiFinish string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	if geminiFinish == "MAX_TOKENS" {
		return "length"
	}
	return "stop"
}

// openAIStream accumulates upstream frames into chat completion
// chunks. One instance serves one streamed request.
type openAIStream struct {
	id       string
	model    string
	created  int64
	sentRole bool
	finish   string
	hasTools bool
	usage    *OpenAIUsage
}

func newOpenAIStream(model string) *openAIStream {
	return &openAIStream{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// chunkFor renders one upstream frame as a delta chunk, or nil when
// the frame contributes no visible content.
func (s *openAIStream) chunkFor(frame *GeminiResponse) *OpenAIStreamChunk {
	if u := frame.UsageMetadata; u != nil {
		s.usage = &OpenAIUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	if len(frame.Candidates) == 0 {
		return nil
	}
	cand := frame.Candidates[0]
	if cand.FinishReason != "" {
		s.finish = cand.FinishReason
	}

	delta := OpenAIDelta{}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
		if part.FunctionCall != nil {
			tc := toolCallFrom(part.FunctionCall)
			tc.Index = len(delta.ToolCalls)
			delta.ToolCalls = append(delta.ToolCalls, tc)
			s.hasTools = true
		}
	}
	delta.Content = text.String()
	if delta.Content == "" && len(delta.ToolCalls) == 0 {
		return nil
	}

	if !s.sentRole {
		delta.Role = "assistant"
		s.sentRole = true
	}
	return &OpenAIStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIStreamChoice{{Index: 0, Delta: delta}},
	}
}

// finalChunk closes the stream with the finish reason and usage.
func (s *openAIStream) finalChunk() *OpenAIStreamChunk {
	reason := openAIFinishReason(s.finish, s.hasTools)
	return &OpenAIStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIStreamChoice{{Index: 0, FinishReason: &reason}},
		Usage:   s.usage,
	}
}
