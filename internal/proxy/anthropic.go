package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agtools/internal/proxy/schema"
)

// anthropicToGemini translates a messages request into the Gemini
// request dispatched upstream. Content blocks arrive as untyped JSON
// because both string and block-list forms are legal.
func anthropicToGemini(req *AnthropicRequest) (GeminiRequest, error) {
	var (
		contents  []GeminiContent
		toolNames = make(map[string]string)
	)

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []GeminiPart
		switch content := msg.Content.(type) {
		case string:
			if content != "" {
				parts = append(parts, GeminiPart{Text: content})
			}
		case []any:
			for _, item := range content {
				block, ok := item.(map[string]any)
				if !ok {
					continue
				}
				blockType, _ := block["type"].(string)
				switch blockType {
				case "text":
					if text, _ := block["text"].(string); text != "" {
						parts = append(parts, GeminiPart{Text: text})
					}
				case "tool_use":
					id, _ := block["id"].(string)
					name, _ := block["name"].(string)
					toolNames[id] = name
					args, _ := block["input"].(map[string]any)
					if args == nil {
						args = map[string]any{}
					}
					parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
						Name: name,
						Args: args,
					}})
				case "tool_result":
					id, _ := block["tool_use_id"].(string)
					parts = append(parts, GeminiPart{FunctionResponse: &GeminiFunctionResponse{
						Name:     toolNames[id],
						Response: toolResultPayload(contentString(block["content"])),
					}})
				}
			}
		}
		if len(parts) > 0 {
			contents = append(contents, GeminiContent{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return GeminiRequest{}, fmt.Errorf("at least one message with content is required")
	}

	out := GeminiRequest{
		Contents: contents,
		GenerationConfig: &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		},
	}

	if system := contentString(req.System); system != "" {
		out.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: system}}}
	}

	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			params := tool.InputSchema
			if params != nil {
				schema.Clean(params)
			}
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			})
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}

	return out, nil
}

// geminiToAnthropic translates an upstream response back into the
// messages shape. model is the id the client asked for.
func geminiToAnthropic(resp *GeminiResponse, model string) AnthropicResponse {
	out := AnthropicResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}

	finish := ""
	hasTools := false
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
			if part.FunctionCall != nil {
				hasTools = true
				input := part.FunctionCall.Args
				if input == nil {
					input = map[string]any{}
				}
				out.Content = append(out.Content, AnthropicContentBlock{
					Type:  "tool_use",
					ID:    "toolu_" + uuid.NewString()[:8],
					Name:  part.FunctionCall.Name,
					Input: input,
				})
			}
		}
		if text.Len() > 0 {
			out.Content = append([]AnthropicContentBlock{{Type: "text", Text: text.String()}}, out.Content...)
		}
	}

	out.StopReason = anthropicStopReason(finish, hasTools)
	if u := resp.UsageMetadata; u != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  u.PromptTokenCount,
			OutputTokens: u.CandidatesTokenCount,
		}
	}
	return out
}

func anthropicStopReason(geminiFinish string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	if geminiFinish == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// anthropicStreamEvent is one SSE event on the messages stream. Data
// marshals to the event payload.
type anthropicStreamEvent struct {
	Event string
	Data  any
}

// anthropicStream renders upstream frames as the messages event
// sequence: message_start, content_block_* per block, message_delta,
// message_stop. One instance serves one streamed request.
type anthropicStream struct {
	id           string
	model        string
	started      bool
	blockIndex   int
	textOpen     bool
	finish       string
	hasTools     bool
	inputTokens  int
	outputTokens int
}

func newAnthropicStream(model string) *anthropicStream {
	return &anthropicStream{id: "msg_" + uuid.NewString(), model: model}
}

// eventsFor renders one upstream frame. The first frame also opens
// the message.
func (s *anthropicStream) eventsFor(frame *GeminiResponse) []anthropicStreamEvent {
	var events []anthropicStreamEvent

	if u := frame.UsageMetadata; u != nil {
		s.inputTokens = u.PromptTokenCount
		s.outputTokens = u.CandidatesTokenCount
	}
	if !s.started {
		s.started = true
		events = append(events, anthropicStreamEvent{Event: "message_start", Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.id,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": s.inputTokens, "output_tokens": 0},
			},
		}})
	}
	if len(frame.Candidates) == 0 {
		return events
	}

	cand := frame.Candidates[0]
	if cand.FinishReason != "" {
		s.finish = cand.FinishReason
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			if !s.textOpen {
				s.textOpen = true
				events = append(events, anthropicStreamEvent{Event: "content_block_start", Data: map[string]any{
					"type":          "content_block_start",
					"index":         s.blockIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				}})
			}
			events = append(events, anthropicStreamEvent{Event: "content_block_delta", Data: map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": part.Text},
			}})
		}
		if part.FunctionCall != nil {
			s.hasTools = true
			events = append(events, s.closeTextBlock()...)
			events = append(events, s.toolUseEvents(part.FunctionCall)...)
		}
	}
	return events
}

func (s *anthropicStream) closeTextBlock() []anthropicStreamEvent {
	if !s.textOpen {
		return nil
	}
	s.textOpen = false
	event := anthropicStreamEvent{Event: "content_block_stop", Data: map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}}
	s.blockIndex++
	return []anthropicStreamEvent{event}
}

func (s *anthropicStream) toolUseEvents(fc *GeminiFunctionCall) []anthropicStreamEvent {
	args := "{}"
	if fc.Args != nil {
		if encoded, err := json.Marshal(fc.Args); err == nil {
			args = string(encoded)
		}
	}
	events := []anthropicStreamEvent{
		{Event: "content_block_start", Data: map[string]any{
			"type":  "content_block_start",
			"index": s.blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString()[:8],
				"name":  fc.Name,
				"input": map[string]any{},
			},
		}},
		{Event: "content_block_delta", Data: map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
		}},
		{Event: "content_block_stop", Data: map[string]any{
			"type":  "content_block_stop",
			"index": s.blockIndex,
		}},
	}
	s.blockIndex++
	return events
}

// finishEvents closes the stream with the stop reason and usage. An
// upstream stream that ended before any frame still gets its
// message_start.
func (s *anthropicStream) finishEvents() []anthropicStreamEvent {
	events := s.eventsFor(&GeminiResponse{})
	events = append(events, s.closeTextBlock()...)
	events = append(events,
		anthropicStreamEvent{Event: "message_delta", Data: map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   anthropicStopReason(s.finish, s.hasTools),
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": s.outputTokens},
		}},
		anthropicStreamEvent{Event: "message_stop", Data: map[string]any{"type": "message_stop"}},
	)
	return events
}
