package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// NativeChunkToOpenAI converts one parsed SSE payload into an OpenAI
// chat.completion.chunk. Returns nil when the payload carries nothing worth
// forwarding; callers skip those.
func NativeChunkToOpenAI(model string, payload []byte, images ImageSaver) []byte {
	result := gjson.ParseBytes(payload)
	if wrapped := result.Get("response"); wrapped.Exists() {
		result = wrapped
	}

	candidate := result.Get("candidates.0")
	content, reasoning, toolCalls := collectParts(candidate.Get("content.parts"), images)

	delta := map[string]interface{}{}
	if content != "" {
		delta["content"] = content
	}
	if reasoning != "" {
		delta["reasoning_content"] = reasoning
	}
	if len(toolCalls) > 0 {
		for i, tc := range toolCalls {
			tc["index"] = i
		}
		delta["tool_calls"] = toolCalls
	}

	var finishReason interface{}
	if fr := candidate.Get("finishReason"); fr.Exists() {
		finishReason = mapFinishReason(fr.String())
	}
	if len(delta) == 0 && finishReason == nil {
		return nil
	}
	return marshalChunk(model, delta, finishReason)
}

// RoleChunk opens an OpenAI stream with the assistant role.
func RoleChunk(model string) []byte {
	return marshalChunk(model, map[string]interface{}{"role": "assistant"}, nil)
}

// ContentChunk wraps a single text delta.
func ContentChunk(model, content string) []byte {
	return marshalChunk(model, map[string]interface{}{"content": content}, nil)
}

// KeepaliveChunk is an empty delta emitted to hold client connections open.
func KeepaliveChunk(model string) []byte {
	return marshalChunk(model, map[string]interface{}{}, nil)
}

// StopChunk closes an OpenAI stream with finish_reason=stop.
func StopChunk(model string) []byte {
	return marshalChunk(model, map[string]interface{}{}, "stop")
}

func marshalChunk(model string, delta map[string]interface{}, finishReason interface{}) []byte {
	chunk := map[string]interface{}{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	out, _ := json.Marshal(chunk)
	return out
}
