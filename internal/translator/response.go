package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// NativeToOpenAIResponse converts a non-streaming native response into an
// OpenAI chat completion. Inline images are persisted via the saver and
// linked as markdown; with no saver (or a failing one) they fall back to
// data URLs. Error bodies pass through untouched.
func NativeToOpenAIResponse(model string, body []byte, images ImageSaver) ([]byte, error) {
	result := gjson.ParseBytes(body)
	if result.Get("error").Exists() {
		return body, nil
	}
	if wrapped := result.Get("response"); wrapped.Exists() {
		result = wrapped
	}

	candidate := result.Get("candidates.0")
	content, reasoning, toolCalls := collectParts(candidate.Get("content.parts"), images)

	message := map[string]interface{}{
		"role":    "assistant",
		"content": content,
	}
	if reasoning != "" {
		message["reasoning_content"] = reasoning
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finishReason := mapFinishReason(candidate.Get("finishReason").String())
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}

	usage := result.Get("usageMetadata")
	promptTokens := usage.Get("promptTokenCount").Int()
	completionTokens := usage.Get("candidatesTokenCount").Int()

	response := map[string]interface{}{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
	return json.Marshal(response)
}

// collectParts splits candidate parts into visible content, reasoning text
// and tool calls. Thought parts carry their text in the regular text field
// with thought=true set.
func collectParts(parts gjson.Result, images ImageSaver) (string, string, []map[string]interface{}) {
	var content, reasoning strings.Builder
	var toolCalls []map[string]interface{}

	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				reasoning.WriteString(text.String())
			} else {
				content.WriteString(text.String())
			}
			continue
		}

		if inline := part.Get("inlineData"); inline.Exists() {
			data := inline.Get("data").String()
			if data == "" {
				continue
			}
			mime := inline.Get("mimeType").String()
			if mime == "" {
				mime = "image/png"
			}
			content.WriteString(imageMarkdown(data, mime, images))
			continue
		}

		if fnCall := part.Get("functionCall"); fnCall.Exists() {
			name := fnCall.Get("name").String()
			args := []byte("{}")
			if a := fnCall.Get("args"); a.Exists() {
				args, _ = json.Marshal(a.Value())
			}
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   fmt.Sprintf("call_%s_%d", name, len(toolCalls)),
				"type": "function",
				"function": map[string]interface{}{
					"name":      name,
					"arguments": string(args),
				},
			})
		}
	}
	return content.String(), reasoning.String(), toolCalls
}

// ExtractContent returns only the visible content of a native response:
// non-thought text plus markdown links for any inline images.
func ExtractContent(body []byte, images ImageSaver) string {
	result := gjson.ParseBytes(body)
	if wrapped := result.Get("response"); wrapped.Exists() {
		result = wrapped
	}
	content, _, _ := collectParts(result.Get("candidates.0.content.parts"), images)
	return content
}

func imageMarkdown(data, mime string, images ImageSaver) string {
	if images != nil {
		if url, err := images.SaveBase64(data, mime); err == nil {
			return fmt.Sprintf("![Generated Image](%s)", url)
		}
	}
	return fmt.Sprintf("![Generated Image](data:%s;base64,%s)", mime, data)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
