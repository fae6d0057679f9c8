package translator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"catiecli-go/internal/rewrite"
)

// placeholderMessage stands in when every incoming message was a system
// message; the upstream rejects an empty contents array.
const placeholderMessage = "Please respond according to the system instructions."

// OpenAIToNative converts an OpenAI chat-completions request body into the
// native request shape. Feature handling (thinking, safety, model aliasing)
// happens later in the rewrite package.
func OpenAIToNative(rawJSON []byte) *rewrite.GenerateRequest {
	req := &rewrite.GenerateRequest{}

	contents, system := translateMessages(rawJSON)
	if len(contents) == 0 {
		contents = []rewrite.Content{{
			Role:  "user",
			Parts: []rewrite.Part{rewrite.TextPart(placeholderMessage)},
		}}
	}
	req.Contents = contents
	if system != "" {
		req.SystemInstruction = &rewrite.Content{
			Parts: []rewrite.Part{rewrite.TextPart(system)},
		}
	}

	req.GenerationConfig = buildGenerationConfig(rawJSON)
	req.Tools = translateTools(rawJSON)
	return req
}

// translateMessages walks the messages array. System text is collected
// separately and joined with blank lines.
func translateMessages(rawJSON []byte) ([]rewrite.Content, string) {
	var contents []rewrite.Content
	var system []string

	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			if content.IsArray() {
				for _, item := range content.Array() {
					if text := item.Get("text"); text.Exists() {
						system = append(system, text.String())
					} else if item.Type == gjson.String {
						system = append(system, item.String())
					}
				}
			} else {
				system = append(system, content.String())
			}

		case "tool":
			contents = append(contents, rewrite.Content{
				Role:  "user",
				Parts: []rewrite.Part{toolResponsePart(msg, content)},
			})

		case "assistant":
			parts := assistantParts(msg, content)
			if len(parts) > 0 {
				contents = append(contents, rewrite.Content{Role: "model", Parts: parts})
			}

		default: // user
			contents = append(contents, rewrite.Content{
				Role:  "user",
				Parts: contentParts(content),
			})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func assistantParts(msg, content gjson.Result) []rewrite.Part {
	var parts []rewrite.Part
	if content.Exists() && content.String() != "" || content.IsArray() {
		parts = contentParts(content)
	}

	for _, tc := range msg.Get("tool_calls").Array() {
		if tc.Get("type").String() != "function" {
			continue
		}
		var args interface{}
		if err := json.Unmarshal([]byte(tc.Get("function.arguments").String()), &args); err != nil {
			args = map[string]interface{}{}
		}
		parts = append(parts, rewrite.Part{
			"functionCall": map[string]interface{}{
				"name": tc.Get("function.name").String(),
				"args": args,
			},
		})
	}
	return parts
}

func toolResponsePart(msg, content gjson.Result) rewrite.Part {
	var response interface{}
	if err := json.Unmarshal([]byte(content.String()), &response); err != nil {
		response = map[string]interface{}{"result": content.String()}
	}
	fr := map[string]interface{}{
		"name":     msg.Get("name").String(),
		"response": response,
	}
	if id := msg.Get("tool_call_id").String(); id != "" {
		fr["id"] = id
	}
	return rewrite.Part{"functionResponse": fr}
}

// contentParts converts a string or multimodal content value into parts.
func contentParts(content gjson.Result) []rewrite.Part {
	if !content.IsArray() {
		return []rewrite.Part{rewrite.TextPart(content.String())}
	}

	var parts []rewrite.Part
	for _, item := range content.Array() {
		switch item.Get("type").String() {
		case "image_url":
			if part := imagePart(item.Get("image_url.url").String()); part != nil {
				parts = append(parts, part)
			}
		case "text":
			parts = append(parts, rewrite.TextPart(item.Get("text").String()))
		default:
			// already-native parts pass through untouched
			if inline := item.Get("inlineData"); inline.Exists() {
				parts = append(parts, rewrite.Part{"inlineData": inline.Value()})
			} else if fd := item.Get("fileData"); fd.Exists() {
				parts = append(parts, rewrite.Part{"fileData": fd.Value()})
			} else if text := item.Get("text"); text.Exists() {
				parts = append(parts, rewrite.TextPart(text.String()))
			} else if item.Type == gjson.String {
				parts = append(parts, rewrite.TextPart(item.String()))
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, rewrite.TextPart(""))
	}
	return parts
}

// imagePart maps a data: URL to inlineData and anything else to fileData.
func imagePart(url string) rewrite.Part {
	if url == "" {
		return nil
	}
	if strings.HasPrefix(url, "data:") {
		header, data, ok := strings.Cut(url, ",")
		if !ok {
			return nil
		}
		mime := strings.TrimPrefix(header, "data:")
		if i := strings.Index(mime, ";"); i >= 0 {
			mime = mime[:i]
		}
		return rewrite.Part{"inlineData": map[string]interface{}{
			"mimeType": mime,
			"data":     data,
		}}
	}
	return rewrite.Part{"fileData": map[string]interface{}{
		"mimeType": "image/jpeg",
		"fileUri":  url,
	}}
}

func buildGenerationConfig(rawJSON []byte) map[string]interface{} {
	gc := map[string]interface{}{}

	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		gc["temperature"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() {
		gc["topP"] = v.Value()
	}
	if v := gjson.GetBytes(rawJSON, "top_k"); v.Exists() {
		gc["topK"] = clampInt(int(v.Int()), 1, MaxTopK)
	}

	maxTokens := gjson.GetBytes(rawJSON, "max_tokens")
	if v := gjson.GetBytes(rawJSON, "max_completion_tokens"); v.Exists() {
		maxTokens = v
	}
	if maxTokens.Exists() {
		gc["maxOutputTokens"] = clampInt(int(maxTokens.Int()), 1, MaxOutputTokens)
	}

	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		var seqs []string
		if stop.IsArray() {
			for _, s := range stop.Array() {
				seqs = append(seqs, s.String())
			}
		} else {
			seqs = append(seqs, stop.String())
		}
		if len(seqs) > 0 {
			gc["stopSequences"] = seqs
		}
	}

	if len(gc) == 0 {
		return nil
	}
	return gc
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// translateTools converts OpenAI function tools into one functionDeclarations
// block.
func translateTools(rawJSON []byte) []map[string]interface{} {
	var decls []interface{}
	for _, tool := range gjson.GetBytes(rawJSON, "tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		decl := map[string]interface{}{"name": fn.Get("name").String()}
		if desc := fn.Get("description"); desc.Exists() {
			decl["description"] = desc.String()
		}
		if params := fn.Get("parameters"); params.Exists() {
			decl["parameters"] = params.Value()
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []map[string]interface{}{{"functionDeclarations": decls}}
}
