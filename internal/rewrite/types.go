// Package rewrite holds the native request shape shared by the translator
// and upstream clients, plus the per-variant pre-send normalization rules.
package rewrite

// Part is one piece of a message. Kept as a loose map because upstream parts
// mix text, thoughts, inline data and function calls.
type Part map[string]interface{}

func TextPart(text string) Part { return Part{"text": text} }

// Content is one turn in the conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerateRequest is the native request body sent inside the upstream
// envelope.
type GenerateRequest struct {
	Contents          []Content                `json:"contents"`
	SystemInstruction *Content                 `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]interface{}   `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting          `json:"safetySettings,omitempty"`
	Tools             []map[string]interface{} `json:"tools,omitempty"`
	ToolConfig        map[string]interface{}   `json:"toolConfig,omitempty"`
}
