// Package translator converts between the OpenAI chat-completions wire format
// and the native generateContent shape the upstreams speak. Requests come in
// as raw JSON and leave as a typed native request; responses travel the other
// way, with inline images handed off to an ImageSaver.
package translator

// ImageSaver persists a base64 image from a response part and returns a URL
// the client can fetch it from.
type ImageSaver interface {
	SaveBase64(data, mimeType string) (string, error)
}

// Limits enforced on client-supplied generation parameters. Out-of-range
// values snap to the upper bound instead of failing the request.
const (
	MaxTopK         = 64
	MaxOutputTokens = 65536
)

// completionID is fixed; clients treat it as opaque.
const completionID = "chatcmpl-antigravity"
