package rewrite

import (
	"strings"

	"catiecli-go/internal/models"
)

// Streaming modes requested through model-name prefixes.
const (
	StreamModeNone   = ""
	StreamModeFake   = "fake"
	StreamModeRobust = "robust"
)

const (
	fakeStreamPrefix   = "fake-stream/"
	robustStreamPrefix = "robust-stream/"

	prefixGeminiCLI   = "gcli-"
	prefixAntigravity = "agy-"
)

// ModelName is a parsed client-facing model id. Upstream keeps the feature
// suffixes; they are resolved later by Normalize.
type ModelName struct {
	Raw        string
	StreamMode string
	Variant    string
	Upstream   string
}

// ParseModelName splits the streaming prefix and the variant prefix off a
// client model id. Unprefixed models route to the code-assist variant.
func ParseModelName(raw string) ModelName {
	n := ModelName{Raw: raw, Variant: models.VariantGeminiCLI}
	rest := raw

	switch {
	case strings.HasPrefix(rest, fakeStreamPrefix):
		n.StreamMode = StreamModeFake
		rest = strings.TrimPrefix(rest, fakeStreamPrefix)
	case strings.HasPrefix(rest, robustStreamPrefix):
		n.StreamMode = StreamModeRobust
		rest = strings.TrimPrefix(rest, robustStreamPrefix)
	}

	switch {
	case strings.HasPrefix(rest, prefixAntigravity):
		n.Variant = models.VariantAntigravity
		rest = strings.TrimPrefix(rest, prefixAntigravity)
	case strings.HasPrefix(rest, prefixGeminiCLI):
		rest = strings.TrimPrefix(rest, prefixGeminiCLI)
	}

	n.Upstream = rest
	return n
}

var featureSuffixes = []string{"-maxthinking", "-nothinking", "-search", "-think"}

// BaseName strips feature suffixes off a model name, repeatedly, so stacked
// suffixes like -maxthinking-search fully unwind.
func BaseName(model string) string {
	result := model
	for changed := true; changed; {
		changed = false
		for _, suffix := range featureSuffixes {
			if strings.HasSuffix(result, suffix) {
				result = strings.TrimSuffix(result, suffix)
				changed = true
			}
		}
	}
	return result
}

// IsSearchModel reports whether the name requests the google-search tool.
func IsSearchModel(model string) bool {
	return strings.Contains(model, "-search")
}

func isThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "think") || strings.Contains(lower, "pro")
}
