package upstream

import (
	"context"

	log "github.com/sirupsen/logrus"
)

var (
	baseGeminiCLIModels  = []string{"gemini-2.5-pro", "gemini-2.5-flash"}
	tier3GeminiCLIModels = []string{"gemini-3-pro-preview", "gemini-3-flash-preview"}

	thinkingSuffixes = []string{"-maxthinking", "-nothinking"}
	searchSuffix     = "-search"

	// antigravityFallbackModels serves when the live catalog fetch fails.
	antigravityFallbackModels = []string{
		"gemini-2.5-flash", "gemini-2.5-pro", "gemini-3-flash", "gemini-3-pro-low",
		"gemini-3-pro-high", "gemini-2.5-flash-thinking", "claude-opus-4-5",
		"claude-opus-4-5-thinking", "claude-sonnet-4-5", "claude-sonnet-4-5-thinking",
	}
)

// GeminiCLICatalog enumerates the client-facing gcli- model ids: each base
// model with its thinking and search suffix combinations, plus a fake-stream
// alias for every entry. Tier-3 bases appear only when the caller can reach a
// tier-3 credential.
func GeminiCLICatalog(tier3Visible bool) []string {
	bases := append([]string{}, baseGeminiCLIModels...)
	if tier3Visible {
		bases = append(bases, tier3GeminiCLIModels...)
	}

	var ids []string
	add := func(name string) {
		ids = append(ids, "gcli-"+name, "fake-stream/gcli-"+name)
	}
	for _, base := range bases {
		add(base)
		for _, suffix := range thinkingSuffixes {
			add(base + suffix)
		}
		add(base + searchSuffix)
		for _, suffix := range thinkingSuffixes {
			add(base + suffix + searchSuffix)
		}
	}
	return ids
}

// AntigravityCatalog lists agy- model ids, fetched live when possible. The
// opus model is appended when the upstream omits it; a fetch failure falls
// back to the static list.
func AntigravityCatalog(ctx context.Context, client *Client, accessToken string) []string {
	names, err := client.FetchModels(ctx, accessToken)
	if err != nil || len(names) == 0 {
		if err != nil {
			log.WithError(err).Warn("antigravity model fetch failed, using fallback catalog")
		}
		names = antigravityFallbackModels
	} else {
		found := false
		for _, n := range names {
			if n == "claude-opus-4-5" {
				found = true
				break
			}
		}
		if !found {
			names = append(names, "claude-opus-4-5")
		}
	}

	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, "agy-"+n)
	}
	return ids
}
