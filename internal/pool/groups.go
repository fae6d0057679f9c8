package pool

import (
	"strings"

	"catiecli-go/internal/models"
)

// tier3Marker identifies models that can only be served by tier-3
// credentials.
const tier3Marker = "gemini-3-"

// IsTier3Model reports whether the model requires a tier-3 credential.
func IsTier3Model(model string) bool {
	return strings.Contains(strings.ToLower(model), tier3Marker)
}

// ModelGroup classifies a model for cooldown accounting. Tier-3 models get
// their own bucket even when the name also says "pro".
func ModelGroup(model string) string {
	if model == "" {
		return models.GroupFlash
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, tier3Marker) {
		return models.GroupTier3
	}
	if strings.Contains(lower, "pro") {
		return models.GroupPro
	}
	return models.GroupFlash
}
