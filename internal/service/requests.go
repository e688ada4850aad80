package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"generation-service/internal/entity"
	"generation-service/internal/provider"
)

const maxOutputTokens = 2048

// VisionInput renders the prompt for one lot. Image URLs are embedded as
// text; their reachability is never probed here.
func VisionInput(prompt, additionalInfo string, imageURLs []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if additionalInfo != "" {
		b.WriteString("\n\nAdditional info: ")
		b.WriteString(additionalInfo)
	}
	b.WriteString("\n\nProvided images:\n")
	for i, url := range imageURLs {
		fmt.Fprintf(&b, "Image %d: %s\n", i+1, url)
	}
	b.WriteString("\nNote: Analyze based on the context provided above.")
	return b.String()
}

func TranslationInput(lang, text string) string {
	return fmt.Sprintf(
		"Translate the following text into %s only. Maintain the original formatting and meaning:\n\n%s",
		lang, text,
	)
}

func VisionBatchRequest(model, prompt string, jobID uuid.UUID, lot *entity.Lot) provider.BatchRequest {
	return provider.BatchRequest{
		CustomID: VisionKey(jobID, lot.LotID),
		Method:   "POST",
		URL:      "/v1/responses",
		Body: provider.RequestBody{
			Model:           model,
			Input:           VisionInput(prompt, lot.AdditionalInfo, lot.ImageURLs),
			MaxOutputTokens: maxOutputTokens,
			Reasoning:       &provider.Reasoning{Effort: "medium"},
		},
	}
}

func TranslationBatchRequest(model string, jobID uuid.UUID, lot *entity.Lot, lang string) provider.BatchRequest {
	text := ""
	if lot.VisionResult != nil {
		text = *lot.VisionResult
	}
	return provider.BatchRequest{
		CustomID: TranslationKey(jobID, lot.LotID, lang),
		Method:   "POST",
		URL:      "/v1/responses",
		Body: provider.RequestBody{
			Model:           model,
			Input:           TranslationInput(lang, text),
			MaxOutputTokens: maxOutputTokens,
		},
	}
}
