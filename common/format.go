package common

import (
	"fmt"
	"sort"
	"strings"
)

// OperationDetail represents a single detail of an operation result
type OperationDetail struct {
	Message string
	Count   int
	IsRisky bool
}

// DetailFromResult turns a step outcome into a summary line.
func DetailFromResult(step string, r *OperationResult) OperationDetail {
	return OperationDetail{
		Message: fmt.Sprintf("%s: %s", step, r.String()),
		Count:   r.Count,
		IsRisky: r.Advisory,
	}
}

// FormatOperationResult formats an operation result with consistent styling
func FormatOperationResult(title string, details []OperationDetail, categories map[string][]OperationDetail) string {
	if len(details) == 0 && len(categories) == 0 {
		return "No operations performed"
	}

	var result strings.Builder
	result.WriteString(title)

	if len(categories) > 0 {
		names := make([]string, 0, len(categories))
		for category := range categories {
			names = append(names, category)
		}
		sort.Strings(names)

		result.WriteString("\n")
		for _, category := range names {
			categoryDetails := categories[category]
			if len(categoryDetails) == 0 {
				continue
			}

			var emoji string
			switch category {
			case "ENCRYPTION":
				emoji = "🔐"
			case "LOADER":
				emoji = "📦"
			default:
				emoji = "🛠️"
			}

			result.WriteString(fmt.Sprintf("%s %s:\n", emoji, category))
			for _, detail := range categoryDetails {
				prefix := "   ✓ "
				if detail.IsRisky {
					prefix = "   ⚠️ "
				}
				result.WriteString(prefix + detail.Message + "\n")
			}
		}
	}

	if len(details) > 0 && len(categories) == 0 {
		for _, detail := range details {
			prefix := "✓ "
			if detail.IsRisky {
				prefix = "⚠️ "
			}
			result.WriteString("\n" + prefix + detail.Message)
		}
	}

	return strings.TrimSuffix(result.String(), "\n")
}

// CategorizeDetails sorts summary lines into ENCRYPTION, LOADER and STUB.
func CategorizeDetails(details []OperationDetail) map[string][]OperationDetail {
	categories := map[string][]OperationDetail{}

	for _, detail := range details {
		msg := strings.ToLower(detail.Message)
		switch {
		case strings.Contains(msg, "encrypt") || strings.Contains(msg, "xor"):
			categories["ENCRYPTION"] = append(categories["ENCRYPTION"], detail)
		case strings.Contains(msg, "aslr") || strings.Contains(msg, "entry") ||
			strings.Contains(msg, "section") || strings.Contains(msg, "certificate"):
			categories["LOADER"] = append(categories["LOADER"], detail)
		default:
			categories["STUB"] = append(categories["STUB"], detail)
		}
	}

	return categories
}
