package coordinator

import (
	"fmt"
	"strings"
)

// buildRetryPrompt re-states a failed chain task together with the error
// of the previous attempt.
func buildRetryPrompt(originalPrompt, errorMsg string, attempt int) string {
	var sb strings.Builder

	sb.WriteString("Your previous attempt at this task failed.\n\n")
	sb.WriteString(fmt.Sprintf("Original task: %s\n\n", originalPrompt))
	sb.WriteString(fmt.Sprintf("Error from attempt %d:\n%s\n\n", attempt-1, errorMsg))
	sb.WriteString("Please analyze the error, adjust your approach, and try again.\n")
	sb.WriteString("Be explicit about what you're changing and why.")

	return sb.String()
}
