package agent

import (
	"fmt"
	"strings"
)

var blockedInputPatterns = []string{
	"ignore previous instructions",
	"forget all previous",
	"system prompt",
	"위 지시를 무시하고",
}

// GuardInput screens raw user input before any LLM sees it. Returns a
// rejection reason when the input is overlong or matches an injection
// pattern.
func GuardInput(input string, maxLength int) (string, bool) {
	if strings.TrimSpace(input) == "" {
		return "question is empty", false
	}
	if maxLength > 0 && len([]rune(input)) > maxLength {
		return fmt.Sprintf("question is too long (max %d characters)", maxLength), false
	}
	lowered := strings.ToLower(input)
	for _, pattern := range blockedInputPatterns {
		if strings.Contains(lowered, pattern) {
			return "question contains a disallowed pattern", false
		}
	}
	return "", true
}
