package queue

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cocdev/coc/internal/common/stringutil"
)

const displayNameMaxLen = 60

// deriveDisplayName builds a short human label for a task whose caller
// supplied none. Derivation is deterministic per type; the fallback uses the
// local wall clock.
func deriveDisplayName(taskType TaskType, payload Payload, now time.Time) string {
	switch taskType {
	case TaskTypeAIClarification:
		if payload.AIClarification != nil {
			if name := promptLabel(payload.AIClarification.Prompt); name != "" {
				return name
			}
		}
	case TaskTypeFollowPrompt:
		if payload.FollowPrompt != nil && !stringutil.IsBlank(payload.FollowPrompt.PromptFilePath) {
			return "Follow Prompt: " + filepath.Base(payload.FollowPrompt.PromptFilePath)
		}
	case TaskTypeCodeReview:
		if payload.CodeReview != nil && !stringutil.IsBlank(payload.CodeReview.DiffType) {
			name := "Code Review: " + payload.CodeReview.DiffType
			if payload.CodeReview.CommitSha != "" {
				name += fmt.Sprintf(" (%s)", stringutil.ShortSHA(payload.CodeReview.CommitSha))
			}
			return name
		}
	case TaskTypeResolveComments:
		count := 0
		if payload.ResolveComments != nil {
			count = len(payload.ResolveComments.Comments)
		}
		return fmt.Sprintf("Resolve Comments (%d)", count)
	case TaskTypeCustom:
		if payload.Custom != nil {
			if prompt, ok := payload.Custom.Data["prompt"].(string); ok {
				if name := promptLabel(prompt); name != "" {
					return name
				}
			}
		}
	}
	return "Task @ " + now.Format("15:04")
}

// promptLabel returns the first 60 characters of a prompt, with an ellipsis
// when truncated. Blank prompts yield "".
func promptLabel(prompt string) string {
	if stringutil.IsBlank(prompt) {
		return ""
	}
	name := stringutil.Truncate(prompt, displayNameMaxLen)
	if name != prompt {
		name += "..."
	}
	return name
}
