package pipeline

import (
	"fleetbot/internal/content"
)

// StepKind names one pipeline step.
type StepKind string

const (
	StepPost    StepKind = "post"
	StepLike    StepKind = "like"
	StepFollow  StepKind = "follow"
	StepReply   StepKind = "reply"
	StepSummary StepKind = "summary"
	StepRefresh StepKind = "refresh"
)

// Step is one entry of a slot pipeline.
type Step struct {
	Kind    StepKind
	Content content.Kind   // post
	Intent  content.Intent // like, reply
	Max     int            // like, follow, reply
	// Keywords selects the follow keyword list (settings follow.keywords.<name>).
	Keywords string
}

// Stock pipeline limits.
const (
	morningLikes  = 5
	eveningLikes  = 3
	afternoonLike = 5
	followMax     = 5
)

// PlanFor returns the ordered steps for slot. Unknown slot names get a
// post-and-refresh pipeline. The reply step is only included when replyMax > 0.
func PlanFor(slot string, replyMax int) []Step {
	switch slot {
	case "morning":
		return []Step{
			{Kind: StepPost, Content: content.KindPromo},
			{Kind: StepLike, Intent: content.IntentHigh, Max: morningLikes},
			{Kind: StepFollow, Keywords: "morning", Max: followMax},
			{Kind: StepRefresh},
		}
	case "afternoon":
		steps := []Step{
			{Kind: StepPost, Content: content.KindValue},
			{Kind: StepLike, Intent: content.IntentMedium, Max: afternoonLike},
		}
		if replyMax > 0 {
			steps = append(steps, Step{Kind: StepReply, Intent: content.IntentMedium, Max: replyMax})
		}
		return append(steps, Step{Kind: StepRefresh})
	case "evening":
		return []Step{
			{Kind: StepPost, Content: content.KindPromo},
			{Kind: StepLike, Intent: content.IntentHigh, Max: eveningLikes},
			{Kind: StepFollow, Keywords: "evening", Max: followMax},
			{Kind: StepSummary},
			{Kind: StepRefresh},
		}
	default:
		return []Step{
			{Kind: StepPost, Content: content.KindPromo},
			{Kind: StepRefresh},
		}
	}
}
