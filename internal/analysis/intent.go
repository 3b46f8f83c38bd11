package analysis

import "github.com/JakeFAU/mention-monitor/internal/monitor"

var fallbackReplies = map[monitor.Intent]string{
	monitor.IntentLead:              "Thank you for your interest. I'd be happy to help you find the right solution. Could you share more details about your specific needs?",
	monitor.IntentCompetitor:        "I appreciate you doing your research. Each solution has its strengths, and I'd be glad to discuss how we might be able to help with your specific requirements.",
	monitor.IntentBrandMention:      "Thank you for mentioning us. If you have any questions or would like to learn more, please feel free to ask.",
	monitor.IntentFeedback:          "Thank you for sharing your feedback. We value all input and would appreciate the opportunity to address any concerns you might have.",
	monitor.IntentHiringOpportunity: "This looks like an interesting opportunity. I'd be happy to discuss how my background might be a good fit for your needs.",
	monitor.IntentIrrelevant:        "Thank you for sharing. Feel free to reach out if you have any questions or need assistance.",
}

// FallbackReply returns a canned reply for intent.
func FallbackReply(intent monitor.Intent) string {
	if reply, ok := fallbackReplies[intent]; ok {
		return reply
	}
	return fallbackReplies[monitor.IntentIrrelevant]
}

// Priority ranks intents for follow-up, 1 being the most urgent.
func Priority(intent monitor.Intent) int {
	switch intent {
	case monitor.IntentLead:
		return 1
	case monitor.IntentHiringOpportunity:
		return 2
	case monitor.IntentFeedback:
		return 3
	case monitor.IntentCompetitor:
		return 4
	case monitor.IntentBrandMention:
		return 5
	default:
		return 6
	}
}

// BusinessRelevant reports whether intent warrants attention.
func BusinessRelevant(intent monitor.Intent) bool {
	return intent.Valid() && intent != monitor.IntentIrrelevant
}
