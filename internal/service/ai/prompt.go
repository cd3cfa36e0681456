package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

const (
	greetingTrigger = "Please greet the user and ask how you can help them today."
	summaryRequest  = "Based on the conversation so far, write a concise, non-identifiable summary of the main topics discussed. Focus on themes, not personal details. Keep it under 100 words."
)

const basePrompt = `You are the tavern companion, a kind, respectful and professional assistant who listens to students talk about their well-being.

Guidelines:
1. Stay on the topic of well-being and everyday emotional support. Politely decline academic or unrelated requests.
2. Keep replies brief unless the user asks for more detail.
3. Answer in plain text without markdown.
4. If the user shows any sign of self-harm or intent to harm others, recommend contacting a professional or a support team.`

// buildSystemPrompt creates the system prompt, personalized when the user
// chose to identify themselves.
func buildSystemPrompt(profile *chat.UserProfile) string {
	var builder strings.Builder
	builder.WriteString(basePrompt)
	builder.WriteString("\n\nUser identity:\n")

	if profile == nil {
		builder.WriteString("The user chose to remain anonymous. Do not ask for personal details.")
		return builder.String()
	}

	builder.WriteString(fmt.Sprintf("- Name: %s\n- Major: %s\n- Quarter: %s\n", profile.Name, profile.Major, profile.Quarter))
	builder.WriteString("Use this to personalize the conversation and do not ask for it again.")
	return builder.String()
}
