package engine

import (
	"fmt"
	"strings"
)

const judgmentSystemPrompt = `You will analyze whether a character would naturally speak up proactively in the current conversation situation. Use the original definition from the character card. Return JSON: {"shouldSendMessage": true/false, "reason": "why", "messageType": "kind of message"}`

const generationSystemPrompt = `Generate one natural reply that fits the current situation, based on the character card definition and the conversation history.`

func (e *Engine) judgmentUserPrompt() string {
	var b strings.Builder
	b.WriteString("Here is the raw character card data:\n```json\n")
	b.WriteString(e.store.Card().RawJSON())
	b.WriteString("\n```\n\n")
	b.WriteString("Full conversation history from the beginning until now:\n")
	b.WriteString(e.store.FormattedTranscript(false, 0))
	b.WriteString("\n")
	b.WriteString(`Based on the raw card data and the full history, carefully judge whether the character would speak up proactively right now. Consider:
1. The character's personality traits and inner motivation
2. The emotional atmosphere and context of the conversation
3. The relationship built between the character and the user
4. Important clues or information in the conversation
5. The situation and environment the character is facing

Only return shouldSendMessage=true when it fits the character's personality and the current situation.
Remember: a well-written character does not interrupt the user constantly, but speaks up naturally at the right moment.`)
	return b.String()
}

func (e *Engine) generationUserPrompt(messageType string) string {
	var b strings.Builder
	b.WriteString("Character card data:\n```json\n")
	b.WriteString(e.store.Card().RawJSON())
	b.WriteString("\n```\n\n")
	b.WriteString("Full conversation history:\n")
	b.WriteString(e.store.FormattedTranscript(false, 0))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Message type: %s\n\n", messageType)
	b.WriteString("Output exactly what the character would say right now, with no extra commentary.")
	return b.String()
}
