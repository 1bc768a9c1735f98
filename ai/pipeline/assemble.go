package pipeline

import (
	"github.com/linshu368/starbot/ai/core/llm"
	"github.com/linshu368/starbot/session"
)

// Assemble builds the chat-completion message list from a role card, the
// session history and the composed user turn. Pure: no engine state, no
// back-references.
func Assemble(character *session.Character, history []session.Message, userInput string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	if character != nil && character.SystemPrompt != "" {
		messages = append(messages, llm.SystemPrompt(character.SystemPrompt))
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.UserMessage(userInput))
	return messages
}
