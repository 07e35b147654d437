package usecase

import (
	"strings"

	"chat-relay/internal/conversation"
	"chat-relay/internal/domain"
)

// buildPromptMessages renders the system prompt followed by the normalized
// history. webContext, when set, is attached to the final user message of
// the outbound copy only; stored history never carries search results.
func buildPromptMessages(systemPrompt string, history []domain.Turn, webContext string) []domain.ChatMessage {
	turns := conversation.Normalize(history)
	messages := make([]domain.ChatMessage, 0, len(turns)+1)
	if sp := strings.TrimSpace(systemPrompt); sp != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: domain.PlainText(sp)})
	}
	for _, t := range turns {
		messages = append(messages, t.ChatMessage())
	}
	if webContext == "" {
		return messages
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(domain.RoleUser) {
			messages[i].Content = withContext(messages[i].Content, webContext)
			break
		}
	}
	return messages
}

func withContext(c domain.Content, block string) domain.Content {
	if !c.IsBlocks() {
		return domain.PlainText(c.Text + "\n" + block)
	}
	parts := make([]domain.ContentPart, 0, len(c.Parts)+1)
	parts = append(parts, c.Parts...)
	parts = append(parts, domain.TextPart(block))
	return domain.Blocks(parts...)
}

// buildUserContent joins the typed text with extracted attachment text and
// switches to structured content when images are present.
func buildUserContent(text, attachmentText string, images []domain.ContentPart) domain.Content {
	text = strings.TrimSpace(text)
	if attachmentText != "" {
		if text != "" {
			text += "\n"
		}
		text += strings.TrimSpace(attachmentText)
	}
	if len(images) == 0 {
		return domain.PlainText(text)
	}
	parts := make([]domain.ContentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, domain.TextPart(text))
	}
	parts = append(parts, images...)
	return domain.Blocks(parts...)
}
