package openai

import "github.com/koscakluka/ema-avatar/core/answers"

type openAIMessage struct {
	Type    messageType `json:"type"`
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleDeveloper messageRole = "developer"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type messageType string

const messageTypeMessage messageType = "message"

type requestBody struct {
	Model  string          `json:"model"`
	Input  []openAIMessage `json:"input"`
	Stream bool            `json:"stream"`
	User   string          `json:"user,omitempty"`
}

type streamingEventType string

const (
	streamingEventResponseOutputTextDelta streamingEventType = "response.output_text.delta"
	streamingEventResponseCompleted       streamingEventType = "response.completed"
	streamingEventResponseFailed          streamingEventType = "response.failed"
	streamingEventError                   streamingEventType = "error"
)

type streamingBodyResponseTextDelta struct {
	Delta string `json:"delta"`
}

type streamingBodyError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// toOpenAIMessages lays out instructions, the prior turns and the question in
// the order the model reads them. Empty turns are skipped.
func toOpenAIMessages(instructions string, history []answers.Turn, question string) []openAIMessage {
	messages := make([]openAIMessage, 0, len(history)+2)
	if instructions != "" {
		messages = append(messages, openAIMessage{
			Type:    messageTypeMessage,
			Role:    messageRoleDeveloper,
			Content: instructions,
		})
	}

	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		role := messageRoleUser
		if turn.Role == answers.RoleAssistant {
			role = messageRoleAssistant
		}
		messages = append(messages, openAIMessage{
			Type:    messageTypeMessage,
			Role:    role,
			Content: turn.Text,
		})
	}

	return append(messages, openAIMessage{
		Type:    messageTypeMessage,
		Role:    messageRoleUser,
		Content: question,
	})
}
