package answers

import (
	"context"
	"errors"
	"iter"

	"github.com/koscakluka/ema-avatar/core/credentials"
)

// ErrStreamInterrupted reports a stream that ended before its completion
// marker. Interrupted streams are never resumed.
var ErrStreamInterrupted = errors.New("answer stream interrupted")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history sent with a question.
type Turn struct {
	Role Role
	Text string
}

// Request is a question submitted for answering.
type Request struct {
	ConversationID string
	Question       string
	History        []Turn
	Credential     credentials.Credential
}

// Chunk is one element of an answer. The last chunk of a complete answer has
// Complete set and may carry no text.
type Chunk struct {
	Text     string
	Complete bool
}

// Sequence is a lazy, ordered, finite answer. It can be consumed once.
type Sequence interface {
	Chunks(ctx context.Context) iter.Seq2[Chunk, error]
}

// Collect drains seq and joins its text. It returns the text received so far
// together with any stream error.
func Collect(ctx context.Context, seq Sequence) (string, error) {
	text := ""
	for chunk, err := range seq.Chunks(ctx) {
		if err != nil {
			return text, err
		}
		text += chunk.Text
		if chunk.Complete {
			return text, nil
		}
	}
	return text, ErrStreamInterrupted
}
