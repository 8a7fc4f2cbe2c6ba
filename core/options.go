package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/events"
	"github.com/koscakluka/ema-avatar/core/recognizer"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultChunkBufferSize = 32
	DefaultEventQueueSize  = 64
	DefaultFallbackMessage = "Sorry, I couldn't finish that answer. Could you ask again?"
	DefaultLanguage        = "en-US"
)

type Config struct {
	// ConnectTimeout bounds credential fetch, channel connect and the wait
	// for the channel to become ready.
	ConnectTimeout time.Duration
	// ChunkBufferSize is the most answer chunks waiting to be spoken per
	// playback job. Overflow drops the oldest.
	ChunkBufferSize int
	// BargeIn lets a new final transcript cancel the answer in progress.
	// When disabled such transcripts are dropped.
	BargeIn         bool
	FallbackMessage string

	RecognitionLanguage string
	RecognizerRetries   int

	EventQueueSize int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      DefaultConnectTimeout,
		ChunkBufferSize:     DefaultChunkBufferSize,
		BargeIn:             true,
		FallbackMessage:     DefaultFallbackMessage,
		RecognitionLanguage: DefaultLanguage,
		RecognizerRetries:   recognizer.DefaultMaxRetries,
		EventQueueSize:      DefaultEventQueueSize,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.ChunkBufferSize <= 0 {
		c.ChunkBufferSize = defaults.ChunkBufferSize
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = defaults.FallbackMessage
	}
	if c.RecognitionLanguage == "" {
		c.RecognitionLanguage = defaults.RecognitionLanguage
	}
	if c.RecognizerRetries < 0 {
		c.RecognizerRetries = defaults.RecognizerRetries
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defaults.EventQueueSize
	}
	return c
}

type OrchestratorOption func(*Orchestrator)

type CredentialGateway interface {
	Fetch(ctx context.Context, resource credentials.Resource) (credentials.Credential, error)
}

func WithCredentialGateway(gateway CredentialGateway) OrchestratorOption {
	return func(o *Orchestrator) { o.gateway = gateway }
}

type Recognizer interface {
	Start(ctx context.Context, credential credentials.Credential, opts ...recognizer.Option) error
	SendAudio(audio []byte) error
	Stop() error
}

// WithRecognizer enables voice input. Without a recognizer, questions can
// only be submitted with [Orchestrator.SubmitText].
func WithRecognizer(client Recognizer) OrchestratorOption {
	return func(o *Orchestrator) { o.recognizer = client }
}

type AnswerClient interface {
	Submit(ctx context.Context, request answers.Request) answers.Sequence
}

func WithAnswerClient(client AnswerClient) OrchestratorOption {
	return func(o *Orchestrator) { o.answers = client }
}

type AvatarSynthesizer interface {
	Connect(ctx context.Context, credential credentials.Credential, opts ...avatar.Option) (avatar.Channel, error)
}

func WithAvatarSynthesizer(synthesizer AvatarSynthesizer, opts ...avatar.Option) OrchestratorOption {
	return func(o *Orchestrator) {
		o.synthesizer = synthesizer
		o.avatarOptions = opts
	}
}

func WithConfig(config Config) OrchestratorOption {
	return func(o *Orchestrator) { o.config = config.withDefaults() }
}

// WithConversationID fixes the conversation id sent with every question.
// By default each session gets a fresh id.
func WithConversationID(id string) OrchestratorOption {
	return func(o *Orchestrator) { o.conversationID = id }
}

// WithEventHandler registers a handler for session events. It runs on the
// session loop and must not block.
func WithEventHandler(handler func(events.Event)) OrchestratorOption {
	return func(o *Orchestrator) {
		if handler == nil {
			o.eventHandler = noopEventEmitter
			return
		}
		o.eventHandler = handler
	}
}

// WithFrameHandler registers a handler for avatar media frames of the job
// currently speaking. It runs on the channel's read loop and must not block.
func WithFrameHandler(handler func(avatar.Frame)) OrchestratorOption {
	return func(o *Orchestrator) {
		if handler != nil {
			o.frameHandler = handler
		}
	}
}
