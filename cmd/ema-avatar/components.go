package main

import (
	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/answers/openai"
	"github.com/koscakluka/ema-avatar/core/answers/orcstream"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/avatar/relay"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/recognizer/deepgram"
	"github.com/koscakluka/ema-avatar/internal/config"
	"github.com/koscakluka/ema-avatar/internal/server"
)

func newGateway(cfg *config.Config) *credentials.Gateway {
	return credentials.NewGateway(
		credentials.WithRegion(cfg.Speech.Region),
		credentials.WithSubscriptionKey(cfg.Speech.SubscriptionKey),
		credentials.WithSpeechTokenTTL(cfg.Speech.TokenTTL),
		credentials.WithAnswerStreamKey(cfg.Answers.Key),
		credentials.WithRecognizerKey(cfg.Recognizer.APIKey, cfg.Recognizer.Grant),
	)
}

func newAnswerClient(cfg *config.Config) orchestration.AnswerClient {
	if cfg.Answers.Provider == config.AnswersProviderOpenAI {
		return openai.NewClient(
			openai.WithEndpoint(cfg.Answers.Endpoint),
			openai.WithModel(cfg.Answers.Model),
			openai.WithInstructions(cfg.Answers.Instructions),
		)
	}
	return orcstream.NewClient(
		orcstream.WithEndpoint(cfg.Answers.Endpoint),
		orcstream.WithCompletionMarker(cfg.Answers.CompletionMarker),
		orcstream.WithPrincipal(orcstream.Principal{
			ID:   cfg.Answers.PrincipalID,
			Name: cfg.Answers.PrincipalName,
		}),
	)
}

func newSynthesizer(cfg *config.Config) *relay.Synthesizer {
	return relay.NewSynthesizer(relay.WithEndpoint(cfg.Avatar.Endpoint))
}

func avatarOptions(cfg *config.Config) []avatar.Option {
	return []avatar.Option{
		avatar.WithCharacter(cfg.Avatar.Character, cfg.Avatar.Style),
		avatar.WithVoice(cfg.Avatar.Voice),
	}
}

// recognizerFactory returns nil when no recognition key is configured, in
// which case sessions take typed input only.
func recognizerFactory(cfg *config.Config) func() orchestration.Recognizer {
	if cfg.Recognizer.APIKey == "" {
		return nil
	}
	return func() orchestration.Recognizer {
		return deepgram.NewClient(
			deepgram.WithModel(cfg.Recognizer.Model),
			deepgram.WithRetryBackoff(cfg.Recognizer.RetryBackoff),
		)
	}
}

func newDependencies(cfg *config.Config) server.Dependencies {
	return server.Dependencies{
		Tokens:        newGateway(cfg),
		Answers:       newAnswerClient(cfg),
		Synthesizer:   newSynthesizer(cfg),
		NewRecognizer: recognizerFactory(cfg),
		AvatarOptions: avatarOptions(cfg),
	}
}
