package recognizer

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-avatar/core/audio"
	"github.com/koscakluka/ema-avatar/core/credentials"
)

// ErrRecognition is surfaced once reconnect retries are exhausted.
var ErrRecognition = errors.New("speech recognition failed")

const DefaultMaxRetries = 3

// Transcript is a recognition result. Interim transcripts supersede earlier
// interims of the same utterance; a final one closes the utterance.
type Transcript struct {
	Text    string
	IsFinal bool
}

type Options struct {
	TranscriptCallback    func(Transcript)
	SpeechStartedCallback func()
	ErrorCallback         func(error)

	// CredentialRefresher, when set, replaces an expired credential before
	// a dropped connection is redialled.
	CredentialRefresher func(ctx context.Context) (credentials.Credential, error)

	EncodingInfo audio.EncodingInfo
	Language     string
	MaxRetries   int
}

type Option func(*Options)

// NewOptions applies opts on top of the defaults.
func NewOptions(opts ...Option) Options {
	options := Options{
		TranscriptCallback:    func(Transcript) {},
		SpeechStartedCallback: func() {},
		ErrorCallback:         func(error) {},
		EncodingInfo:          audio.GetDefaultEncodingInfo(),
		Language:              "en-US",
		MaxRetries:            DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithTranscriptCallback(callback func(Transcript)) Option {
	return func(o *Options) {
		if callback != nil {
			o.TranscriptCallback = callback
		}
	}
}

func WithSpeechStartedCallback(callback func()) Option {
	return func(o *Options) {
		if callback != nil {
			o.SpeechStartedCallback = callback
		}
	}
}

// WithErrorCallback registers a callback for terminal recognition errors.
// Errors passed to it wrap [ErrRecognition].
func WithErrorCallback(callback func(error)) Option {
	return func(o *Options) {
		if callback != nil {
			o.ErrorCallback = callback
		}
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) {
		if !encodingInfo.IsZero() {
			o.EncodingInfo = encodingInfo
		}
	}
}

func WithLanguage(language string) Option {
	return func(o *Options) {
		if language != "" {
			o.Language = language
		}
	}
}

func WithMaxRetries(retries int) Option {
	return func(o *Options) {
		if retries >= 0 {
			o.MaxRetries = retries
		}
	}
}

func WithCredentialRefresher(refresh func(ctx context.Context) (credentials.Credential, error)) Option {
	return func(o *Options) { o.CredentialRefresher = refresh }
}
