package recognizer

import (
	"testing"

	"github.com/koscakluka/ema-avatar/core/audio"
)

func TestNewOptionsDefaultsToNoopCallbacks(t *testing.T) {
	options := NewOptions()

	options.TranscriptCallback(Transcript{Text: "x"})
	options.SpeechStartedCallback()
	options.ErrorCallback(ErrRecognition)

	if options.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default retries %d, got %d", DefaultMaxRetries, options.MaxRetries)
	}
	if options.EncodingInfo != audio.GetDefaultEncodingInfo() {
		t.Fatalf("expected default encoding, got %+v", options.EncodingInfo)
	}
}

func TestNewOptionsIgnoresInvalidValues(t *testing.T) {
	options := NewOptions(
		WithTranscriptCallback(nil),
		WithLanguage(""),
		WithMaxRetries(-1),
		WithEncodingInfo(audio.EncodingInfo{}),
	)

	if options.TranscriptCallback == nil {
		t.Fatalf("expected nil callback to be ignored")
	}
	if options.Language != "en-US" {
		t.Fatalf("expected default language, got %q", options.Language)
	}
	if options.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected default retries, got %d", options.MaxRetries)
	}
}

func TestWithMaxRetriesAllowsZero(t *testing.T) {
	if got := NewOptions(WithMaxRetries(0)).MaxRetries; got != 0 {
		t.Fatalf("expected zero retries, got %d", got)
	}
}
