package orchestration

import (
	"errors"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/recognizer"
)

var (
	ErrCredential                   = errors.New("credential unavailable")
	ErrConnectTimeout               = errors.New("avatar channel not ready before connect timeout")
	ErrChannelConnect               = avatar.ErrChannelConnect
	ErrRecognition                  = recognizer.ErrRecognition
	ErrStreamInterrupted            = answers.ErrStreamInterrupted
	ErrPlaybackBackpressureOverflow = errors.New("playback buffer full, oldest chunk dropped")
	ErrChannelFatal                 = errors.New("avatar channel failed")

	ErrSessionActive = errors.New("session already active")
	ErrNoSession     = errors.New("no active session")
	ErrClosed        = errors.New("orchestrator closed")
)

// Reason codes carried by [SessionError] and surfaced in session events.
const (
	ReasonCredentialError     = "credential_error"
	ReasonConnectTimeout      = "connect_timeout"
	ReasonChannelConnectError = "channel_connect_error"
	ReasonRecognitionError    = "recognition_error"
	ReasonChannelFatal        = "channel_fatal"
	ReasonStopped             = "stopped"
)

// SessionError ends or prevents a session.
type SessionError struct {
	Code string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }
