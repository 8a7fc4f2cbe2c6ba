package avatar

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-avatar/core/audio"
)

var (
	ErrChannelConnect = errors.New("avatar channel connect failed")
	ErrChannelClosed  = errors.New("avatar channel closed")
	ErrJobEnded       = errors.New("playback job already ended")
)

// Channel is a live media session with the avatar synthesis service.
type Channel interface {
	// Speak appends text to the job's speech. Calls for one job must not
	// overlap; text is spoken in call order.
	Speak(ctx context.Context, jobID, text string) error
	// Finish marks the end of the job's text. The channel reports
	// [EventSpeakingFinished] once everything spoken so far has played.
	Finish(jobID string) error
	// Cancel stops the job immediately. Cancelling a finished or cancelled
	// job is a no-op.
	Cancel(jobID string) error
	// Close ends the session. Repeated calls are ignored.
	Close() error
}

type EventType string

const (
	EventReady            EventType = "ready"
	EventSpeakingStarted  EventType = "speaking_started"
	EventSpeakingFinished EventType = "speaking_finished"
	EventError            EventType = "error"
)

// Event is a lifecycle notification from the channel. Fatal errors mean the
// channel is unusable.
type Event struct {
	Type  EventType
	JobID string
	Err   error
	Fatal bool
}

type FrameKind byte

const (
	FrameAudio FrameKind = 1
	FrameVideo FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameVideo:
		return "video"
	}
	return "unknown"
}

// Frame is a piece of synthesized media belonging to a playback job.
type Frame struct {
	JobID string
	Kind  FrameKind
	Data  []byte
}

type Options struct {
	EventCallback func(Event)
	FrameCallback func(Frame)

	Character string
	Style     string
	Voice     string
	Language  string

	AudioEncoding audio.EncodingInfo
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		EventCallback: func(Event) {},
		FrameCallback: func(Frame) {},
		Character:     "lisa",
		Style:         "casual-sitting",
		Voice:         "en-US-AvaMultilingualNeural",
		Language:      "en-US",
		AudioEncoding: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithEventCallback(callback func(Event)) Option {
	return func(o *Options) {
		if callback != nil {
			o.EventCallback = callback
		}
	}
}

// WithFrameCallback registers a callback for media frames. It runs on the
// channel's read loop and should not block.
func WithFrameCallback(callback func(Frame)) Option {
	return func(o *Options) {
		if callback != nil {
			o.FrameCallback = callback
		}
	}
}

func WithCharacter(character, style string) Option {
	return func(o *Options) {
		if character != "" {
			o.Character = character
			o.Style = style
		}
	}
}

func WithVoice(voice string) Option {
	return func(o *Options) {
		if voice != "" {
			o.Voice = voice
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

func WithAudioEncoding(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) {
		if !encodingInfo.IsZero() {
			o.AudioEncoding = encodingInfo
		}
	}
}
