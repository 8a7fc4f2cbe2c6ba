package events

// View is the read-only projection of a session shown by presenters.
type View struct {
	SessionState      string `json:"session_state" jsonschema:"enum=idle,enum=connecting,enum=listening,enum=thinking,enum=speaking,enum=closed"`
	InterimTranscript string `json:"interim_transcript" jsonschema_description:"Transcript of the utterance still being recognized"`
	FinalTranscript   string `json:"final_transcript" jsonschema_description:"Last question submitted for answering"`
	PartialAnswerText string `json:"partial_answer_text" jsonschema_description:"Answer text received so far for the current turn"`
	AvatarSpeaking    bool   `json:"avatar_speaking"`
	Notice            string `json:"notice,omitempty" jsonschema_description:"Fallback or failure text shown instead of an answer"`
}

// Apply folds event into the view and returns the result.
func (v View) Apply(event Event) View {
	switch typedEvent := event.(type) {
	case SessionStateChanged:
		v.SessionState = typedEvent.To
	case SessionStartFailed:
		v.Notice = typedEvent.Message
	case SessionClosed:
		v.InterimTranscript = ""
		v.AvatarSpeaking = false
	case UserTranscriptInterimUpdated:
		v.InterimTranscript = typedEvent.Transcript
	case UserTranscriptFinal:
		v.InterimTranscript = ""
		v.FinalTranscript = typedEvent.Transcript
		v.PartialAnswerText = ""
		v.Notice = ""
	case AssistantResponseSegment:
		v.PartialAnswerText += typedEvent.Segment
	case AssistantResponseFallback:
		v.Notice = typedEvent.Message
	case AvatarSpeakingStarted:
		v.AvatarSpeaking = true
	case AvatarSpeakingFinished:
		v.AvatarSpeaking = false
	}
	return v
}
