package events

const (
	// KindAssistantResponseStarted identifies a submitted question awaiting its answer.
	KindAssistantResponseStarted Kind = "assistant_response.started"
	// KindAssistantResponseSegment identifies streamed answer text.
	KindAssistantResponseSegment Kind = "assistant_response.segment"
	// KindAssistantResponseFinal identifies answer stream completion.
	KindAssistantResponseFinal Kind = "assistant_response.final"
	// KindAssistantResponseFallback identifies a failed answer replaced by an apology.
	KindAssistantResponseFallback Kind = "assistant_response.fallback"
	// KindAssistantResponseCancelled identifies an answer abandoned by barge-in.
	KindAssistantResponseCancelled Kind = "assistant_response.cancelled"
)

// AssistantResponseStarted marks the start of an answer for a turn.
type AssistantResponseStarted struct {
	Base
	TurnID string `json:"turn_id"`
}

// NewAssistantResponseStarted creates an assistant response started event.
func NewAssistantResponseStarted(turnID string) AssistantResponseStarted {
	return AssistantResponseStarted{Base: NewBase(KindAssistantResponseStarted), TurnID: turnID}
}

// AssistantResponseSegment carries a streamed answer text segment.
type AssistantResponseSegment struct {
	Base
	TurnID  string `json:"turn_id"`
	Segment string `json:"segment"`
}

// NewAssistantResponseSegment creates an assistant response segment event.
func NewAssistantResponseSegment(turnID, segment string) AssistantResponseSegment {
	return AssistantResponseSegment{Base: NewBase(KindAssistantResponseSegment), TurnID: turnID, Segment: segment}
}

// AssistantResponseFinal marks answer stream completion.
type AssistantResponseFinal struct {
	Base
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// NewAssistantResponseFinal creates an assistant response final event.
func NewAssistantResponseFinal(turnID, text string) AssistantResponseFinal {
	return AssistantResponseFinal{Base: NewBase(KindAssistantResponseFinal), TurnID: turnID, Text: text}
}

// AssistantResponseFallback carries the apology shown when an answer fails.
type AssistantResponseFallback struct {
	Base
	TurnID  string `json:"turn_id"`
	Message string `json:"message"`
}

// NewAssistantResponseFallback creates an assistant response fallback event.
func NewAssistantResponseFallback(turnID, message string) AssistantResponseFallback {
	return AssistantResponseFallback{Base: NewBase(KindAssistantResponseFallback), TurnID: turnID, Message: message}
}

// AssistantResponseCancelled marks an answer abandoned by barge-in.
type AssistantResponseCancelled struct {
	Base
	TurnID string `json:"turn_id"`
}

// NewAssistantResponseCancelled creates an assistant response cancelled event.
func NewAssistantResponseCancelled(turnID string) AssistantResponseCancelled {
	return AssistantResponseCancelled{Base: NewBase(KindAssistantResponseCancelled), TurnID: turnID}
}
