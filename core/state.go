package orchestration

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateThinking
	StateSpeaking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// active reports whether a session is live and accepting user input.
func (s State) active() bool {
	return s == StateListening || s == StateThinking || s == StateSpeaking
}

func (s State) answering() bool {
	return s == StateThinking || s == StateSpeaking
}
