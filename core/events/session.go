package events

const (
	KindSessionStateChanged Kind = "session.state_changed"
	KindSessionStartFailed  Kind = "session.start_failed"
	KindSessionClosed       Kind = "session.closed"
	KindSessionWarning      Kind = "session.warning"
)

// SessionStateChanged carries a lifecycle transition.
type SessionStateChanged struct {
	Base
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func NewSessionStateChanged(sessionID, from, to string) SessionStateChanged {
	return SessionStateChanged{Base: NewBase(KindSessionStateChanged), SessionID: sessionID, From: from, To: to}
}

// SessionStartFailed reports why Start returned the session to Idle.
type SessionStartFailed struct {
	Base
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

func NewSessionStartFailed(sessionID, reason, message string) SessionStartFailed {
	return SessionStartFailed{Base: NewBase(KindSessionStartFailed), SessionID: sessionID, Reason: reason, Message: message}
}

// SessionClosed reports the end of a session.
type SessionClosed struct {
	Base
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

func NewSessionClosed(sessionID, reason, message string) SessionClosed {
	return SessionClosed{Base: NewBase(KindSessionClosed), SessionID: sessionID, Reason: reason, Message: message}
}

// SessionWarning reports a recoverable condition.
type SessionWarning struct {
	Base
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewSessionWarning(code, message string) SessionWarning {
	return SessionWarning{Base: NewBase(KindSessionWarning), Code: code, Message: message}
}
