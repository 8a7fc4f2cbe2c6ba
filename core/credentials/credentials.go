package credentials

import (
	"errors"
	"time"
)

// Resource names what a credential unlocks.
type Resource string

const (
	ResourceSpeechAvatar Resource = "speech_avatar"
	ResourceRecognizer   Resource = "recognizer"
	ResourceAnswerStream Resource = "answer_stream"
)

var (
	ErrNotConfigured   = errors.New("credential source not configured")
	ErrUnknownResource = errors.New("unknown credential resource")
)

// ICEServer is a TURN relay usable by the avatar media session.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Credential is a short-lived grant for a single resource. A zero ExpiresAt
// means the credential does not expire.
type Credential struct {
	Resource   Resource
	Token      string
	Scheme     string
	Region     string
	ICEServers []ICEServer
	ExpiresAt  time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// AuthorizationHeader renders the credential for an Authorization header.
func (c Credential) AuthorizationHeader() string {
	if c.Scheme == "" {
		return c.Token
	}
	return c.Scheme + " " + c.Token
}
