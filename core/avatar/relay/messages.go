package relay

import (
	"fmt"

	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
)

const (
	msgTypeSessionStart = "session.start"
	msgTypeSpeak        = "speak"
	msgTypeFinish       = "finish"
	msgTypeCancel       = "cancel"
	msgTypeClose        = "close"

	msgTypeReady            = "ready"
	msgTypeSpeakingStarted  = "speaking.started"
	msgTypeSpeakingFinished = "speaking.finished"
	msgTypeError            = "error"
)

type websocketMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

type speakMessage struct {
	websocketMessage
	Text string `json:"text"`
}

type sessionStartMessage struct {
	websocketMessage
	Region     string                  `json:"region,omitempty"`
	Character  string                  `json:"character"`
	Style      string                  `json:"style,omitempty"`
	Voice      string                  `json:"voice"`
	Language   string                  `json:"language"`
	ICEServers []credentials.ICEServer `json:"ice_servers,omitempty"`
	Audio      audioFormat             `json:"audio"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type incomingMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func newSessionStart(credential credentials.Credential, options avatar.Options) sessionStartMessage {
	return sessionStartMessage{
		websocketMessage: websocketMessage{Type: msgTypeSessionStart},
		Region:           credential.Region,
		Character:        options.Character,
		Style:            options.Style,
		Voice:            options.Voice,
		Language:         options.Language,
		ICEServers:       credential.ICEServers,
		Audio: audioFormat{
			Encoding:   options.AudioEncoding.Format.Name(),
			SampleRate: options.AudioEncoding.SampleRate,
		},
	}
}

// Media frames are binary messages: kind (1 byte), job id length (1 byte),
// job id, payload.

func EncodeFrame(frame avatar.Frame) ([]byte, error) {
	if len(frame.JobID) > 255 {
		return nil, fmt.Errorf("job id too long: %d bytes", len(frame.JobID))
	}

	encoded := make([]byte, 0, 2+len(frame.JobID)+len(frame.Data))
	encoded = append(encoded, byte(frame.Kind), byte(len(frame.JobID)))
	encoded = append(encoded, frame.JobID...)
	encoded = append(encoded, frame.Data...)
	return encoded, nil
}

func DecodeFrame(msg []byte) (avatar.Frame, error) {
	if len(msg) < 2 {
		return avatar.Frame{}, fmt.Errorf("frame too short: %d bytes", len(msg))
	}

	idLength := int(msg[1])
	if len(msg) < 2+idLength {
		return avatar.Frame{}, fmt.Errorf("frame truncated: job id needs %d bytes, %d left", idLength, len(msg)-2)
	}

	kind := avatar.FrameKind(msg[0])
	if kind != avatar.FrameAudio && kind != avatar.FrameVideo {
		return avatar.Frame{}, fmt.Errorf("unknown frame kind %d", msg[0])
	}

	return avatar.Frame{
		Kind:  kind,
		JobID: string(msg[2 : 2+idLength]),
		Data:  msg[2+idLength:],
	}, nil
}
