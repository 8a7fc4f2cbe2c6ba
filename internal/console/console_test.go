package console

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/events"
)

type sessionStub struct {
	mu        sync.Mutex
	started   bool
	stops     int
	submitted []string
	audio     int
}

func (s *sessionStub) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *sessionStub) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stops > 1 {
		return orchestration.ErrNoSession
	}
	return nil
}

func (s *sessionStub) SendAudio([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio++
	return nil
}

func (s *sessionStub) SubmitText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, text)
	return nil
}

type deviceStub struct {
	mu        sync.Mutex
	capturing bool
	played    [][]byte
	flushes   int
}

func (d *deviceStub) StartCapture(_ context.Context, onAudio func([]byte)) error {
	d.mu.Lock()
	d.capturing = true
	d.mu.Unlock()
	onAudio([]byte{0, 0})
	return nil
}

func (d *deviceStub) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = false
	return nil
}

func (d *deviceStub) Play(audio []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, audio)
	return nil
}

func (d *deviceStub) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
}

func TestPresenterRendersConversation(t *testing.T) {
	var out bytes.Buffer
	presenter := NewPresenter(&out, 40)

	presenter.Handle(events.NewUserTranscriptInterimUpdated("what is"))
	presenter.Handle(events.NewUserTranscriptFinal("What is EMA?"))
	presenter.Handle(events.NewAssistantResponseSegment("t1", "EMA is"))
	presenter.Handle(events.NewAssistantResponseFinal("t1", "EMA is an avatar."))

	text := out.String()
	assert.NotContains(t, text, "what is\n")
	assert.Contains(t, text, "You")
	assert.Contains(t, text, "  What is EMA?")
	assert.Contains(t, text, "Avatar")
	assert.Contains(t, text, "  EMA is an avatar.")
	assert.Equal(t, 1, strings.Count(text, "EMA is an avatar."))
}

func TestPresenterWrapsLongAnswers(t *testing.T) {
	presenter := NewPresenter(&bytes.Buffer{}, 20)

	rendered := presenter.Render(events.NewAssistantResponseFinal("t1", "the quick brown fox jumps over the lazy dog"))
	lines := strings.Split(rendered, "\n")
	require.Greater(t, len(lines), 2)
	for _, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, "  "), "line %q is not indented", line)
		assert.LessOrEqual(t, len(line), 20)
	}
}

func TestPresenterSkipsEmptyAnswers(t *testing.T) {
	presenter := NewPresenter(&bytes.Buffer{}, 40)
	assert.Empty(t, presenter.Render(events.NewAssistantResponseFinal("t1", "  ")))
	assert.Empty(t, presenter.Render(events.NewAvatarSpeakingStarted("j1")))
	assert.Contains(t, presenter.Render(events.NewSessionClosed("s1", "channel_fatal", "socket closed")), "socket closed")
}

func TestConsolePlaysOnlyAudioFrames(t *testing.T) {
	device := &deviceStub{}
	console := New(NewPresenter(&bytes.Buffer{}, 40), device)

	console.HandleFrame(avatar.Frame{JobID: "j1", Kind: avatar.FrameAudio, Data: []byte{1, 2}})
	console.HandleFrame(avatar.Frame{JobID: "j1", Kind: avatar.FrameVideo, Data: []byte{3}})

	require.Len(t, device.played, 1)
	assert.Equal(t, []byte{1, 2}, device.played[0])
}

func TestConsoleFlushesCancelledSpeech(t *testing.T) {
	device := &deviceStub{}
	console := New(NewPresenter(&bytes.Buffer{}, 40), device)

	console.HandleEvent(events.NewAvatarSpeakingFinished("j1", false))
	assert.Equal(t, 0, device.flushes)

	console.HandleEvent(events.NewAvatarSpeakingFinished("j1", true))
	assert.Equal(t, 1, device.flushes)
}

func TestConsoleRunSubmitsTypedLines(t *testing.T) {
	device := &deviceStub{}
	session := &sessionStub{}
	console := New(NewPresenter(&bytes.Buffer{}, 40), device)

	input := strings.NewReader("What is EMA?\n\n  \nTell me more\n/quit\nignored\n")
	require.NoError(t, console.Run(context.Background(), session, input))

	assert.True(t, session.started)
	assert.Equal(t, []string{"What is EMA?", "Tell me more"}, session.submitted)
	assert.Equal(t, 1, session.stops)
	assert.Equal(t, 1, session.audio)
	assert.False(t, device.capturing)
}

func TestConsoleRunWithoutDevice(t *testing.T) {
	var out bytes.Buffer
	session := &sessionStub{}
	console := New(NewPresenter(&out, 40), nil)

	require.NoError(t, console.Run(context.Background(), session, strings.NewReader("/stop\n/stop\n")))
	assert.Equal(t, 3, session.stops)
	assert.Contains(t, out.String(), orchestration.ErrNoSession.Error())
}
