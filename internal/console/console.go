package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/events"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-avatar/internal/console")

const (
	commandQuit = "/quit"
	commandStop = "/stop"
)

// Session is the part of the orchestrator the console drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendAudio(audio []byte) error
	SubmitText(text string) error
}

// AudioDevice captures the microphone and plays avatar speech.
type AudioDevice interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
	Play(audio []byte) error
	Flush()
}

// Console runs a session in the terminal: the microphone feeds the
// recognizer, typed lines are questions, avatar audio is played and the
// conversation is printed.
type Console struct {
	presenter *Presenter
	device    AudioDevice
}

// New creates a console. A nil device runs the session text only.
func New(presenter *Presenter, device AudioDevice) *Console {
	return &Console{presenter: presenter, device: device}
}

// HandleEvent is the orchestrator's event handler.
func (c *Console) HandleEvent(event events.Event) {
	c.presenter.Handle(event)

	if finished, ok := event.(events.AvatarSpeakingFinished); ok && finished.Cancelled && c.device != nil {
		c.device.Flush()
	}
}

// HandleFrame is the orchestrator's frame handler. Only audio is played.
func (c *Console) HandleFrame(frame avatar.Frame) {
	if c.device == nil || frame.Kind != avatar.FrameAudio {
		return
	}
	if err := c.device.Play(frame.Data); err != nil {
		logger.Warn("failed to play avatar audio", "job_id", frame.JobID, "error", err)
	}
}

// Run starts the session and reads typed input until ctx ends, the input
// is exhausted or the user quits.
func (c *Console) Run(ctx context.Context, session Session, input io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer func() {
		if err := session.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, orchestration.ErrNoSession) {
			logger.Warn("failed to stop session", "error", err)
		}
	}()

	if c.device != nil {
		err := c.device.StartCapture(ctx, func(audio []byte) {
			// Audio between sessions has nowhere to go.
			_ = session.SendAudio(audio)
		})
		if err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
		defer c.device.StopCapture()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(ctx, session, line); quit {
				return nil
			}
		}
	}
}

func (c *Console) handleLine(ctx context.Context, session Session, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case commandQuit:
		return true
	case commandStop:
		if err := session.Stop(ctx); err != nil {
			c.presenter.Handle(events.NewSessionWarning("stop", err.Error()))
		}
		return false
	}

	if err := session.SubmitText(line); err != nil {
		c.presenter.Handle(events.NewSessionWarning("submit", err.Error()))
	}
	return false
}
