package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultEndpoint = "wss://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/v1"

	closeWriteTimeout = time.Second

	// endedJobWindow bounds how many finished or cancelled jobs are
	// remembered for dropping their late output.
	endedJobWindow = 32
)

// Synthesizer opens avatar media sessions over a websocket relay.
type Synthesizer struct {
	endpoint string
	dialer   *websocket.Dialer
}

type SynthesizerOption func(*Synthesizer)

func NewSynthesizer(opts ...SynthesizerOption) *Synthesizer {
	synthesizer := &Synthesizer{
		endpoint: DefaultEndpoint,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(synthesizer)
	}
	return synthesizer
}

// WithEndpoint sets the relay URL. A "%s" verb is replaced with the
// credential's region.
func WithEndpoint(endpoint string) SynthesizerOption {
	return func(s *Synthesizer) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

func WithDialer(dialer *websocket.Dialer) SynthesizerOption {
	return func(s *Synthesizer) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

func (s *Synthesizer) Connect(ctx context.Context, credential credentials.Credential, opts ...avatar.Option) (avatar.Channel, error) {
	ctx, span := tracer.Start(ctx, "connect avatar channel")
	defer span.End()

	options := avatar.NewOptions(opts...)

	endpoint := s.endpoint
	if strings.Contains(endpoint, "%s") {
		endpoint = fmt.Sprintf(endpoint, credential.Region)
	}
	span.SetAttributes(attribute.String("avatar.character", options.Character))

	ws, resp, err := s.dialer.DialContext(ctx, endpoint,
		http.Header{"Authorization": {credential.AuthorizationHeader()}})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (%s): %v", avatar.ErrChannelConnect, resp.Status, err)
		} else {
			err = fmt.Errorf("%w: %v", avatar.ErrChannelConnect, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	channel := &Channel{
		ws:      ws,
		options: options,
		jobs:    map[string]jobState{},
		done:    make(chan struct{}),
	}

	if err := channel.sendWebsocketMessage(newSessionStart(credential, options)); err != nil {
		_ = ws.Close()
		err = fmt.Errorf("%w: %v", avatar.ErrChannelConnect, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	go channel.processIncomingMessages(context.WithoutCancel(ctx))

	return channel, nil
}

type jobState int

const (
	jobSpeaking jobState = iota
	jobFinishing
	jobFinished
	jobCancelled
)

func (s jobState) ended() bool { return s == jobFinished || s == jobCancelled }

// Channel is one avatar media session. Callbacks run on its read loop; Close
// does not wait for that loop, so callbacks may call Close.
type Channel struct {
	ws *websocket.Conn
	mu sync.Mutex

	options avatar.Options

	jobs   map[string]jobState
	ended  []string
	jobsMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Channel) Speak(ctx context.Context, jobID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.jobsMu.Lock()
	state, known := c.jobs[jobID]
	if known && state.ended() {
		c.jobsMu.Unlock()
		return fmt.Errorf("%w: %s", avatar.ErrJobEnded, jobID)
	} else if known && state == jobFinishing {
		c.jobsMu.Unlock()
		return fmt.Errorf("job %s already finishing", jobID)
	}
	c.jobs[jobID] = jobSpeaking
	c.jobsMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return avatar.ErrChannelClosed
	}
	// A concurrent Cancel may have won the race since the check above.
	if c.jobCancelled(jobID) {
		return fmt.Errorf("%w: %s", avatar.ErrJobEnded, jobID)
	}
	if err := c.ws.WriteJSON(speakMessage{
		websocketMessage: websocketMessage{Type: msgTypeSpeak, JobID: jobID},
		Text:             text,
	}); err != nil {
		return fmt.Errorf("failed to send speak message: %w", err)
	}
	return nil
}

func (c *Channel) Finish(jobID string) error {
	c.jobsMu.Lock()
	if state, known := c.jobs[jobID]; known && state != jobSpeaking {
		c.jobsMu.Unlock()
		return nil
	}
	c.jobs[jobID] = jobFinishing
	c.jobsMu.Unlock()

	if err := c.sendWebsocketMessage(websocketMessage{Type: msgTypeFinish, JobID: jobID}); err != nil {
		return fmt.Errorf("failed to send finish message: %w", err)
	}
	return nil
}

func (c *Channel) Cancel(jobID string) error {
	c.jobsMu.Lock()
	if state, known := c.jobs[jobID]; known && state.ended() {
		c.jobsMu.Unlock()
		return nil
	}
	c.endJobLocked(jobID, jobCancelled)
	c.jobsMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	if err := c.sendWebsocketMessage(websocketMessage{Type: msgTypeCancel, JobID: jobID}); err != nil {
		return fmt.Errorf("failed to send cancel message: %w", err)
	}
	return nil
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		sendErr := c.ws.WriteJSON(websocketMessage{Type: msgTypeClose})
		c.closed.Store(true)
		c.mu.Unlock()

		if closeErr := c.ws.Close(); closeErr != nil && sendErr != nil {
			err = fmt.Errorf("failed to close websocket: %w", errors.Join(sendErr, closeErr))
		}
	})
	return err
}

func (c *Channel) sendWebsocketMessage(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return avatar.ErrChannelClosed
	}

	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

// endJobLocked marks jobID ended and forgets the oldest ended jobs beyond
// endedJobWindow. jobsMu must be held.
func (c *Channel) endJobLocked(jobID string, state jobState) {
	c.jobs[jobID] = state
	c.ended = append(c.ended, jobID)
	for len(c.ended) > endedJobWindow {
		delete(c.jobs, c.ended[0])
		c.ended = c.ended[1:]
	}
}

// jobCancelled reports whether output for jobID must be discarded.
func (c *Channel) jobCancelled(jobID string) bool {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return c.jobs[jobID] == jobCancelled
}

func (c *Channel) processIncomingMessages(ctx context.Context) {
	defer close(c.done)

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.closed.Store(true)
			_ = c.ws.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = avatar.ErrChannelClosed
			} else {
				err = fmt.Errorf("%w: %v", avatar.ErrChannelClosed, err)
			}
			logger.WarnContext(ctx, "avatar channel read failed", "error", err)
			c.options.EventCallback(avatar.Event{Type: avatar.EventError, Err: err, Fatal: true})
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			frame, err := DecodeFrame(msg)
			if err != nil {
				logger.DebugContext(ctx, "dropping malformed frame", "error", err)
				continue
			}
			if c.jobCancelled(frame.JobID) {
				continue
			}
			c.options.FrameCallback(frame)

		case websocket.TextMessage:
			var parsedMsg incomingMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.DebugContext(ctx, "failed to unmarshal avatar message", "error", err)
				continue
			}
			c.handleControlMessage(ctx, parsedMsg)
		}
	}
}

func (c *Channel) handleControlMessage(ctx context.Context, msg incomingMessage) {
	switch msg.Type {
	case msgTypeReady:
		c.options.EventCallback(avatar.Event{Type: avatar.EventReady})

	case msgTypeSpeakingStarted:
		if c.jobCancelled(msg.JobID) {
			return
		}
		c.options.EventCallback(avatar.Event{Type: avatar.EventSpeakingStarted, JobID: msg.JobID})

	case msgTypeSpeakingFinished:
		c.jobsMu.Lock()
		cancelled := c.jobs[msg.JobID] == jobCancelled
		if state, known := c.jobs[msg.JobID]; !known || !state.ended() {
			c.endJobLocked(msg.JobID, jobFinished)
		}
		c.jobsMu.Unlock()
		if cancelled {
			return
		}
		c.options.EventCallback(avatar.Event{Type: avatar.EventSpeakingFinished, JobID: msg.JobID})

	case msgTypeError:
		err := fmt.Errorf("avatar service error: %s", msg.Message)
		if msg.Fatal {
			err = fmt.Errorf("%w: %s", avatar.ErrChannelClosed, msg.Message)
		}
		logger.WarnContext(ctx, "avatar service reported error", "error", err, "fatal", msg.Fatal, "job_id", msg.JobID)
		c.options.EventCallback(avatar.Event{Type: avatar.EventError, JobID: msg.JobID, Err: err, Fatal: msg.Fatal})

	default:
		logger.DebugContext(ctx, "ignoring avatar message", "type", msg.Type)
	}
}
