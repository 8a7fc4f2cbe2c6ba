package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/events"
	"github.com/koscakluka/ema-avatar/core/recognizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// session is one connection of the user to the avatar, from Start until it
// closes or fails to start.
type session struct {
	id             string
	conversationID string

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	// startResult is answered once, when the session starts listening or
	// fails to.
	startResult  chan error
	connectTimer *time.Timer
	readyPending bool

	channel              avatar.Channel
	answerCredential     credentials.Credential
	recognizerCredential credentials.Credential
	recognizerStarted    bool

	// utterance is being recognized and not yet final.
	utterance    *Utterance
	turn         *turn
	lastActivity time.Time

	closed   bool
	previous <-chan struct{}
	released chan struct{}
}

func (s *session) replyStart(err error) {
	if s.startResult == nil {
		return
	}
	s.startResult <- err
	s.startResult = nil
}

func (r *sessionRuntime) handleStart(request startRequest) {
	if s := r.session; s != nil && !s.closed {
		request.result <- ErrSessionActive
		return
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(request.ctx))
	sessionCtx, span := tracer.Start(sessionCtx, "session")

	s := &session{
		id:             uuid.NewString(),
		conversationID: r.o.conversationID,
		ctx:            sessionCtx,
		cancel:         cancel,
		span:           span,
		startResult:    request.result,
		released:       make(chan struct{}),
	}
	if s.conversationID == "" {
		s.conversationID = uuid.NewString()
	}
	if previous := r.session; previous != nil {
		s.previous = previous.released
	}
	span.SetAttributes(attribute.String("session.id", s.id), attribute.String("session.conversation_id", s.conversationID))

	r.session = s
	r.touch(s)
	r.o.resetHistory()
	r.transition(StateConnecting)

	s.connectTimer = time.AfterFunc(r.o.config.ConnectTimeout, func() {
		r.enqueue(connectTimedOut{sessionID: s.id})
	})

	go r.prepareSession(s)
}

// prepareSession fetches fresh credentials and connects the avatar channel.
// It runs off the loop and reports back with a sessionPrepared event.
func (r *sessionRuntime) prepareSession(s *session) {
	prepared := sessionPrepared{sessionID: s.id}

	worker := panicSafeNamedWorker("session preparation", func(ctx context.Context) error {
		if s.previous != nil {
			select {
			case <-s.previous:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		avatarCredential, err := r.o.gateway.Fetch(ctx, credentials.ResourceSpeechAvatar)
		if err != nil {
			prepared.reason = ReasonCredentialError
			return fmt.Errorf("%w: %s: %v", ErrCredential, credentials.ResourceSpeechAvatar, err)
		}

		prepared.answerCredential, err = r.o.gateway.Fetch(ctx, credentials.ResourceAnswerStream)
		if err != nil {
			prepared.reason = ReasonCredentialError
			return fmt.Errorf("%w: %s: %v", ErrCredential, credentials.ResourceAnswerStream, err)
		}

		if r.o.recognizer != nil {
			prepared.recognizerCredential, err = r.o.gateway.Fetch(ctx, credentials.ResourceRecognizer)
			if err != nil {
				prepared.reason = ReasonCredentialError
				return fmt.Errorf("%w: %s: %v", ErrCredential, credentials.ResourceRecognizer, err)
			}
		}

		opts := append([]avatar.Option{
			avatar.WithLanguage(r.o.config.RecognitionLanguage),
		}, r.o.avatarOptions...)
		opts = append(opts,
			avatar.WithEventCallback(func(event avatar.Event) {
				r.enqueue(channelEvent{sessionID: s.id, event: event})
			}),
			avatar.WithFrameCallback(r.o.publishFrame),
		)

		prepared.channel, err = r.o.synthesizer.Connect(ctx, avatarCredential, opts...)
		if err != nil {
			prepared.reason = ReasonChannelConnectError
			if !errors.Is(err, ErrChannelConnect) {
				err = fmt.Errorf("%w: %v", ErrChannelConnect, err)
			}
			return err
		}
		return nil
	})

	ctx, span := tracer.Start(s.ctx, "prepare session")
	defer span.End()

	if err := worker(ctx); err != nil {
		if prepared.reason == "" {
			prepared.reason = ReasonChannelConnectError
		}
		prepared.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if !r.enqueue(prepared) && prepared.channel != nil {
		_ = prepared.channel.Close()
	}
}

func (r *sessionRuntime) handleSessionPrepared(prepared sessionPrepared) {
	s := r.currentSession(prepared.sessionID)
	if s == nil || r.o.State() != StateConnecting {
		if prepared.channel != nil {
			go prepared.channel.Close()
		}
		return
	}

	if prepared.err != nil {
		r.failStart(s, prepared.reason, prepared.err)
		return
	}

	s.channel = prepared.channel
	s.answerCredential = prepared.answerCredential
	s.recognizerCredential = prepared.recognizerCredential
	if s.readyPending {
		r.enterListening(s)
	}
}

func (r *sessionRuntime) handleConnectTimedOut(event connectTimedOut) {
	s := r.currentSession(event.sessionID)
	if s == nil || r.o.State() != StateConnecting {
		return
	}
	r.failStart(s, ReasonConnectTimeout, ErrConnectTimeout)
}

func (r *sessionRuntime) enterListening(s *session) {
	s.connectTimer.Stop()
	r.transition(StateListening)
	s.replyStart(nil)
	logger.InfoContext(s.ctx, "session listening", "session_id", s.id)

	if r.o.recognizer != nil {
		go r.startRecognizer(s, s.recognizerCredential)
	}
}

func (r *sessionRuntime) startRecognizer(s *session, credential credentials.Credential) {
	err := r.o.recognizer.Start(s.ctx, credential,
		recognizer.WithTranscriptCallback(func(transcript recognizer.Transcript) {
			r.enqueue(transcriptReceived{sessionID: s.id, transcript: transcript})
		}),
		recognizer.WithErrorCallback(func(err error) {
			r.enqueue(recognitionFailed{sessionID: s.id, err: err})
		}),
		recognizer.WithLanguage(r.o.config.RecognitionLanguage),
		recognizer.WithMaxRetries(r.o.config.RecognizerRetries),
		recognizer.WithCredentialRefresher(func(ctx context.Context) (credentials.Credential, error) {
			return r.o.gateway.Fetch(ctx, credentials.ResourceRecognizer)
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrRecognition) {
			err = fmt.Errorf("%w: %v", ErrRecognition, err)
		}
		r.enqueue(recognitionFailed{sessionID: s.id, err: err})
		return
	}
	if !r.enqueue(recognizerStarted{sessionID: s.id}) {
		_ = r.o.recognizer.Stop()
	}
}

func (r *sessionRuntime) handleRecognizerStarted(event recognizerStarted) {
	if s := r.currentSession(event.sessionID); s != nil {
		s.recognizerStarted = true
		return
	}
	// The session closed while the recognizer was starting.
	go r.o.recognizer.Stop()
}

func (r *sessionRuntime) handleRecognitionFailed(event recognitionFailed) {
	s := r.currentSession(event.sessionID)
	if s == nil {
		return
	}
	r.closeSession(s, ReasonRecognitionError, event.err)
}

func (r *sessionRuntime) handleChannelEvent(event channelEvent) {
	s := r.currentSession(event.sessionID)
	if s == nil {
		return
	}
	r.touch(s)

	switch event.event.Type {
	case avatar.EventReady:
		if r.o.State() != StateConnecting {
			return
		}
		if s.channel == nil {
			s.readyPending = true
			return
		}
		r.enterListening(s)

	case avatar.EventSpeakingStarted:
		r.handleSpeakingStarted(s, event.event.JobID)

	case avatar.EventSpeakingFinished:
		r.handleSpeakingFinished(s, event.event.JobID)

	case avatar.EventError:
		err := event.event.Err
		if err == nil {
			err = errors.New("unknown avatar channel error")
		}
		if !event.event.Fatal {
			logger.WarnContext(s.ctx, "avatar channel error", "error", err, "job_id", event.event.JobID)
			r.o.emit(events.NewSessionWarning("channel_error", err.Error()))
			return
		}
		if r.o.State() == StateConnecting {
			r.failStart(s, ReasonChannelConnectError, fmt.Errorf("%w: %v", ErrChannelConnect, err))
			return
		}
		r.closeSession(s, ReasonChannelFatal, fmt.Errorf("%w: %v", ErrChannelFatal, err))
	}
}

func (r *sessionRuntime) handleStop(request stopRequest) {
	s := r.session
	if s == nil || s.closed || (request.ifStarting && r.o.State() != StateConnecting) {
		request.result <- stopReply{err: ErrNoSession}
		return
	}

	if request.ifStarting {
		r.failStart(s, ReasonStopped, context.Canceled)
	} else {
		r.closeSession(s, ReasonStopped, nil)
	}
	request.result <- stopReply{released: s.released}
}

// failStart abandons a session that never reached Listening and returns the
// orchestrator to Idle.
func (r *sessionRuntime) failStart(s *session, reason string, err error) {
	sessionErr := &SessionError{Code: reason, Err: err}

	s.closed = true
	s.connectTimer.Stop()
	s.cancel()

	if reason != ReasonStopped {
		logger.WarnContext(s.ctx, "session failed to start", "session_id", s.id, "reason", reason, "error", err)
		s.span.RecordError(sessionErr)
		s.span.SetStatus(codes.Error, sessionErr.Error())
	}
	r.o.emit(events.NewSessionStartFailed(s.id, reason, sessionErr.Error()))
	r.transition(StateIdle)
	s.replyStart(sessionErr)

	go r.release(s, s.channel, false)
}

// closeSession ends a session from any state.
func (r *sessionRuntime) closeSession(s *session, reason string, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.connectTimer.Stop()

	if t := s.turn; t != nil {
		r.abandonTurn(s, t)
	}
	s.cancel()

	message := ""
	if err != nil {
		message = err.Error()
		logger.WarnContext(s.ctx, "session closed", "session_id", s.id, "reason", reason, "error", err)
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		logger.InfoContext(s.ctx, "session closed", "session_id", s.id, "reason", reason)
	}
	s.span.SetAttributes(
		attribute.String("session.close_reason", reason),
		attribute.String("session.last_activity", s.lastActivity.Format(time.RFC3339Nano)),
	)

	r.o.emit(events.NewSessionClosed(s.id, reason, message))
	r.transition(StateClosed)
	s.replyStart(&SessionError{Code: reason, Err: err})

	go r.release(s, s.channel, s.recognizerStarted)
}

// release shuts down the components of a closed session off the loop.
func (r *sessionRuntime) release(s *session, channel avatar.Channel, stopRecognizer bool) {
	defer close(s.released)
	defer s.span.End()

	var errs error
	if stopRecognizer {
		if err := r.o.recognizer.Stop(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to stop recognizer: %w", err))
		}
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to close avatar channel: %w", err))
		}
	}
	if errs != nil {
		s.span.RecordError(errs)
		logger.DebugContext(s.ctx, "session release incomplete", "session_id", s.id, "error", errs)
	}
}

// touch records activity on the session. Only the loop calls it.
func (r *sessionRuntime) touch(s *session) {
	s.lastActivity = time.Now()
	r.o.lastActivity.Store(s.lastActivity.UnixNano())
}
