package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// turn is one question and its answer. It completes when the answer stream
// is complete and the avatar finished speaking it.
type turn struct {
	id        string
	utterance Utterance
	cancel    context.CancelFunc

	text strings.Builder
	job  *playbackJob

	answerDone       bool
	speakingStarted  bool
	speakingFinished bool
}

// activeTurn returns the session's turn if it is the one identified.
func (r *sessionRuntime) activeTurn(sessionID, turnID string) (*session, *turn) {
	s := r.currentSession(sessionID)
	if s == nil || s.turn == nil || s.turn.id != turnID {
		return nil, nil
	}
	return s, s.turn
}

func (r *sessionRuntime) handleTranscript(event transcriptReceived) {
	s := r.currentSession(event.sessionID)
	if s == nil || !r.o.State().active() {
		return
	}
	r.touch(s)

	if !event.transcript.IsFinal {
		if s.utterance == nil {
			s.utterance = &Utterance{}
		}
		s.utterance.update(event.transcript.Text)
		r.o.emit(events.NewUserTranscriptInterimUpdated(event.transcript.Text))
		return
	}
	r.handleFinalText(event.transcript.Text)
}

// handleFinalText starts a turn for a final transcript or typed input.
func (r *sessionRuntime) handleFinalText(text string) {
	s := r.session
	if s == nil || s.closed || !r.o.State().active() {
		return
	}

	r.touch(s)

	// The utterance in progress ends here whether or not it is answered.
	utterance := s.utterance
	s.utterance = nil
	if utterance == nil {
		utterance = &Utterance{}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		logger.DebugContext(s.ctx, "discarding empty final transcript", "session_id", s.id)
		r.o.emit(events.NewUserTranscriptInterimUpdated(""))
		return
	}

	if r.o.State().answering() {
		if !r.o.config.BargeIn {
			logger.InfoContext(s.ctx, "dropping final transcript while answering", "session_id", s.id, "transcript", text)
			return
		}
		r.bargeIn(s)
	}
	utterance.finalize(text, time.Now())
	r.beginTurn(s, *utterance)
}

func (r *sessionRuntime) bargeIn(s *session) {
	t := s.turn
	if t == nil {
		return
	}
	s.span.AddEvent("barge-in")
	bargeInCounter.Add(s.ctx, 1)
	r.abandonTurn(s, t)
}

func (r *sessionRuntime) beginTurn(s *session, utterance Utterance) {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &turn{id: uuid.NewString(), utterance: utterance, cancel: cancel}
	question := utterance.Text

	history := r.o.History()
	r.o.appendHistory(answers.Turn{Role: answers.RoleUser, Text: question})
	s.turn = t

	r.o.emit(events.NewUserTranscriptFinal(question))
	r.o.emit(events.NewAssistantResponseStarted(t.id))
	r.transition(StateThinking)

	request := answers.Request{
		ConversationID: s.conversationID,
		Question:       question,
		History:        history,
		Credential:     s.answerCredential,
	}
	refresh := s.answerCredential.Expired(time.Now())
	go r.streamAnswer(ctx, s.id, t.id, request, refresh)
}

// streamAnswer consumes the answer off the loop and forwards each chunk to it.
func (r *sessionRuntime) streamAnswer(ctx context.Context, sessionID, turnID string, request answers.Request, refreshCredential bool) {
	ctx, span := tracer.Start(ctx, "answer turn")
	defer span.End()
	span.SetAttributes(attribute.String("turn.id", turnID), attribute.Int("turn.history", len(request.History)))
	answered := false
	defer func() { span.SetAttributes(attribute.Bool("turn.answer_complete", answered)) }()

	worker := panicSafeNamedWorker("answer stream", func(ctx context.Context) error {
		if refreshCredential {
			credential, err := r.o.gateway.Fetch(ctx, credentials.ResourceAnswerStream)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCredential, credentials.ResourceAnswerStream, err)
			}
			r.enqueue(answerCredentialRefreshed{sessionID: sessionID, credential: credential})
			request.Credential = credential
		}

		for chunk, err := range r.o.answers.Submit(ctx, request).Chunks(ctx) {
			if err != nil {
				return err
			}
			if chunk.Text != "" {
				if !r.enqueue(answerChunk{sessionID: sessionID, turnID: turnID, text: chunk.Text}) {
					return nil
				}
			}
			if chunk.Complete {
				answered = true
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return answers.ErrStreamInterrupted
	})

	err := worker(ctx)
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.enqueue(answerEnded{sessionID: sessionID, turnID: turnID, err: err})
}

func (r *sessionRuntime) handleAnswerChunk(event answerChunk) {
	s, t := r.activeTurn(event.sessionID, event.turnID)
	if t == nil {
		return
	}
	if t.job == nil && strings.TrimSpace(event.text) == "" {
		return
	}

	r.touch(s)
	t.text.WriteString(event.text)
	r.o.emit(events.NewAssistantResponseSegment(t.id, event.text))

	if t.job == nil {
		r.startPlayback(s, t)
	}

	if dropped := t.job.push(event.text); dropped {
		chunkDropCounter.Add(s.ctx, 1)
		logger.WarnContext(s.ctx, "playback buffer full, dropped oldest chunk",
			"session_id", s.id, "job_id", t.job.id, "buffer_size", r.o.config.ChunkBufferSize)
		r.o.emit(events.NewSessionWarning("playback_backpressure_overflow", ErrPlaybackBackpressureOverflow.Error()))
	}
}

func (r *sessionRuntime) startPlayback(s *session, t *turn) {
	job := newPlaybackJob(t.id, s.channel, r.o.config.ChunkBufferSize)
	t.job = job
	r.o.activeJob.Store(job)
	r.transition(StateSpeaking)

	go func() {
		if err := panicSafeNamedWorker("playback forwarding", job.forward)(s.ctx); err != nil {
			r.enqueue(playbackFailed{sessionID: s.id, turnID: t.id, jobID: job.id, err: err})
		}
	}()
}

func (r *sessionRuntime) handleAnswerEnded(event answerEnded) {
	s, t := r.activeTurn(event.sessionID, event.turnID)
	if t == nil {
		return
	}

	if event.err != nil {
		r.failTurn(s, t, event.err)
		return
	}

	t.answerDone = true
	r.o.emit(events.NewAssistantResponseFinal(t.id, t.text.String()))
	if t.job == nil {
		r.completeTurn(s, t)
		return
	}

	t.job.finish()
	if t.speakingFinished {
		r.completeTurn(s, t)
	}
}

func (r *sessionRuntime) handleSpeakingStarted(s *session, jobID string) {
	t := s.turn
	if t == nil || t.job == nil || t.job.id != jobID || t.speakingStarted {
		return
	}
	t.speakingStarted = true
	r.o.emit(events.NewAvatarSpeakingStarted(jobID))
}

func (r *sessionRuntime) handleSpeakingFinished(s *session, jobID string) {
	t := s.turn
	if t == nil || t.job == nil || t.job.id != jobID || t.speakingFinished {
		return
	}
	t.speakingFinished = true
	r.o.emit(events.NewAvatarSpeakingFinished(jobID, false))

	if t.answerDone {
		r.completeTurn(s, t)
	}
}

func (r *sessionRuntime) handlePlaybackFailed(event playbackFailed) {
	s, t := r.activeTurn(event.sessionID, event.turnID)
	if t == nil || t.job == nil || t.job.id != event.jobID {
		return
	}
	if errors.Is(event.err, avatar.ErrChannelClosed) {
		// The channel reports its own fatal error.
		return
	}

	logger.WarnContext(s.ctx, "avatar playback failed", "session_id", s.id, "job_id", t.job.id, "error", event.err)
	r.o.emit(events.NewSessionWarning("playback_failed", event.err.Error()))
	r.cancelJob(s, t)
	t.speakingFinished = true

	if t.answerDone {
		r.completeTurn(s, t)
	}
}

// failTurn replaces an answer that could not be streamed with the fallback
// message. Whatever was already spoken is cut short.
func (r *sessionRuntime) failTurn(s *session, t *turn, err error) {
	logger.WarnContext(s.ctx, "answer stream failed", "session_id", s.id, "turn_id", t.id, "error", err)
	s.span.AddEvent("answer fallback")
	fallbackCounter.Add(s.ctx, 1)

	r.cancelJob(s, t)
	r.o.emit(events.NewAssistantResponseFallback(t.id, r.o.config.FallbackMessage))
	r.endTurn(s, t, true)
}

func (r *sessionRuntime) completeTurn(s *session, t *turn) {
	r.endTurn(s, t, true)
}

// abandonTurn drops a turn in progress without leaving the current state.
// The answer stream is cancelled and its remaining chunks are discarded on
// arrival.
func (r *sessionRuntime) abandonTurn(s *session, t *turn) {
	r.cancelJob(s, t)
	r.o.emit(events.NewAssistantResponseCancelled(t.id))
	r.endTurn(s, t, false)
}

func (r *sessionRuntime) cancelJob(s *session, t *turn) {
	if t.job == nil {
		return
	}
	if err := t.job.cancel(); err != nil {
		logger.WarnContext(s.ctx, "failed to cancel playback job", "session_id", s.id, "job_id", t.job.id, "error", err)
	}
	if t.speakingStarted && !t.speakingFinished {
		t.speakingFinished = true
		r.o.emit(events.NewAvatarSpeakingFinished(t.job.id, true))
	}
}

func (r *sessionRuntime) endTurn(s *session, t *turn, resumeListening bool) {
	t.cancel()
	if answer := t.text.String(); answer != "" {
		r.o.appendHistory(answers.Turn{Role: answers.RoleAssistant, Text: answer})
	}

	s.turn = nil
	r.o.activeJob.CompareAndSwap(t.job, nil)
	if resumeListening {
		r.transition(StateListening)
	}
}
