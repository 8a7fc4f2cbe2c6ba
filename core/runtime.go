package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/events"
	"github.com/koscakluka/ema-avatar/core/recognizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type eventQueueItem struct {
	event    any
	queuedAt time.Time
}

// Loop events. Everything produced off the loop carries the session (and
// turn) it belongs to, so late results of an abandoned session or turn can be
// recognized and dropped.
type (
	startRequest struct {
		ctx    context.Context
		result chan error
	}
	stopRequest struct {
		// ifStarting limits the stop to a session that is still connecting.
		ifStarting bool
		result     chan stopReply
	}
	stopReply struct {
		err      error
		released <-chan struct{}
	}
	userInput struct {
		text string
	}

	sessionPrepared struct {
		sessionID            string
		channel              avatar.Channel
		answerCredential     credentials.Credential
		recognizerCredential credentials.Credential
		reason               string
		err                  error
	}
	connectTimedOut struct {
		sessionID string
	}
	channelEvent struct {
		sessionID string
		event     avatar.Event
	}
	recognizerStarted struct {
		sessionID string
	}
	recognitionFailed struct {
		sessionID string
		err       error
	}
	transcriptReceived struct {
		sessionID  string
		transcript recognizer.Transcript
	}

	answerCredentialRefreshed struct {
		sessionID  string
		credential credentials.Credential
	}
	answerChunk struct {
		sessionID string
		turnID    string
		text      string
	}
	answerEnded struct {
		sessionID string
		turnID    string
		err       error
	}
	playbackFailed struct {
		sessionID string
		turnID    string
		jobID     string
		err       error
	}
)

// sessionRuntime is the single consumer of session work. Only the loop
// goroutine touches session and turn state.
type sessionRuntime struct {
	o *Orchestrator

	session *session

	queue   chan eventQueueItem
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	endOnce   sync.Once
}

func newSessionRuntime(o *Orchestrator, queueSize int) *sessionRuntime {
	return &sessionRuntime{
		o:       o,
		queue:   make(chan eventQueueItem, queueSize),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *sessionRuntime) start() {
	r.startOnce.Do(func() {
		go func() {
			defer close(r.done)

			for {
				select {
				case <-r.closeCh:
					r.shutdown()
					return
				case item := <-r.queue:
					if r.isClosed() {
						r.shutdown()
						return
					}
					r.process(item)
				}
			}
		}()
	})
}

func (r *sessionRuntime) end() {
	r.endOnce.Do(func() { close(r.closeCh) })
}

func (r *sessionRuntime) waitUntilEnded() {
	<-r.done
}

func (r *sessionRuntime) isClosed() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

// enqueue hands event to the loop. It blocks while the queue is full and
// gives up once the runtime ends, so producers never block forever.
func (r *sessionRuntime) enqueue(event any) bool {
	if r.isClosed() {
		return false
	}

	select {
	case <-r.closeCh:
		return false
	case r.queue <- eventQueueItem{event: event, queuedAt: time.Now()}:
		return true
	}
}

func (r *sessionRuntime) process(item eventQueueItem) {
	if s := r.session; s != nil {
		if waited := time.Since(item.queuedAt); waited > 100*time.Millisecond {
			s.span.AddEvent("slow loop event", trace.WithAttributes(attribute.Float64("session.queued_time", waited.Seconds())))
		}
	}

	switch event := item.event.(type) {
	case startRequest:
		r.handleStart(event)
	case stopRequest:
		r.handleStop(event)
	case userInput:
		r.handleFinalText(event.text)
	case sessionPrepared:
		r.handleSessionPrepared(event)
	case connectTimedOut:
		r.handleConnectTimedOut(event)
	case channelEvent:
		r.handleChannelEvent(event)
	case recognizerStarted:
		r.handleRecognizerStarted(event)
	case recognitionFailed:
		r.handleRecognitionFailed(event)
	case transcriptReceived:
		r.handleTranscript(event)
	case answerCredentialRefreshed:
		if s := r.currentSession(event.sessionID); s != nil {
			s.answerCredential = event.credential
		}
	case answerChunk:
		r.handleAnswerChunk(event)
	case answerEnded:
		r.handleAnswerEnded(event)
	case playbackFailed:
		r.handlePlaybackFailed(event)
	default:
		logger.Warn("unknown session loop event", "type", event)
	}
}

// shutdown closes whatever session is still open when the runtime ends.
func (r *sessionRuntime) shutdown() {
	if s := r.session; s != nil && !s.closed {
		r.closeSession(s, ReasonStopped, nil)
	}
}

// currentSession returns the session with id if it is still open.
func (r *sessionRuntime) currentSession(id string) *session {
	if s := r.session; s != nil && s.id == id && !s.closed {
		return s
	}
	return nil
}

func (r *sessionRuntime) transition(to State) {
	from := State(r.o.state.Swap(int32(to)))
	if from == to {
		return
	}

	sessionID := ""
	if r.session != nil {
		sessionID = r.session.id
		r.session.span.AddEvent("state changed", trace.WithAttributes(
			attribute.String("session.from", from.String()),
			attribute.String("session.to", to.String()),
		))
	}
	r.o.emit(events.NewSessionStateChanged(sessionID, from.String(), to.String()))
}
