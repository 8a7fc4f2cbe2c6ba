package orchestration

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/events"
)

// Orchestrator runs one avatar conversation session at a time: it connects
// the avatar channel, feeds recognized questions to the answer stream and
// speaks the answers through the avatar.
//
// All session state is owned by a single loop goroutine. Public methods and
// component callbacks only enqueue work for it.
type Orchestrator struct {
	config         Config
	conversationID string

	gateway       CredentialGateway
	recognizer    Recognizer
	answers       AnswerClient
	synthesizer   AvatarSynthesizer
	avatarOptions []avatar.Option

	eventHandler eventEmitter
	frameHandler func(avatar.Frame)

	runtime *sessionRuntime

	state        atomic.Int32
	activeJob    atomic.Pointer[playbackJob]
	lastActivity atomic.Int64

	viewMu sync.RWMutex
	view   events.View

	historyMu sync.RWMutex
	history   []answers.Turn

	closeOnce sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		config:       DefaultConfig(),
		eventHandler: noopEventEmitter,
		frameHandler: func(avatar.Frame) {},
		view:         events.View{SessionState: StateIdle.String()},
	}
	for _, opt := range opts {
		opt(o)
	}

	o.runtime = newSessionRuntime(o, o.config.EventQueueSize)
	o.runtime.start()
	return o
}

// Start opens a new session and blocks until it is listening or has failed.
// A failed start leaves the orchestrator idle and returns a [*SessionError].
// Start is accepted while idle or after a previous session closed.
//
// If ctx ends before the session is listening, the attempt is abandoned.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.gateway == nil || o.answers == nil || o.synthesizer == nil {
		return &SessionError{Code: ReasonCredentialError, Err: ErrCredential}
	}

	result := make(chan error, 1)
	if !o.runtime.enqueue(startRequest{ctx: ctx, result: result}) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-o.runtime.done:
		return ErrClosed
	case <-ctx.Done():
		return o.abandonStart(ctx, result)
	}
}

// abandonStart stops a start attempt whose context ended. A session that
// reached Listening (or failed) before the stop was handled keeps its
// result.
func (o *Orchestrator) abandonStart(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	default:
	}

	stopped := make(chan stopReply, 1)
	if !o.runtime.enqueue(stopRequest{ifStarting: true, result: stopped}) {
		return ctx.Err()
	}
	select {
	case reply := <-stopped:
		if reply.err == nil {
			return ctx.Err()
		}
	case <-o.runtime.done:
		return ctx.Err()
	}

	// The session was no longer connecting, so its start was already
	// answered.
	select {
	case err := <-result:
		return err
	default:
		return ctx.Err()
	}
}

// Stop closes the active session and waits for its components to shut down,
// or for ctx to end.
func (o *Orchestrator) Stop(ctx context.Context) error {
	result := make(chan stopReply, 1)
	if !o.runtime.enqueue(stopRequest{result: result}) {
		return ErrClosed
	}

	var reply stopReply
	select {
	case reply = <-result:
	case <-o.runtime.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if reply.err != nil {
		return reply.err
	}

	select {
	case <-reply.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any session and shuts the orchestrator down. It is safe to
// call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		_ = o.Stop(context.Background())
		o.runtime.end()
		o.runtime.waitUntilEnded()
	})
}

// SendAudio feeds microphone audio to the recognizer of the active session.
func (o *Orchestrator) SendAudio(audio []byte) error {
	if o.recognizer == nil || !o.State().active() {
		return ErrNoSession
	}
	return o.recognizer.SendAudio(audio)
}

// SubmitText submits typed input. It is handled exactly like a final
// transcript, including barge-in.
func (o *Orchestrator) SubmitText(text string) error {
	if o.runtime.isClosed() {
		return ErrClosed
	}
	if !o.State().active() {
		return ErrNoSession
	}
	if !o.runtime.enqueue(userInput{text: text}) {
		return ErrClosed
	}
	return nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastActivity reports when the current or last session last heard from the
// user, the answer stream or the avatar channel. It is zero before any
// session started.
func (o *Orchestrator) LastActivity() time.Time {
	nanos := o.lastActivity.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// View returns a point-in-time projection of the session for presenters.
func (o *Orchestrator) View() events.View {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view
}

// History returns the turns of the current session, including the partial
// text of answers that were cut short.
func (o *Orchestrator) History() []answers.Turn {
	o.historyMu.RLock()
	defer o.historyMu.RUnlock()
	return slices.Clone(o.history)
}

func (o *Orchestrator) appendHistory(turn answers.Turn) {
	o.historyMu.Lock()
	o.history = append(o.history, turn)
	o.historyMu.Unlock()
}

func (o *Orchestrator) resetHistory() {
	o.historyMu.Lock()
	o.history = nil
	o.historyMu.Unlock()
}

// publishFrame passes on frames of the job currently speaking. Frames of
// cancelled or superseded jobs are dropped.
func (o *Orchestrator) publishFrame(frame avatar.Frame) {
	job := o.activeJob.Load()
	if job == nil || job.id != frame.JobID || job.isCancelled() {
		return
	}
	o.frameHandler(frame)
}
