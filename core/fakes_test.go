package orchestration

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/events"
	"github.com/koscakluka/ema-avatar/core/recognizer"
)

type gatewayStub struct {
	mu       sync.Mutex
	failures map[credentials.Resource]error
	fetches  []credentials.Resource
}

func (g *gatewayStub) Fetch(_ context.Context, resource credentials.Resource) (credentials.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.fetches = append(g.fetches, resource)
	if err := g.failures[resource]; err != nil {
		return credentials.Credential{}, err
	}
	return credentials.Credential{
		Resource:  resource,
		Token:     "token-" + string(resource),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (g *gatewayStub) fetchCount(resource credentials.Resource) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, fetched := range g.fetches {
		if fetched == resource {
			count++
		}
	}
	return count
}

type recognizerStub struct {
	mu       sync.Mutex
	options  recognizer.Options
	running  bool
	started  chan struct{}
	stops    atomic.Int32
	startErr error
}

func newRecognizerStub() *recognizerStub {
	return &recognizerStub{started: make(chan struct{}, 10)}
}

func (r *recognizerStub) Start(_ context.Context, _ credentials.Credential, opts ...recognizer.Option) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	r.options = recognizer.NewOptions(opts...)
	r.running = true
	r.mu.Unlock()
	r.started <- struct{}{}
	return nil
}

func (r *recognizerStub) SendAudio([]byte) error { return nil }

func (r *recognizerStub) Stop() error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.stops.Add(1)
	return nil
}

func (r *recognizerStub) interim(text string) {
	r.mu.Lock()
	callback := r.options.TranscriptCallback
	r.mu.Unlock()
	callback(recognizer.Transcript{Text: text})
}

func (r *recognizerStub) final(text string) {
	r.mu.Lock()
	callback := r.options.TranscriptCallback
	r.mu.Unlock()
	callback(recognizer.Transcript{Text: text, IsFinal: true})
}

func (r *recognizerStub) fail(err error) {
	r.mu.Lock()
	callback := r.options.ErrorCallback
	r.mu.Unlock()
	callback(err)
}

type answerStep struct {
	chunk answers.Chunk
	err   error
	end   bool
}

// scriptedSequence yields whatever the test sends on steps.
type scriptedSequence struct {
	request answers.Request
	steps   chan answerStep
}

func (s *scriptedSequence) Chunks(ctx context.Context) iter.Seq2[answers.Chunk, error] {
	return func(yield func(answers.Chunk, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(answers.Chunk{}, ctx.Err())
				return
			case step := <-s.steps:
				if step.end {
					return
				}
				if step.err != nil {
					yield(answers.Chunk{}, step.err)
					return
				}
				if !yield(step.chunk, nil) || step.chunk.Complete {
					return
				}
			}
		}
	}
}

func (s *scriptedSequence) text(text string) {
	s.steps <- answerStep{chunk: answers.Chunk{Text: text}}
}

func (s *scriptedSequence) complete() {
	s.steps <- answerStep{chunk: answers.Chunk{Complete: true}}
}

func (s *scriptedSequence) fail(err error) {
	s.steps <- answerStep{err: err}
}

// end stops the sequence without a completion marker.
func (s *scriptedSequence) end() {
	s.steps <- answerStep{end: true}
}

type answerClientStub struct {
	sequences chan *scriptedSequence
	submits   atomic.Int32
}

func newAnswerClientStub() *answerClientStub {
	return &answerClientStub{sequences: make(chan *scriptedSequence, 10)}
}

func (a *answerClientStub) Submit(_ context.Context, request answers.Request) answers.Sequence {
	a.submits.Add(1)
	sequence := &scriptedSequence{request: request, steps: make(chan answerStep, 64)}
	a.sequences <- sequence
	return sequence
}

func (a *answerClientStub) next(t *testing.T) *scriptedSequence {
	t.Helper()
	select {
	case sequence := <-a.sequences:
		return sequence
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for answer submission")
	}
	return nil
}

type channelStub struct {
	options avatar.Options

	mu        sync.Mutex
	calls     []string
	cancelled map[string]bool
	closed    bool

	// speakGate, when set, blocks every Speak until it receives a value.
	speakGate chan struct{}
}

func (c *channelStub) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *channelStub) Speak(ctx context.Context, jobID, text string) error {
	if c.speakGate != nil {
		select {
		case <-c.speakGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled[jobID] {
		return avatar.ErrJobEnded
	}
	c.calls = append(c.calls, "speak:"+jobID+":"+text)
	return nil
}

func (c *channelStub) Finish(jobID string) error {
	c.record("finish:" + jobID)
	return nil
}

func (c *channelStub) Cancel(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled == nil {
		c.cancelled = map[string]bool{}
	}
	c.cancelled[jobID] = true
	c.calls = append(c.calls, "cancel:"+jobID)
	return nil
}

func (c *channelStub) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *channelStub) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channelStub) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *channelStub) callsWithPrefix(prefix string) []string {
	matching := []string{}
	for _, call := range c.snapshot() {
		if strings.HasPrefix(call, prefix) {
			matching = append(matching, call)
		}
	}
	return matching
}

func (c *channelStub) emit(event avatar.Event) {
	c.options.EventCallback(event)
}

type synthesizerStub struct {
	autoReady  bool
	connectErr error
	channels   chan *channelStub
	speakGate  chan struct{}
}

func newSynthesizerStub(autoReady bool) *synthesizerStub {
	return &synthesizerStub{autoReady: autoReady, channels: make(chan *channelStub, 10)}
}

func (s *synthesizerStub) Connect(_ context.Context, _ credentials.Credential, opts ...avatar.Option) (avatar.Channel, error) {
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	channel := &channelStub{options: avatar.NewOptions(opts...), speakGate: s.speakGate}
	s.channels <- channel
	if s.autoReady {
		channel.emit(avatar.Event{Type: avatar.EventReady})
	}
	return channel, nil
}

func (s *synthesizerStub) next(t *testing.T) *channelStub {
	t.Helper()
	select {
	case channel := <-s.channels:
		return channel
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for avatar connect")
	}
	return nil
}

// cancellingSynthesizer cancels the caller's start context while the channel
// connects, after the channel already reported ready.
type cancellingSynthesizer struct {
	*synthesizerStub
	cancel context.CancelFunc
}

func (s *cancellingSynthesizer) Connect(ctx context.Context, credential credentials.Credential, opts ...avatar.Option) (avatar.Channel, error) {
	channel, err := s.synthesizerStub.Connect(ctx, credential, opts...)
	s.cancel()
	return channel, err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(event events.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *eventRecorder) count(kind events.Kind) int {
	count := 0
	for _, event := range r.snapshot() {
		if event.Kind() == kind {
			count++
		}
	}
	return count
}

func (r *eventRecorder) warnings(code string) int {
	count := 0
	for _, event := range r.snapshot() {
		if warning, ok := event.(events.SessionWarning); ok && warning.Code == code {
			count++
		}
	}
	return count
}

func (r *eventRecorder) states() []string {
	states := []string{}
	for _, event := range r.snapshot() {
		if changed, ok := event.(events.SessionStateChanged); ok {
			states = append(states, changed.To)
		}
	}
	return states
}

type testHarness struct {
	orchestrator *Orchestrator
	gateway      *gatewayStub
	recognizer   *recognizerStub
	answers      *answerClientStub
	synthesizer  *synthesizerStub
	events       *eventRecorder
	frames       chan avatar.Frame
}

func newTestHarness(t *testing.T, config Config, autoReady bool, opts ...OrchestratorOption) *testHarness {
	t.Helper()

	h := &testHarness{
		gateway:     &gatewayStub{},
		recognizer:  newRecognizerStub(),
		answers:     newAnswerClientStub(),
		synthesizer: newSynthesizerStub(autoReady),
		events:      &eventRecorder{},
		frames:      make(chan avatar.Frame, 10),
	}
	h.orchestrator = NewOrchestrator(append([]OrchestratorOption{
		WithConfig(config),
		WithCredentialGateway(h.gateway),
		WithRecognizer(h.recognizer),
		WithAnswerClient(h.answers),
		WithAvatarSynthesizer(h.synthesizer),
		WithEventHandler(h.events.record),
		WithFrameHandler(func(frame avatar.Frame) { h.frames <- frame }),
	}, opts...)...)
	t.Cleanup(h.orchestrator.Close)
	return h
}

// startListening starts a session and waits until the recognizer runs.
func (h *testHarness) startListening(t *testing.T) *channelStub {
	t.Helper()

	if err := h.orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	channel := h.synthesizer.next(t)
	select {
	case <-h.recognizer.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recognizer start")
	}
	return channel
}

func waitForState(t *testing.T, o *Orchestrator, state State) {
	t.Helper()
	waitForCondition(t, fmt.Sprintf("state %s", state), func() bool { return o.State() == state })
}

func waitForCondition(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func testConfig() Config {
	config := DefaultConfig()
	config.ConnectTimeout = time.Second
	return config
}
