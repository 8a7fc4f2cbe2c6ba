package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/recognizer"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type transcriptRecorder struct {
	mu          sync.Mutex
	transcripts []recognizer.Transcript
	finals      chan string
}

func newTranscriptRecorder() *transcriptRecorder {
	return &transcriptRecorder{finals: make(chan string, 10)}
}

func (r *transcriptRecorder) record(transcript recognizer.Transcript) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, transcript)
	r.mu.Unlock()
	if transcript.IsFinal {
		r.finals <- transcript.Text
	}
}

func (r *transcriptRecorder) snapshot() []recognizer.Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recognizer.Transcript(nil), r.transcripts...)
}

func TestStartStreamsInterimsAndSingleFinal(t *testing.T) {
	var gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range []string{
			`{"type":"SpeechStarted","channel":[0],"timestamp":0.1}`,
			`{"type":"Results","is_final":false,"speech_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`,
			`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"hello world"}]}}`,
			`{"type":"Results","is_final":false,"speech_final":false,"channel":{"alternatives":[{"transcript":"how"}]}}`,
			`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"how are you"}]}}`,
			`{"type":"UtteranceEnd","channel":[0,1],"last_word_end":2.5}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	recorder := newTranscriptRecorder()
	speechStarted := atomic.Int32{}
	client := NewClient(WithListenURL(wsURL(server)))

	err := client.Start(context.Background(),
		credentials.Credential{Token: "short", Scheme: "Bearer"},
		recognizer.WithTranscriptCallback(recorder.record),
		recognizer.WithSpeechStartedCallback(func() { speechStarted.Add(1) }),
		recognizer.WithLanguage("de-DE"),
	)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer client.Stop()

	select {
	case final := <-recorder.finals:
		if final != "hello world how are you" {
			t.Fatalf("unexpected final transcript %q", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for final transcript")
	}

	select {
	case extra := <-recorder.finals:
		t.Fatalf("expected a single final, got extra %q", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if gotAuth != "Bearer short" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if !strings.Contains(gotQuery, "language=de-DE") || !strings.Contains(gotQuery, "interim_results=true") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if speechStarted.Load() != 1 {
		t.Fatalf("expected speech started once, got %d", speechStarted.Load())
	}

	interims := []string{}
	for _, transcript := range recorder.snapshot() {
		if !transcript.IsFinal {
			interims = append(interims, transcript.Text)
		}
	}
	expected := []string{"hello", "hello world", "hello world how"}
	if strings.Join(interims, "|") != strings.Join(expected, "|") {
		t.Fatalf("expected interims %v, got %v", expected, interims)
	}
}

func TestStopDiscardsInterimWithoutFinal(t *testing.T) {
	sent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"half a sentence"}]}}`))
		close(sent)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	recorder := newTranscriptRecorder()
	client := NewClient(WithListenURL(wsURL(server)))
	if err := client.Start(context.Background(), credentials.Credential{Token: "k", Scheme: "Token"},
		recognizer.WithTranscriptCallback(recorder.record)); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	<-sent
	waitForTranscripts(t, recorder, 1)

	if err := client.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	select {
	case final := <-recorder.finals:
		t.Fatalf("expected no final after stop, got %q", final)
	case <-time.After(100 * time.Millisecond):
	}

	if err := client.SendAudio([]byte{0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after stop, got %v", err)
	}
}

func TestDroppedSocketExhaustsRetries(t *testing.T) {
	connections := atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer server.Close()

	errs := make(chan error, 1)
	client := NewClient(WithListenURL(wsURL(server)), WithRetryBackoff(time.Millisecond))
	if err := client.Start(context.Background(), credentials.Credential{Token: "k"},
		recognizer.WithMaxRetries(2),
		recognizer.WithErrorCallback(func(err error) { errs <- err }),
	); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer client.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, recognizer.ErrRecognition) {
			t.Fatalf("expected ErrRecognition, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recognition error")
	}

	if got := connections.Load(); got != 3 {
		t.Fatalf("expected initial connection plus 2 retries, got %d", got)
	}
}

func TestDroppedSocketRefreshesExpiredCredential(t *testing.T) {
	var mu sync.Mutex
	headers := []string{}
	reconnected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		headers = append(headers, auth)
		first := len(headers) == 1
		mu.Unlock()

		if !first && auth != "Bearer grant-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if first {
			// Drop the socket once the first grant has expired.
			time.Sleep(100 * time.Millisecond)
			return
		}
		close(reconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	refreshes := atomic.Int32{}
	errs := make(chan error, 1)
	client := NewClient(WithListenURL(wsURL(server)), WithRetryBackoff(time.Millisecond))
	err := client.Start(context.Background(),
		credentials.Credential{Token: "grant-1", Scheme: "Bearer", ExpiresAt: time.Now().Add(50 * time.Millisecond)},
		recognizer.WithMaxRetries(3),
		recognizer.WithErrorCallback(func(err error) { errs <- err }),
		recognizer.WithCredentialRefresher(func(context.Context) (credentials.Credential, error) {
			refreshes.Add(1)
			return credentials.Credential{Token: "grant-2", Scheme: "Bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
	)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer client.Stop()

	select {
	case <-reconnected:
	case err := <-errs:
		t.Fatalf("expected reconnect with refreshed credential, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reconnect")
	}

	mu.Lock()
	got := strings.Join(headers, "|")
	mu.Unlock()
	if got != "Bearer grant-1|Bearer grant-2" {
		t.Fatalf("unexpected authorization headers %q", got)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("expected one credential refresh, got %d", refreshes.Load())
	}
}

func TestStartTwiceFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(WithListenURL(wsURL(server)))
	if err := client.Start(context.Background(), credentials.Credential{}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer client.Stop()

	if err := client.Start(context.Background(), credentials.Credential{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func waitForTranscripts(t *testing.T, recorder *transcriptRecorder, count int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recorder.snapshot()) >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d transcripts", count)
}
