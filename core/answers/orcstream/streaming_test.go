package orcstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/credentials"
)

func collectChunks(t *testing.T, seq answers.Sequence) ([]answers.Chunk, error) {
	t.Helper()

	var chunks []answers.Chunk
	for chunk, err := range seq.Chunks(context.Background()) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestSubmitSendsPayloadAndStreamsChunks(t *testing.T) {
	var received requestBody
	var functionKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		functionKey = r.Header.Get("x-functions-key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "Hello\n:\n\ndata: , how\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, " can I help?\n[DONE]\nafter marker\n")
	}))
	defer server.Close()

	client := NewClient(
		WithEndpoint(server.URL),
		WithPrincipal(Principal{ID: "p-1", Name: "Ada", GroupNames: []string{"staff"}}),
	)
	seq := client.Submit(context.Background(), answers.Request{
		ConversationID: "conv-1",
		Question:       "hi there",
		History: []answers.Turn{
			{Role: answers.RoleUser, Text: "earlier"},
			{Role: answers.RoleAssistant, Text: "reply"},
		},
		Credential: credentials.Credential{Token: "fn-key"},
	})

	chunks, err := collectChunks(t, seq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []answers.Chunk{{Text: "Hello"}, {Text: ", how"}, {Text: " can I help?"}, {Complete: true}}
	if len(chunks) != len(expected) {
		t.Fatalf("expected %d chunks, got %+v", len(expected), chunks)
	}
	for i := range expected {
		if chunks[i] != expected[i] {
			t.Fatalf("chunk %d: expected %+v, got %+v", i, expected[i], chunks[i])
		}
	}

	if functionKey != "fn-key" {
		t.Fatalf("expected function key header, got %q", functionKey)
	}
	if received.ConversationID != "conv-1" || received.Question != "hi there" || !received.TextOnly {
		t.Fatalf("unexpected request body %+v", received)
	}
	if received.ClientPrincipalID != "p-1" || len(received.ClientGroupNames) != 1 {
		t.Fatalf("expected principal in request body, got %+v", received)
	}
	if len(received.History) != 2 || received.History[0].Role != "user" || received.History[1].Text != "reply" {
		t.Fatalf("unexpected history %+v", received.History)
	}
}

func TestStreamWithoutMarkerIsInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "first\nsecond\n")
	}))
	defer server.Close()

	chunks, err := collectChunks(t, NewClient(WithEndpoint(server.URL)).Submit(context.Background(), answers.Request{Question: "q"}))
	if !errors.Is(err, answers.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected chunks before the interruption, got %+v", chunks)
	}
}

func TestStreamWithoutMarkerCompletesWhenMarkerDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "only line\n")
	}))
	defer server.Close()

	client := NewClient(WithEndpoint(server.URL), WithCompletionMarker(""))
	chunks, err := collectChunks(t, client.Submit(context.Background(), answers.Request{Question: "q"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 || !chunks[1].Complete {
		t.Fatalf("expected text then completion, got %+v", chunks)
	}
}

func TestStreamCutMidAnswerIsInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "partial answer\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	chunks, err := collectChunks(t, NewClient(WithEndpoint(server.URL)).Submit(context.Background(), answers.Request{Question: "q"}))
	if !errors.Is(err, answers.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "partial answer" {
		t.Fatalf("expected the chunk before the cut, got %+v", chunks)
	}
}

func TestNonOKStatusIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := collectChunks(t, NewClient(WithEndpoint(server.URL)).Submit(context.Background(), answers.Request{Question: "q"}))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", err)
	}
}

func TestSequenceCanBeConsumedOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "x\n[DONE]\n")
	}))
	defer server.Close()

	seq := NewClient(WithEndpoint(server.URL)).Submit(context.Background(), answers.Request{Question: "q"})
	if _, err := collectChunks(t, seq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := collectChunks(t, seq); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestToHistoryCopiesTurns(t *testing.T) {
	history := toHistory([]answers.Turn{{Role: answers.RoleUser, Text: "a"}})
	if len(history) != 1 || history[0].Role != "user" || history[0].Text != "a" {
		t.Fatalf("unexpected history %+v", history)
	}
	if toHistory(nil) != nil {
		t.Fatalf("expected nil history for no turns")
	}
}
