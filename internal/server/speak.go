package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koscakluka/ema-avatar/core/answers"
	"github.com/koscakluka/ema-avatar/core/answers/openai"
	"github.com/koscakluka/ema-avatar/core/answers/orcstream"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const heartbeat = ":\n\n"

type speakRequest struct {
	SpokenText     string `json:"spokenText"`
	ConversationID string `json:"conversation_id"`
}

type streamLine struct {
	text string
	done bool
	err  error
}

// speakHandler proxies a typed or browser-recognized question to the answer
// endpoint and streams the answer back line by line. The stream ends with
// the completion marker, so the response can be consumed by the same
// answer client that reads the endpoint itself.
func (s *Server) speakHandler(w http.ResponseWriter, r *http.Request) {
	var request speakRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if strings.TrimSpace(request.SpokenText) == "" {
		writeError(w, http.StatusBadRequest, "Missing spokenText in request.")
		return
	}

	ctx, span := tracer.Start(r.Context(), "proxy answer")
	defer span.End()
	span.SetAttributes(attribute.String("request.conversation_id", request.ConversationID))

	credential, err := s.deps.Tokens.Fetch(ctx, credentials.ResourceAnswerStream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "failed to fetch answer stream credential", "error", err)
		writeError(w, http.StatusInternalServerError, "Answer stream is not configured.")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(text string) bool {
		if _, err := io.WriteString(w, text); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	sequence := s.deps.Answers.Submit(ctx, answers.Request{
		ConversationID: request.ConversationID,
		Question:       request.SpokenText,
		Credential:     credential,
	})

	outcome := s.proxyAnswer(ctx, sequence, write)
	metrics.ProxiedAnswers.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("response.outcome", outcome))
}

// proxyAnswer writes the sequence to the client, sending a heartbeat
// whenever the answer stays silent for the heartbeat interval.
func (s *Server) proxyAnswer(ctx context.Context, sequence answers.Sequence, write func(string) bool) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan streamLine)
	go func() {
		defer close(lines)
		for chunk, err := range sequence.Chunks(ctx) {
			line := streamLine{text: chunk.Text, done: chunk.Complete, err: err}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
			if err != nil || chunk.Complete {
				return
			}
		}
	}()

	interval := s.cfg.Server.HeartbeatInterval
	idle := time.NewTimer(interval)
	defer idle.Stop()

	startedAt := time.Now()
	first := true
	for {
		select {
		case <-ctx.Done():
			return "client_gone"

		case <-idle.C:
			metrics.Heartbeats.Inc()
			if !write(heartbeat) {
				return "client_gone"
			}
			idle.Reset(interval)

		case line, ok := <-lines:
			if !ok {
				return "interrupted"
			}
			if line.err != nil {
				return s.writeStreamError(ctx, line.err, write)
			}
			if first {
				metrics.AnswerFirstChunkLatency.Observe(time.Since(startedAt).Seconds())
				first = false
			}
			if line.text != "" && !write(line.text+"\n") {
				return "client_gone"
			}
			if line.done {
				if marker := s.cfg.Answers.CompletionMarker; marker != "" {
					write(marker + "\n")
				}
				return "completed"
			}
			idle.Reset(interval)
		}
	}
}

func (s *Server) writeStreamError(ctx context.Context, err error, write func(string) bool) string {
	if status, ok := rejectedStatus(err); ok {
		logger.WarnContext(ctx, "answer endpoint rejected question", "status", status)
		write(fmt.Sprintf("Error: %d", status))
		return "rejected"
	}
	logger.WarnContext(ctx, "answer stream failed", "error", err)
	return "interrupted"
}

func rejectedStatus(err error) (int, bool) {
	var orcstreamErr *orcstream.StatusError
	if errors.As(err, &orcstreamErr) {
		return orcstreamErr.StatusCode, true
	}
	var openaiErr *openai.StatusError
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	return 0, false
}
