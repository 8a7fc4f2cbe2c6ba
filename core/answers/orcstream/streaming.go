package orcstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-avatar/core/answers"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEndpoint         = "http://localhost:7071/api/orcstream"
	DefaultCompletionMarker = "[DONE]"

	heartbeatPrefix = ":"
	dataPrefix      = "data:"
	maxLineSize     = 1024 * 1024
)

var ErrAlreadyConsumed = errors.New("answer stream already consumed")

// Client submits questions to the orchestrator function and streams answers
// back line by line.
type Client struct {
	endpoint         string
	completionMarker string
	principal        Principal
	httpClient       *http.Client
}

type ClientOption func(*Client)

func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		endpoint:         DefaultEndpoint,
		completionMarker: DefaultCompletionMarker,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithCompletionMarker sets the line that ends an answer. An empty marker
// treats end of body as completion.
func WithCompletionMarker(marker string) ClientOption {
	return func(c *Client) { c.completionMarker = marker }
}

func WithPrincipal(principal Principal) ClientOption {
	return func(c *Client) { c.principal = principal }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Submit prepares the answer for request. Nothing is sent until the returned
// sequence is iterated.
func (c *Client) Submit(_ context.Context, request answers.Request) answers.Sequence {
	return &Stream{
		client: c,
		key:    request.Credential.Token,
		body: requestBody{
			ConversationID:      request.ConversationID,
			Question:            request.Question,
			TextOnly:            true,
			ClientPrincipalID:   c.principal.ID,
			ClientPrincipalName: c.principal.Name,
			ClientGroupNames:    c.principal.GroupNames,
			AccessToken:         c.principal.AccessToken,
			History:             toHistory(request.History),
		},
	}
}

type Stream struct {
	client   *Client
	key      string
	body     requestBody
	consumed atomic.Bool
}

// StatusError reports a non-OK response from the answer endpoint.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "non-OK HTTP status: " + e.Status
}

func (s *Stream) Chunks(ctx context.Context) iter.Seq2[answers.Chunk, error] {
	requestToFirstChunkTime := time.Time{}
	setRequestToFirstChunkTime := func(span trace.Span) {
		if requestToFirstChunkTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_chunk_time", time.Since(requestToFirstChunkTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstChunkTime = time.Time{}
	}

	return func(yield func(answers.Chunk, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(answers.Chunk{}, ErrAlreadyConsumed)
			return
		}

		ctx, span := tracer.Start(ctx, "stream answer")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.conversation_id", s.body.ConversationID),
			attribute.Int("request.history_turns", len(s.body.History)),
		)

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(answers.Chunk{}, err)
		}

		requestBodyBytes, err := json.Marshal(s.body)
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.endpoint, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("x-functions-key", s.key)

		requestToFirstChunkTime = time.Now()
		span.AddEvent("request started")
		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			fail(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
			return
		}

		chunks := 0
		defer func() { span.SetAttributes(attribute.Int("response.chunks", chunks)) }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, heartbeatPrefix) {
				continue
			}
			if strings.HasPrefix(line, dataPrefix) {
				line = strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
			}
			setRequestToFirstChunkTime(span)

			if s.client.completionMarker != "" && strings.TrimSpace(line) == s.client.completionMarker {
				yield(answers.Chunk{Complete: true}, nil)
				return
			}

			chunks++
			if !yield(answers.Chunk{Text: line}, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("%w: %v", answers.ErrStreamInterrupted, err))
			return
		}
		if s.client.completionMarker != "" {
			logger.WarnContext(ctx, "answer stream ended without completion marker", "chunks", chunks)
			fail(fmt.Errorf("%w: body ended without %q", answers.ErrStreamInterrupted, s.client.completionMarker))
			return
		}
		yield(answers.Chunk{Complete: true}, nil)
	}
}
