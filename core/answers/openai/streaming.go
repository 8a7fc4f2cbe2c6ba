package openai

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
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/responses"
	DefaultModel    = "gpt-4.1-mini"

	eventPrefix = "event:"
	chunkPrefix = "data:"
	maxLineSize = 1024 * 1024
)

var ErrAlreadyConsumed = errors.New("answer stream already consumed")

// Client answers questions straight from a model through the Responses API.
// It stands in for the orchestrator function when none is deployed.
type Client struct {
	endpoint     string
	model        string
	instructions string
	httpClient   *http.Client
}

type ClientOption func(*Client)

func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		endpoint:   DefaultEndpoint,
		model:      DefaultModel,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
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

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithInstructions sets the developer message sent ahead of the history.
func WithInstructions(instructions string) ClientOption {
	return func(c *Client) { c.instructions = instructions }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Submit prepares the answer for request. The request credential is used as
// the API key. Nothing is sent until the returned sequence is iterated.
func (c *Client) Submit(_ context.Context, request answers.Request) answers.Sequence {
	return &Stream{
		client: c,
		apiKey: request.Credential.Token,
		body: requestBody{
			Model:  c.model,
			Input:  toOpenAIMessages(c.instructions, request.History, request.Question),
			Stream: true,
			User:   request.ConversationID,
		},
	}
}

type Stream struct {
	client   *Client
	apiKey   string
	body     requestBody
	consumed atomic.Bool
}

// StatusError reports a non-OK response from the model endpoint.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "non-OK HTTP status: " + e.Status
}

func (s *Stream) Chunks(ctx context.Context) iter.Seq2[answers.Chunk, error] {
	return func(yield func(answers.Chunk, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(answers.Chunk{}, ErrAlreadyConsumed)
			return
		}

		ctx, span := tracer.Start(ctx, "stream model answer")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.model", s.body.Model),
			attribute.Int("request.messages", len(s.body.Input)),
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
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		started := time.Now()
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

		deltas := 0
		defer func() { span.SetAttributes(attribute.Int("response.deltas", deltas)) }()

		event := ""
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				event = ""
				continue
			case strings.HasPrefix(line, eventPrefix):
				event = strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
				continue
			case !strings.HasPrefix(line, chunkPrefix):
				continue
			}
			chunk := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))

			switch streamingEventType(event) {
			case streamingEventResponseOutputTextDelta:
				var responseBody streamingBodyResponseTextDelta
				if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
					fail(fmt.Errorf("error unmarshalling JSON: %w", err))
					return
				}
				if deltas == 0 {
					span.SetAttributes(attribute.Float64("response.request_to_first_chunk_time", time.Since(started).Seconds()))
				}
				deltas++
				if !yield(answers.Chunk{Text: responseBody.Delta}, nil) {
					return
				}

			case streamingEventResponseCompleted:
				yield(answers.Chunk{Complete: true}, nil)
				return

			case streamingEventResponseFailed, streamingEventError:
				var responseBody streamingBodyError
				_ = json.Unmarshal([]byte(chunk), &responseBody)
				fail(fmt.Errorf("%w: model reported %s %s", answers.ErrStreamInterrupted, event, responseBody.Message))
				return
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("%w: %v", answers.ErrStreamInterrupted, err))
			return
		}
		logger.WarnContext(ctx, "model stream ended without completion", "deltas", deltas)
		fail(fmt.Errorf("%w: body ended before response.completed", answers.ErrStreamInterrupted))
	}
}
