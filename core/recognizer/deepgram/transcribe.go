package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-avatar/core/audio"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/core/recognizer"
	"github.com/koscakluka/ema-avatar/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Start opens the recognition socket and keeps it open until Stop. Dropped
// connections are redialled up to the configured retry count before the error
// callback receives an error wrapping [recognizer.ErrRecognition].
func (c *Client) Start(ctx context.Context, credential credentials.Credential, opts ...recognizer.Option) error {
	ctx, span := tracer.Start(ctx, "start recognition")
	defer span.End()

	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	options := recognizer.NewOptions(opts...)
	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("invalid encoding: %w", err)
	}

	listenURL, err := c.buildListenURL(encoding, options.Language)
	if err != nil {
		c.running.Store(false)
		return err
	}
	conn, err := c.dial(ctx, listenURL, authorizationHeader(credential))
	if err != nil {
		c.running.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open websocket: %w", err)
	}
	c.setConn(conn)
	c.resetUtterance()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, conn, listenURL, credential, options)

	return nil
}

func authorizationHeader(credential credentials.Credential) http.Header {
	return http.Header{"Authorization": {credential.AuthorizationHeader()}}
}

func (c *Client) buildListenURL(encoding *encodingInfo, language string) (string, error) {
	listenURL, err := url.Parse(c.listenURL)
	if err != nil {
		return "", fmt.Errorf("invalid listen url: %w", err)
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")

	listenURL.RawQuery = queryParams.Encode()
	return listenURL.String(), nil
}

// Stop ends recognition. Interim state is discarded without emitting a final.
func (c *Client) Stop() error {
	if !c.running.Load() {
		return nil
	}

	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	var closeErr error
	if conn != nil {
		_ = conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		closeErr = conn.Close()
	}
	c.connMu.Unlock()

	<-c.done
	c.resetUtterance()
	c.running.Store(false)

	if closeErr != nil {
		return fmt.Errorf("failed to close deepgram websocket: %w", closeErr)
	}
	return nil
}

func (c *Client) SendAudio(audio []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.lastMsgTs = time.Now()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (c *Client) sendSilence(audio []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (c *Client) sendKeepAlive() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "KeepAlive"}); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, listenURL string, credential credentials.Credential, options recognizer.Options) {
	defer close(c.done)

	go c.generateSilence(ctx, options.EncodingInfo)

	failures := 0
	for {
		received, readErr := c.readMessages(ctx, conn, options)
		c.swapConn(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
		}

		// Whatever was heard of the interrupted utterance is lost with the socket.
		c.resetUtterance()
		logger.WarnContext(ctx, "recognition socket dropped", "error", readErr)

		conn = nil
		for conn == nil {
			if failures >= options.MaxRetries {
				err := fmt.Errorf("%w: gave up after %d reconnect attempts: %v", recognizer.ErrRecognition, failures, readErr)
				logger.ErrorContext(ctx, "recognition failed", "error", err)
				options.ErrorCallback(err)
				return
			}
			failures++
			reconnectCounter.Add(ctx, 1)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(failures) * c.retryBackoff):
			}

			if credential.Expired(time.Now()) && options.CredentialRefresher != nil {
				refreshed, err := options.CredentialRefresher(ctx)
				if err != nil {
					readErr = fmt.Errorf("failed to refresh credential: %w", err)
					continue
				}
				credential = refreshed
			}

			var err error
			if conn, err = c.dial(ctx, listenURL, authorizationHeader(credential)); err != nil {
				readErr = err
				conn = nil
				continue
			}
			if !c.attachConn(ctx, conn) {
				_ = conn.Close()
				return
			}
		}
	}
}

// readMessages processes messages until the connection fails. received
// reports whether at least one message arrived.
func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn, options recognizer.Options) (received bool, err error) {
	for {
		msgType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			return received, readErr
		}
		received = true
		if msgType == websocket.TextMessage {
			c.processMessage(ctx, msg, options)
		}
	}
}

func (c *Client) processMessage(ctx context.Context, msg []byte, options recognizer.Options) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.WarnContext(ctx, "failed to unmarshal deepgram message", "error", err)
		return
	}

	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.WarnContext(ctx, "failed to unmarshal deepgram results", "error", err)
			return
		}

		transcript := ""
		if len(msgResp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		}

		if msgResp.IsFinal {
			if len(transcript) > 0 {
				c.accumulatedTranscript = strings.TrimSpace(c.accumulatedTranscript + " " + transcript)
				c.unendedSegment = true
				if !msgResp.SpeechFinal {
					options.TranscriptCallback(recognizer.Transcript{Text: c.accumulatedTranscript})
				}
			}
			if msgResp.SpeechFinal {
				c.onSpeechEnded(ctx, options)
			}
		} else if len(transcript) > 0 {
			options.TranscriptCallback(recognizer.Transcript{
				Text: strings.TrimSpace(c.accumulatedTranscript + " " + transcript),
			})
		}

	case api.TypeUtteranceEndResponse:
		var msgResp api.UtteranceEndResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.WarnContext(ctx, "failed to unmarshal deepgram utterance end", "error", err)
			return
		}

		if c.unendedSegment {
			c.onSpeechEnded(ctx, options)
		}

	case api.TypeSpeechStartedResponse:
		var msgResp api.SpeechStartedResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.WarnContext(ctx, "failed to unmarshal deepgram speech started", "error", err)
			return
		}

		c.unendedSegment = true
		options.SpeechStartedCallback()
	}
}

// onSpeechEnded closes the utterance. Callers hold transcriptMu.
func (c *Client) onSpeechEnded(ctx context.Context, options recognizer.Options) {
	c.unendedSegment = false
	fullTranscript := strings.TrimSpace(c.accumulatedTranscript)
	c.accumulatedTranscript = ""
	if len(fullTranscript) == 0 {
		return
	}

	_, span := tracer.Start(ctx, "final transcript")
	span.SetAttributes(attribute.Int("transcript.length", len(fullTranscript)))
	span.End()
	options.TranscriptCallback(recognizer.Transcript{Text: fullTranscript, IsFinal: true})
}

func (c *Client) resetUtterance() {
	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	c.accumulatedTranscript = ""
	c.unendedSegment = false
}

// generateSilence pads short gaps in microphone audio with silence so the
// endpointing keeps working, then falls back to keep-alive messages.
func (c *Client) generateSilence(ctx context.Context, encoding audio.EncodingInfo) {
	type silenceGeneratorState string
	const (
		silenceGeneratorStateWaiting   silenceGeneratorState = "waiting"
		silenceGeneratorStateSilence   silenceGeneratorState = "silence"
		silenceGeneratorStateKeepAlive silenceGeneratorState = "keepAlive"
	)

	const tick = 50 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	chunk := encoding.Silence(tick)

	var state = silenceGeneratorStateWaiting
	var firstSilenceTime *time.Time
	var lastKeepAliveTime *time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := c.sinceLastMessage()
			switch state {
			case silenceGeneratorStateWaiting:
				if idle > tick {
					state = silenceGeneratorStateSilence
					firstSilenceTime = utils.Ptr(time.Now())
				}

			case silenceGeneratorStateSilence:
				if idle < tick {
					state = silenceGeneratorStateWaiting
					firstSilenceTime = nil
					continue
				}
				if time.Since(*firstSilenceTime) >= time.Second {
					state = silenceGeneratorStateKeepAlive
					lastKeepAliveTime = utils.Ptr(time.Now())
					firstSilenceTime = nil
					continue
				}

				if err := c.sendSilence(chunk); err != nil && err != ErrNotConnected {
					logger.DebugContext(ctx, "sending silence failed", "error", err)
				}

			case silenceGeneratorStateKeepAlive:
				if idle < tick {
					state = silenceGeneratorStateWaiting
					continue
				}

				if time.Since(*lastKeepAliveTime) >= 5*time.Second {
					lastKeepAliveTime = utils.Ptr(time.Now())
					if err := c.sendKeepAlive(); err != nil && err != ErrNotConnected {
						logger.DebugContext(ctx, "sending keep-alive failed", "error", err)
					}
				}
			}
		}
	}
}
