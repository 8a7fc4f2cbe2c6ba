package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultListenURL    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultRetryBackoff = 250 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("recognizer already started")
	ErrNotConnected   = errors.New("recognizer not connected")
)

var reconnectCounter, _ = meter.Int64Counter("recognizer.reconnects",
	metric.WithDescription("Reconnect attempts after a dropped recognition socket"))

// Client streams microphone audio to Deepgram and reports transcripts. A
// client runs one recognition at a time; Start may be called again after Stop.
type Client struct {
	listenURL    string
	model        string
	dialer       *websocket.Dialer
	retryBackoff time.Duration

	conn      *websocket.Conn
	connMu    sync.Mutex
	lastMsgTs time.Time

	transcriptMu          sync.Mutex
	accumulatedTranscript string
	unendedSegment        bool

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type ClientOption func(*Client)

func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		listenURL:    defaultListenURL,
		model:        defaultModel,
		dialer:       websocket.DefaultDialer,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func WithListenURL(listenURL string) ClientOption {
	return func(c *Client) { c.listenURL = listenURL }
}

func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithRetryBackoff sets the base delay between reconnect attempts. The n-th
// consecutive attempt waits n times the base.
func WithRetryBackoff(backoff time.Duration) ClientOption {
	return func(c *Client) { c.retryBackoff = backoff }
}

func (c *Client) dial(ctx context.Context, listenURL string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, listenURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to deepgram (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
	c.lastMsgTs = time.Now()
}

// attachConn installs a redialled connection unless Stop already ran.
func (c *Client) attachConn(ctx context.Context, conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.conn = conn
	c.lastMsgTs = time.Now()
	return true
}

// swapConn clears the current connection if it is still conn.
func (c *Client) swapConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func (c *Client) sinceLastMessage() time.Duration {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return time.Since(c.lastMsgTs)
}
