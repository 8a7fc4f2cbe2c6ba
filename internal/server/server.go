package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/credentials"
	"github.com/koscakluka/ema-avatar/internal/config"
	"github.com/koscakluka/ema-avatar/internal/metrics"
)

// TokenIssuer issues the browser-facing speech tokens and the credentials
// used by server-side sessions.
type TokenIssuer interface {
	orchestration.CredentialGateway
	Region() string
	SpeechToken(ctx context.Context) (string, error)
	RelayToken(ctx context.Context) (credentials.RelayToken, error)
}

// Dependencies are the components shared by all connections. Recognizers
// run one recognition at a time, so every session socket gets its own.
type Dependencies struct {
	Tokens        TokenIssuer
	Answers       orchestration.AnswerClient
	Synthesizer   orchestration.AvatarSynthesizer
	NewRecognizer func() orchestration.Recognizer
	AvatarOptions []avatar.Option
}

// Server serves the avatar backend API and the session sockets.
type Server struct {
	cfg        *config.Config
	deps       Dependencies
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from a different origin in
			// development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.healthHandler)
	s.route(mux, "GET /api/speech-region", s.speechRegionHandler)
	s.route(mux, "GET /api/supported-languages", s.supportedLanguagesHandler)
	s.route(mux, "GET /api/speech-token", s.speechTokenHandler)
	s.route(mux, "GET /api/ice-server-token", s.iceServerTokenHandler)
	s.route(mux, "GET /api/schema/events", s.eventSchemaHandler)
	s.route(mux, "POST /api/speak", s.speakHandler)
	s.route(mux, "GET /ws/session", s.sessionHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Paths used by existing browser clients.
	s.route(mux, "GET /get-speech-region", s.speechRegionHandler)
	s.route(mux, "GET /get-supported-languages", s.supportedLanguagesHandler)
	s.route(mux, "GET /get-speech-token", s.speechTokenHandler)
	s.route(mux, "GET /get-ice-server-token", s.iceServerTokenHandler)
	s.route(mux, "POST /speak", s.speakHandler)

	s.handler = otelhttp.NewHandler(mux, "ema-avatar",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// route registers handler and records request metrics for it. Durations of
// streaming endpoints cover the whole stream.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, r)
		metrics.RequestCount.WithLabelValues(r.Method, r.Pattern, strconv.Itoa(m.Code)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, r.Pattern).Observe(m.Duration.Seconds())
	})
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Session sockets are
// hijacked connections and end when their clients go away.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
