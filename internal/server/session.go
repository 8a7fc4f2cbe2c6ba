package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	orchestration "github.com/koscakluka/ema-avatar/core"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"github.com/koscakluka/ema-avatar/core/avatar/relay"
	"github.com/koscakluka/ema-avatar/core/events"
	"github.com/koscakluka/ema-avatar/internal/metrics"
	"github.com/koscakluka/ema-avatar/internal/utils"
)

const (
	outgoingQueueSize = 256
	writeTimeout      = 10 * time.Second
	maxClientMessage  = 1 << 20

	clientMsgStart = "start"
	clientMsgStop  = "stop"
	clientMsgText  = "text"

	serverMsgView  = "view"
	serverMsgEvent = "event"
	serverMsgError = "error"
)

type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type serverMessage struct {
	Type      string       `json:"type"`
	Kind      events.Kind  `json:"kind,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Event     events.Event `json:"event,omitempty"`
	View      *events.View `json:"view,omitempty"`
	Code      string       `json:"code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type outgoing struct {
	message *serverMessage
	frame   []byte
}

// sessionConn bridges one browser socket to one orchestrator. JSON messages
// carry UI events, binary messages carry microphone audio in and avatar
// frames out.
type sessionConn struct {
	conn *websocket.Conn
	out  chan outgoing

	// view is only touched by the orchestrator's event handler, which runs
	// on its loop.
	view events.View

	done      chan struct{}
	closeOnce sync.Once
}

func newSessionConn(conn *websocket.Conn) *sessionConn {
	return &sessionConn{
		conn: conn,
		out:  make(chan outgoing, outgoingQueueSize),
		view: events.View{SessionState: orchestration.StateIdle.String()},
		done: make(chan struct{}),
	}
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "session socket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxClientMessage)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	sc := newSessionConn(conn)
	go sc.writeLoop()

	opts := []orchestration.OrchestratorOption{
		orchestration.WithConfig(s.cfg.Orchestration()),
		orchestration.WithCredentialGateway(s.deps.Tokens),
		orchestration.WithAnswerClient(s.deps.Answers),
		orchestration.WithAvatarSynthesizer(s.deps.Synthesizer, s.deps.AvatarOptions...),
		orchestration.WithEventHandler(sc.publishEvent),
		orchestration.WithFrameHandler(sc.publishFrame),
	}
	if conversationID := r.URL.Query().Get("conversation_id"); conversationID != "" {
		opts = append(opts, orchestration.WithConversationID(conversationID))
	}
	if s.deps.NewRecognizer != nil {
		opts = append(opts, orchestration.WithRecognizer(s.deps.NewRecognizer()))
	}
	o := orchestration.NewOrchestrator(opts...)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer func() {
		cancel()
		o.Close()
		sc.close()
	}()

	logger.InfoContext(ctx, "session socket connected", "remote_addr", r.RemoteAddr)
	sc.send(outgoing{message: &serverMessage{Type: serverMsgView, View: utils.Ptr(sc.view)}})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugContext(ctx, "session socket read ended", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := o.SendAudio(data); err != nil && !errors.Is(err, orchestration.ErrNoSession) {
				logger.WarnContext(ctx, "failed to forward microphone audio", "error", err)
			}
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				sc.sendError("invalid_message", err)
				continue
			}
			sc.handleClientMessage(ctx, o, msg)
		}
	}
}

func (sc *sessionConn) handleClientMessage(ctx context.Context, o *orchestration.Orchestrator, msg clientMessage) {
	switch msg.Type {
	case clientMsgStart:
		go func() {
			// Start failures with a reason are published as events.
			var sessionErr *orchestration.SessionError
			if err := o.Start(ctx); err != nil && !errors.As(err, &sessionErr) {
				sc.sendError(clientMsgStart, err)
			}
		}()
	case clientMsgStop:
		go func() {
			if err := o.Stop(ctx); err != nil {
				sc.sendError(clientMsgStop, err)
			}
		}()
	case clientMsgText:
		if err := o.SubmitText(msg.Text); err != nil {
			sc.sendError(clientMsgText, err)
		}
	default:
		sc.sendError("unknown_message", errors.New("unknown message type "+msg.Type))
	}
}

func (sc *sessionConn) publishEvent(event events.Event) {
	sc.view = sc.view.Apply(event)
	metrics.SessionEvents.WithLabelValues(string(event.Kind())).Inc()

	sc.send(outgoing{message: &serverMessage{
		Type:      serverMsgEvent,
		Kind:      event.Kind(),
		Timestamp: utils.Ptr(event.Timestamp()),
		Event:     event,
		View:      utils.Ptr(sc.view),
	}})
}

// publishFrame queues an avatar frame. Frames are dropped rather than
// stalling the channel's read loop when the client falls behind.
func (sc *sessionConn) publishFrame(frame avatar.Frame) {
	encoded, err := relay.EncodeFrame(frame)
	if err != nil {
		logger.Warn("failed to encode avatar frame", "error", err)
		return
	}

	select {
	case sc.out <- outgoing{frame: encoded}:
	case <-sc.done:
	default:
		logger.Debug("session socket behind, dropped avatar frame", "job_id", frame.JobID, "kind", frame.Kind.String())
	}
}

func (sc *sessionConn) sendError(code string, err error) {
	sc.send(outgoing{message: &serverMessage{Type: serverMsgError, Code: code, Error: err.Error()}})
}

// send queues a message, waiting for room unless the socket is closed.
func (sc *sessionConn) send(msg outgoing) {
	select {
	case sc.out <- msg:
	case <-sc.done:
	}
}

func (sc *sessionConn) writeLoop() {
	for {
		select {
		case <-sc.done:
			return
		case msg := <-sc.out:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			var err error
			if msg.message != nil {
				err = sc.conn.WriteJSON(msg.message)
			} else {
				err = sc.conn.WriteMessage(websocket.BinaryMessage, msg.frame)
			}
			if err != nil {
				logger.Debug("session socket write failed", "error", err)
				sc.close()
				return
			}
		}
	}
}

func (sc *sessionConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}
