package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"collab-engine/internal/auth"
	"collab-engine/internal/logging"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// TokenVerifier is the opaque auth collaborator: token in, identity out.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy.
		return true
	},
}

// WebSocketHandler owns the per-connection protocol state machine:
// Connecting -> Joined -> (Active/Idle) -> Closed. Auth failures refuse
// the connection before it ever reaches Joined.
type WebSocketHandler struct {
	service  *Service
	verifier TokenVerifier
	log      *logrus.Entry

	// Pump timing. ReadTimeout doubles as the idle cutoff; pings go out
	// at PingInterval so a healthy client always answers in time.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func NewWebSocketHandler(service *Service, verifier TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		service:      service,
		verifier:     verifier,
		log:          logrus.WithField("component", "ws"),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
	}
}

// SetTimeouts applies pump timing. Pings are spaced at nine tenths of
// the read deadline so a healthy client always answers before the
// deadline fires.
func (h *WebSocketHandler) SetTimeouts(read, write time.Duration) {
	h.ReadTimeout = read
	h.WriteTimeout = write
	h.PingInterval = read * 9 / 10
}

// HandleSessionConnection upgrades an HTTP request into a session-bound
// collaboration connection.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]

	identity, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	role := models.Role(r.URL.Query().Get("role"))
	if role != models.RoleViewer {
		role = ""
	}
	if _, err := h.service.JoinSession(ctx, sessionID, identity.UserID, identity.DisplayName, role); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", identity.UserID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		h.service.rollbackJoin(sessionID, identity.UserID)
		return
	}

	meta := models.ClientMeta{ClientType: r.URL.Query().Get("client_type")}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		meta.Capabilities = strings.Split(caps, ",")
	}

	c := h.service.Registry().Register(identity.UserID, sessionID, meta, ws)
	if err := h.service.BindConnection(ctx, c); err != nil {
		h.service.Registry().Unregister(c.ID)
		h.service.rollbackJoin(sessionID, identity.UserID)
		ws.Close()
		return
	}

	logging.WithSession(sessionID, identity.UserID).WithField("conn_id", c.ID).Info("connection joined")

	go h.writePump(c, ws)
	go h.readPump(context.WithoutCancel(ctx), c, ws)
}

// readPump owns all reads for one connection. Exit means Closed: the
// registry entry is dropped and disconnect bookkeeping runs.
func (h *WebSocketHandler) readPump(ctx context.Context, c *Conn, ws *websocket.Conn) {
	defer func() {
		h.service.HandleDisconnect(c)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.ReadTimeout))
		c.Touch()
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.WithField("conn_id", c.ID).WithError(err).Warn("read error")
			}
			return
		}
		c.Touch()
		ws.SetReadDeadline(time.Now().Add(h.ReadTimeout))
		h.route(ctx, c, raw)
	}
}

// route decodes one inbound frame and hands it to the core. Payloads are
// validated here so nothing untyped crosses into session state.
func (h *WebSocketHandler) route(ctx context.Context, c *Conn, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c, "invalid_message", "malformed envelope")
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("conn.id", c.ID),
		attribute.String("session.id", c.SessionID),
		attribute.String("message.type", string(env.Type)),
	)
	defer span.End()

	switch env.Type {
	case models.MessagePing:
		// Keep-alive only; session state is never touched.
		if env, err := models.NewEnvelope(models.MessagePong, c.SessionID, "", nil); err == nil {
			if frame, err := json.Marshal(env); err == nil {
				h.service.Registry().Send(c.ID, frame)
			}
		}

	case models.MessageCursorMove:
		var p models.CursorMovePayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(c, "invalid_message", err.Error())
			return
		}
		if err := h.service.Presence().UpdateCursor(c.ID, p.FileID, p.Line, p.Column); err != nil {
			h.replyError(ctx, c, err)
		}

	case models.MessageSelectionChange:
		var p models.SelectionChangePayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(c, "invalid_message", err.Error())
			return
		}
		if err := h.service.Presence().UpdateSelection(c.ID, p.FileID, p.StartLine, p.StartColumn, p.EndLine, p.EndColumn); err != nil {
			h.replyError(ctx, c, err)
		}

	case models.MessageTextChange:
		var p models.TextChangePayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(c, "invalid_operation", err.Error())
			return
		}
		_, err := h.service.OpLog().SubmitOperation(ctx, c.SessionID, c.UserID, OpSubmission{
			Type:     p.Type,
			Position: p.Position,
			Content:  p.Content,
			Length:   p.Length,
		})
		if err != nil {
			h.replyError(ctx, c, err)
		}

	case models.MessageChat:
		var p models.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(c, "invalid_message", err.Error())
			return
		}
		if _, err := h.service.PostChatMessage(ctx, c.SessionID, c.UserID, p.Content, p.Type, p.Mentions); err != nil {
			h.replyError(ctx, c, err)
		}

	case models.MessageFileOpen, models.MessageFileClose:
		var p models.FilePayload
		if err := env.DecodePayload(&p); err != nil {
			h.sendError(c, "invalid_message", err.Error())
			return
		}
		out, err := models.NewEnvelope(env.Type, c.SessionID, c.UserID, &p)
		if err != nil {
			return
		}
		if err := h.service.router.Broadcast(c.SessionID, out, c.UserID); err != nil {
			h.replyError(ctx, c, err)
		}

	case models.MessageSyncRequest:
		var p models.SyncRequestPayload
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&p); err != nil {
				h.sendError(c, "invalid_message", err.Error())
				return
			}
		}
		resp, err := h.service.BuildSyncResponse(c.SessionID, c.UserID, p.SinceSequence)
		if err != nil {
			h.replyError(ctx, c, err)
			return
		}
		if frame, err := buildFrame(models.MessageSyncResponse, c.SessionID, "", resp); err == nil {
			h.service.Registry().Send(c.ID, frame)
		}

	default:
		h.sendError(c, "invalid_message", "unknown message type")
	}
}

// replyError maps a core error onto the wire taxonomy and returns it to
// the originating connection only. Caller mistakes are never broadcast.
func (h *WebSocketHandler) replyError(ctx context.Context, c *Conn, err error) {
	middleware.AddSpanError(ctx, err)
	h.sendError(c, errorCode(err), err.Error())
}

func (h *WebSocketHandler) sendError(c *Conn, code, message string) {
	frame, err := buildFrame(models.MessageError, c.SessionID, "", &models.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	h.service.Registry().Send(c.ID, frame)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrInvalidProject):
		return "invalid_project"
	default:
		return "internal"
	}
}

// writePump drains the connection's outbound buffer. A separate
// goroutine per connection keeps one slow consumer from stalling the
// dispatch loop; every write carries a deadline.
func (h *WebSocketHandler) writePump(c *Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(h.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Outbound():
			ws.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.MarkInactive()
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.MarkInactive()
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}
