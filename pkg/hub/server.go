// Package hub terminates the persistent client connections. It
// authenticates the handshake, upgrades to websocket, and feeds decoded
// wire messages to the session coordinator and connection registry.
package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/proto"
	"questsync/pkg/registry"
	"questsync/pkg/session"
)

// Server handles the /ws endpoint.
type Server struct {
	auth        *TokenAuth
	registry    *registry.Registry
	coordinator *session.Coordinator
	logger      *logx.Logger
	recorder    *metrics.Recorder
	upgrader    websocket.Upgrader
}

func NewServer(auth *TokenAuth, reg *registry.Registry, coord *session.Coordinator) *Server {
	return &Server{
		auth:        auth,
		registry:    reg,
		coordinator: coord,
		logger:      logx.NewLogger("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth is the admission control; origin is not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetRecorder attaches delivery metrics to new connections.
func (s *Server) SetRecorder(rec *metrics.Recorder) {
	s.recorder = rec
}

// RegisterRoutes attaches the websocket endpoint to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

// bearerToken pulls the identity token from the Authorization header,
// falling back to the token query parameter for clients that cannot
// set headers on a websocket dial.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleWS authenticates, upgrades, and runs the connection's read
// loop. An absent or invalid token is rejected before the upgrade, so
// an unauthenticated peer can never reach a room join.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		s.logger.Warn("rejected handshake from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed for %s: %v", identity.ID, err)
		return
	}

	conn := newWSConn(ws, identity, s.recorder)
	s.registry.Register(identity, conn)
	s.logger.Info("identity %s connected (%s)", identity.ID, conn.id)

	go conn.writePump()
	s.readLoop(conn)

	s.registry.Unregister(identity.ID, conn)
	conn.close()
	_ = ws.Close()
	s.logger.Info("identity %s disconnected (%s)", identity.ID, conn.id)
}

func (s *Server) readLoop(conn *wsConn) {
	conn.ws.SetReadLimit(maxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logx.Debug("hub", "read from %s: %v", conn.id, err)
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

// handleMessage decodes one inbound frame and routes it. Decode
// failures are answered with a structured error, never a disconnect.
func (s *Server) handleMessage(conn *wsConn, data []byte) {
	msg, err := proto.FromJSON(data)
	if err != nil {
		s.sendError(conn, proto.ErrCodeBadPayload, "malformed message", "")
		return
	}

	switch msg.Event {
	case proto.EventJoinProject:
		var p proto.JoinProjectPayload
		if err := msg.DecodeInto(&p); err != nil || p.ProjectID == "" {
			s.sendError(conn, proto.ErrCodeBadPayload, "join-project needs project_id", msg.ID)
			return
		}
		if err := s.registry.Join(conn.identity, p.ProjectID); err != nil {
			s.sendError(conn, proto.ErrCodeUnauthorized, "join denied", msg.ID)
			return
		}
		_ = conn.Send(proto.EventProjectJoined, proto.ProjectJoinedPayload{
			ProjectID: p.ProjectID,
			Members:   s.registry.Members(p.ProjectID),
		})

	case proto.EventLeaveProject:
		var p proto.LeaveProjectPayload
		if err := msg.DecodeInto(&p); err != nil || p.ProjectID == "" {
			s.sendError(conn, proto.ErrCodeBadPayload, "leave-project needs project_id", msg.ID)
			return
		}
		s.registry.Leave(conn.identity.ID, p.ProjectID)

	case proto.EventCodeUpdate:
		var p proto.CodeUpdatePayload
		if err := msg.DecodeInto(&p); err != nil {
			s.sendError(conn, proto.ErrCodeBadPayload, "malformed code-update", msg.ID)
			return
		}
		if !s.registry.InRoom(conn.identity.ID, p.ProjectID) {
			s.sendError(conn, proto.ErrCodeUnauthorized, "not joined to project "+p.ProjectID, msg.ID)
			return
		}
		s.coordinator.OnChangeBatch(conn.identity, p)

	case proto.EventRequestVerification:
		var p proto.RequestVerificationPayload
		if err := msg.DecodeInto(&p); err != nil {
			s.sendError(conn, proto.ErrCodeBadPayload, "malformed request-verification", msg.ID)
			return
		}
		if !s.registry.InRoom(conn.identity.ID, p.ProjectID) {
			s.sendError(conn, proto.ErrCodeUnauthorized, "not joined to project "+p.ProjectID, msg.ID)
			return
		}
		s.coordinator.OnVerificationRequest(conn.identity, p)

	default:
		s.sendError(conn, proto.ErrCodeBadPayload, "unknown event "+string(msg.Event), msg.ID)
	}
}

func (s *Server) sendError(conn *wsConn, code, message, refID string) {
	_ = conn.Send(proto.EventError, proto.ErrorPayload{Code: code, Message: message, RefID: refID})
}
