package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pageview/pkg/config"
	"pageview/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the UI is served from a different origin during development
	},
}

const statusInterval = time.Second

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type openRequest struct {
	Path     string `json:"path"`
	Password string `json:"password,omitempty"`
}

type viewportRequest struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type passwordResult struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WS upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := newClient(conn)
	s.AddClient(client)
	defer func() {
		s.RemoveClient(client)
		conn.Close()
	}()

	logger.Debug("WS Client connected", "remote", r.RemoteAddr)

	// Queue the initial state before any writer runs
	s.sendStatus(client)
	s.sendConfig(client)
	s.sendLogHistory(client)

	closed := make(chan struct{})
	go s.readLoop(client, closed)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Write loop (Server -> Client)
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.statusMessage()); err != nil {
				return
			}
		case msg := <-client.send:
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("WS write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

// readLoop handles commands until the connection fails, then closes closed.
func (s *Server) readLoop(client *Client, closed chan<- struct{}) {
	defer close(closed)
	for {
		var msg WSMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WS read failed", "err", err)
			}
			return
		}
		s.handleMessage(client, msg)
	}
}

func (s *Server) handleMessage(client *Client, msg WSMessage) {
	switch msg.Type {
	case "open_container":
		var req openRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Path == "" {
			s.sendError(client, msg.Type, "path is required")
			return
		}
		// opens may block on slow media; results arrive as open_result
		go s.svc.Open(req.Path, []byte(req.Password))
	case "set_viewport":
		var req viewportRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(client, msg.Type, "invalid viewport")
			return
		}
		s.svc.SetViewport(req.Index, req.Size)
	case "add_password":
		var req passwordRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(client, msg.Type, "invalid password payload")
			return
		}
		accepted := s.svc.AddPassword([]byte(req.Password))
		payload, _ := json.Marshal(passwordResult{Accepted: accepted})
		s.sendTo(client, WSMessage{Type: "add_password_result", Payload: payload})
	case "close_container":
		go func() {
			s.svc.Close()
			s.sendStatus(client)
		}()
	case "get_status":
		s.sendStatus(client)
	default:
		logger.Debug("Unknown WS message", "type", msg.Type)
	}
}

func (s *Server) statusMessage() WSMessage {
	payload, _ := json.Marshal(s.collectStatus())
	return WSMessage{Type: "status", Payload: payload}
}

func (s *Server) sendStatus(client *Client) {
	s.sendTo(client, s.statusMessage())
}

type configPayload struct {
	*config.Config
	EnvOverrides []string `json:"env_overrides"`
}

// sendConfig includes the keys pinned by environment variables so the UI can lock them.
func (s *Server) sendConfig(client *Client) {
	payload, _ := json.Marshal(configPayload{Config: s.config, EnvOverrides: config.GetEnvOverrideKeys()})
	s.sendTo(client, WSMessage{Type: "config", Payload: payload})
}

func (s *Server) sendLogHistory(client *Client) {
	payload, _ := json.Marshal(logger.GetHistory())
	s.sendTo(client, WSMessage{Type: "log_history", Payload: payload})
}

func (s *Server) sendError(client *Client, request, message string) {
	payload, _ := json.Marshal(map[string]string{"request": request, "message": message})
	s.sendTo(client, WSMessage{Type: "error", Payload: payload})
}
