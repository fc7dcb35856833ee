package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"pageview/pkg/config"
	"pageview/pkg/identity"
	"pageview/pkg/logger"
	"pageview/pkg/pagecache"
	"pageview/pkg/reader"
)

// PagesPrefix is the URL prefix under which cached page files are served.
const PagesPrefix = "/pages/"

const eventTimeout = time.Second

// Server handles API requests and pushes reader events to websocket clients
type Server struct {
	config *config.Config
	svc    *reader.Service
	store  *pagecache.Store

	// WebSocket Client Registry
	clients   map[*Client]bool
	clientsMu sync.Mutex
	nclients  atomic.Int32
	logCh     chan string
	done      chan struct{}
	closeOnce sync.Once
}

type Client struct {
	conn *websocket.Conn
	send chan WSMessage
	gone chan struct{} // closed by RemoveClient; send is never closed
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, send: make(chan WSMessage, 256), gone: make(chan struct{})}
}

// NewServer creates a new API server and installs it as the service's event sink
func NewServer(cfg *config.Config, svc *reader.Service, store *pagecache.Store) *Server {
	s := &Server{
		config:  cfg,
		svc:     svc,
		store:   store,
		clients: make(map[*Client]bool),
		logCh:   make(chan string, 100),
		done:    make(chan struct{}),
	}

	// Start log broadcaster
	logger.SetBroadcast(s.logCh)
	go s.broadcastLogs()

	svc.SetEvents(s)
	return s
}

func (s *Server) broadcastLogs() {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.logCh:
			payload, _ := json.Marshal(line)
			s.broadcast(WSMessage{Type: "log", Payload: payload})
		}
	}
}

// Close detaches the server from the logger. Connected clients are left to the HTTP server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		logger.SetBroadcast(nil)
		close(s.done)
	})
}

// AddClient registers a new websocket client
func (s *Server) AddClient(client *Client) {
	s.clientsMu.Lock()
	s.clients[client] = true
	s.nclients.Add(1)
	s.clientsMu.Unlock()
}

// RemoveClient unregisters a websocket client
func (s *Server) RemoveClient(client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.clients[client] {
		delete(s.clients, client)
		s.nclients.Add(-1)
		close(client.gone)
	}
}

func (s *Server) clientCount() int {
	return int(s.nclients.Load())
}

// broadcast queues msg for every client. Clients with a full buffer miss it.
func (s *Server) broadcast(msg WSMessage) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// deliver is broadcast for events the UI cannot miss. Slow clients share one eventTimeout to
// make room; once it passes, the rest only get a non-blocking attempt.
func (s *Server) deliver(msg WSMessage) {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.Unlock()

	timeout := time.NewTimer(eventTimeout)
	defer timeout.Stop()
	expired := false
	for _, client := range clients {
		if expired {
			select {
			case client.send <- msg:
			case <-client.gone:
			default:
				logger.Warn("Client too slow, event dropped", "type", msg.Type)
			}
			continue
		}
		select {
		case client.send <- msg:
		case <-client.gone:
		case <-timeout.C:
			expired = true
			logger.Warn("Client too slow, event dropped", "type", msg.Type)
		}
	}
}

// sendTo queues msg for one client if it is still registered.
func (s *Server) sendTo(client *Client, msg WSMessage) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if !s.clients[client] {
		return
	}
	select {
	case client.send <- msg:
	default:
		logger.Debug("Dropping message for slow client", "type", msg.Type)
	}
}

func (s *Server) broadcastJSON(typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode event", "type", typ, "err", err)
		return
	}
	s.deliver(WSMessage{Type: typ, Payload: payload})
}

// OpenResult implements reader.Events.
func (s *Server) OpenResult(res reader.OpenResult) {
	s.broadcastJSON("open_result", res)
}

// pageEvent is a page_ready payload with the URL the page is served from.
type pageEvent struct {
	reader.PageReady
	URL string `json:"url,omitempty"`
}

// PageReady implements reader.Events.
func (s *Server) PageReady(p reader.PageReady) {
	s.broadcastJSON("page_ready", pageEvent{PageReady: p, URL: s.pageURL(p.Page)})
}

func (s *Server) pageURL(d pagecache.Descriptor) string {
	if d.NoData || d.Path == "" {
		return ""
	}
	rel, err := filepath.Rel(s.store.Root(), d.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return PagesPrefix + filepath.ToSlash(rel)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collectStatus()); err != nil {
		logger.Debug("Failed to write status", "err", err)
	}
}

// Handler returns the HTTP handler for the API and the page files
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleStatus)

	pages := http.FileServer(afero.NewHttpFs(s.store.Fs()).Dir(s.store.Root()))
	mux.Handle(PagesPrefix, http.StripPrefix(PagesPrefix, pageFiles(pages)))

	return mux
}

// pageFiles only serves <identity hex>/<page file>. Directory listings are refused.
func pageFiles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, file, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if !ok || file == "" || strings.Contains(file, "/") {
			http.NotFound(w, r)
			return
		}
		if _, err := identity.ParseHex(dir); err != nil {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
