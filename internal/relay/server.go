package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/config"
	"github.com/climanger/relay/internal/logger"
)

const (
	ServiceName = "climanger-relay"
	Version     = "1.0.0"
)

// Server is the HTTP gateway: REST auth endpoints plus the WebSocket
// upgrade path that hands sockets to device rooms.
type Server struct {
	cfg    *config.Config
	store  *auth.PairingStore
	secret []byte
	rooms  *Rooms
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, store *auth.PairingStore) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		secret: cfg.Secret(),
		rooms:  NewRooms(cfg.MaxConnsPerRoom),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /pin/create", s.handlePinCreate)
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("GET /verify", s.handleVerify)
	mux.HandleFunc("GET /connect/{device_id}", s.handleConnect)
	mux.HandleFunc("GET /device/{device_id}/status", s.handleStatus)
	s.mux = mux
	return s
}

// Rooms exposes the room registry (used by tests and the status endpoint).
func (s *Server) Rooms() *Rooms { return s.rooms }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if r.Method == http.MethodOptions {
		s.writeCORS(w, r)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Upgrade responses must not be rewrapped with CORS headers.
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.writeCORS(w, r)
	}

	s.mux.ServeHTTP(w, r)
}

// writeCORS reflects the request origin when it is on the allow-list, else
// answers with the first configured origin. A "*" entry disables the list.
func (s *Server) writeCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return
	}
	value := allowed[0]
	for _, o := range allowed {
		if o == "*" {
			if origin == "" {
				value = "*"
			} else {
				value = origin
			}
			break
		}
		if o == origin {
			value = origin
			break
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", value)
}

// envelope is the uniform REST response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}
