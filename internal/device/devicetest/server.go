// Package devicetest provides a fake device speaking the device WebSocket
// protocol, for tests that exercise the real client end to end.
package devicetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"devicehub/internal/device"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connWrapper) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is an in-process fake device.
type Server struct {
	server *httptest.Server

	apiKey   string
	info     device.Info
	data     device.Data
	delay    time.Duration
	errors   map[string]*device.Error
	requests map[string]int
	mu       sync.Mutex

	connections []*connWrapper
	connsMu     sync.Mutex
}

// NewServer starts a fake device accepting apiKey.
func NewServer(apiKey string, info device.Info) *Server {
	s := &Server{
		apiKey:   apiKey,
		info:     info,
		data:     device.Data{},
		errors:   make(map[string]*device.Error),
		requests: make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the ws:// address of the device endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close stops the server and drops all sessions.
func (s *Server) Close() {
	s.DropConnections()
	s.server.Close()
}

// SetData replaces the snapshot served by get_all_data.
func (s *Server) SetData(data device.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(device.Data, len(data))
	for k, v := range data {
		s.data[k] = v
	}
}

// Data returns the current snapshot, including command side effects.
func (s *Server) Data() device.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(device.Data, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// SetAPIKey rotates the accepted key. Open sessions authenticated with the
// old key get "unauthorized" on their next request.
func (s *Server) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// SetDelay delays every get_all_data response.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetError makes every request of reqType fail with code. An empty code clears it.
func (s *Server) SetError(reqType, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		delete(s.errors, reqType)
		return
	}
	s.errors[reqType] = &device.Error{Code: code, Message: message}
}

// Requests returns how many requests of reqType were received.
func (s *Server) Requests(reqType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[reqType]
}

// DropConnections closes every open session from the server side.
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer conn.Close()

	if err := wrapper.writeJSON(device.Message{Type: device.TypeAuthRequired}); err != nil {
		return
	}

	var auth device.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}

	s.mu.Lock()
	accepted := auth.Type == device.TypeAuth && auth.APIKey == s.apiKey
	s.mu.Unlock()
	if !accepted {
		wrapper.writeJSON(device.Message{Type: device.TypeAuthInvalid})
		return
	}
	if err := wrapper.writeJSON(device.Message{Type: device.TypeAuthOK}); err != nil {
		return
	}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req device.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go func(req device.Request) {
			wrapper.writeJSON(s.handleRequest(auth.APIKey, req))
		}(req)
	}
}

func (s *Server) handleRequest(sessionKey string, req device.Request) device.Message {
	s.mu.Lock()
	s.requests[req.Type]++
	delay := s.delay
	keyValid := sessionKey == s.apiKey
	injected := s.errors[req.Type]
	s.mu.Unlock()

	if req.Type == device.TypeGetAllData && delay > 0 {
		time.Sleep(delay)
	}

	switch {
	case !keyValid:
		return failure(req.ID, device.CodeUnauthorized, "api key revoked")
	case injected != nil:
		return failure(req.ID, injected.Code, injected.Message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case device.TypePing:
		return success(req.ID, map[string]string{"pong": "ok"})
	case device.TypeGetDeviceInfo:
		return success(req.ID, s.info)
	case device.TypeGetAllData:
		return success(req.ID, s.data)
	case device.TypeTurnOn:
		s.data["light_state"] = "on"
		return success(req.ID, nil)
	case device.TypeTurnOff:
		s.data["light_state"] = "off"
		return success(req.ID, nil)
	case device.TypeSetBrightness:
		if req.Brightness == nil {
			return failure(req.ID, device.CodeInvalidValue, "brightness required")
		}
		s.data["light_state"] = "on"
		s.data["brightness"] = *req.Brightness
		return success(req.ID, nil)
	default:
		return failure(req.ID, device.CodeUnknownType, "unknown command "+req.Type)
	}
}

func success(id int, result interface{}) device.Message {
	ok := true
	raw, _ := json.Marshal(result)
	return device.Message{ID: id, Type: device.TypeResult, Success: &ok, Result: raw}
}

func failure(id int, code, message string) device.Message {
	ok := false
	return device.Message{
		ID:      id,
		Type:    device.TypeResult,
		Success: &ok,
		Error:   &device.Error{Code: code, Message: message},
	}
}
