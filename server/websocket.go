package server

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientBuffer is how many messages a slow client may fall behind before
// frames are dropped for it
const clientBuffer = 64

// hub fans out messages to WebSocket clients and remembers the latest one
type hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	latest  []byte
}

func newHub() *hub {
	return &hub{clients: make(map[chan []byte]struct{})}
}

// subscribe registers a client and returns the latest message atomically so
// no broadcast is missed between the two
func (h *hub) subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, clientBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[ch] = struct{}{}
	return ch, h.latest
}

func (h *hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = msg
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WebSocket upgrade failed: %v\n", err)
			return
		}
		defer conn.Close()

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := s.streamLive(conn, done); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Fprintf(os.Stderr, "WebSocket stream error: %v\n", err)
			}
		}
	}
}

func (s *Server) streamLive(conn *websocket.Conn, done chan struct{}) error {
	ch, latest := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	if latest != nil {
		if err := conn.WriteMessage(websocket.TextMessage, latest); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil

		case <-s.closing:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return nil

		case msg := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
