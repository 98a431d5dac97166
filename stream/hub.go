// Package stream serves engine frames to browser hosts over websockets and
// accepts control commands from them.
package stream

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/pthm-cable/bifurcate/engine"
)

//go:embed index.html
var indexHTML []byte

const maxSubsteps = 16

// Hub broadcasts frames to every connected client. It implements
// engine.Surface, so engine.Render(hub) streams the current frame.
type Hub struct {
	eng       engine.FluidEngine
	maxPoints int
	sigma     float32

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex

	substeps atomic.Int32
	paused   atomic.Bool
}

// NewHub creates a hub controlling eng. Frames carry at most maxPoints
// particles (0 = all); perturb commands without a sigma use sigma.
func NewHub(eng engine.FluidEngine, maxPoints, substeps int, sigma float32) *Hub {
	h := &Hub{
		eng:       eng,
		maxPoints: maxPoints,
		sigma:     sigma,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	if substeps < 1 {
		substeps = 1
	}
	h.substeps.Store(int32(substeps))
	return h
}

// Handler returns a mux serving the viewer page at / and the websocket at /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(indexHTML)
	})
	mux.Handle("/ws", h)
	return mux
}

// ServeHTTP upgrades the connection and processes commands until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connMu := &sync.Mutex{}
	h.clientsMu.Lock()
	h.clients[conn] = connMu
	h.clientsMu.Unlock()
	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
	}()
	slog.Info("stream client connected", "remote", r.RemoteAddr)

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}

		reply := Reply{Type: TypeAck, Command: cmd.Type}
		if err := h.handle(cmd); err != nil {
			reply.Type = TypeError
			reply.Error = err.Error()
		}
		connMu.Lock()
		err := conn.WriteJSON(reply)
		connMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handle applies a client command to the engine.
func (h *Hub) handle(cmd Command) error {
	switch cmd.Type {
	case CmdPerturb:
		sigma := h.sigma
		if cmd.Sigma != nil {
			sigma = *cmd.Sigma
		}
		if err := h.eng.InjectPerturbation(sigma); err != nil {
			return err
		}
		slog.Info("perturbation injected", "sigma", sigma, "source", "stream")
	case CmdReset:
		h.eng.ReinitBifurcation()
		slog.Info("bifurcation reset", "source", "stream")
	case CmdSubsteps:
		if cmd.Value < 1 || cmd.Value > maxSubsteps {
			return fmt.Errorf("substeps must be in [1, %d], got %d", maxSubsteps, cmd.Value)
		}
		h.substeps.Store(int32(cmd.Value))
	case CmdPause:
		h.togglePause()
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
	return nil
}

// Present encodes f once and sends it to every client. Clients that fail
// to receive it are disconnected. It never returns an error for a client
// failure.
func (h *Hub) Present(f *engine.Frame) error {
	h.clientsMu.RLock()
	n := len(h.clients)
	h.clientsMu.RUnlock()
	if n == 0 {
		return nil
	}

	msg := newFrameMessage(f, h.maxPoints)
	msg.Paused = h.Paused()
	msg.Substeps = h.Substeps()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	var failed []*websocket.Conn
	h.clientsMu.RLock()
	for conn, mu := range h.clients {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			slog.Warn("websocket write failed", "error", err)
			failed = append(failed, conn)
		}
	}
	h.clientsMu.RUnlock()

	if len(failed) > 0 {
		h.clientsMu.Lock()
		for _, conn := range failed {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientsMu.Unlock()
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Substeps returns the sub-step count requested by clients.
func (h *Hub) Substeps() int {
	return int(h.substeps.Load())
}

// togglePause flips the pause flag. Concurrent toggles from different
// clients each take effect.
func (h *Hub) togglePause() {
	for {
		p := h.paused.Load()
		if h.paused.CompareAndSwap(p, !p) {
			return
		}
	}
}

// Paused reports whether a client paused the simulation.
func (h *Hub) Paused() bool {
	return h.paused.Load()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
