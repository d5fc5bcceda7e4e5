package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

const (
	clientQueue  = 32
	writeTimeout = 2 * time.Second
)

// telemetryMessage is what websocket clients receive once per tick.
type telemetryMessage struct {
	RunID   string             `json:"run_id"`
	Mission string             `json:"mission"`
	Tick    control.TickReport `json:"tick"`
}

type hubClient struct {
	send    chan []byte
	dropped int
}

// TelemetryHub streams tick reports to websocket clients. Publish never blocks:
// a client that falls behind loses messages rather than slowing the control task.
type TelemetryHub struct {
	runID   string
	mission string
	log     *utils.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	last    *control.TickReport

	upgrader  websocket.Upgrader
	server    *http.Server
	closing   chan struct{}
	closeOnce sync.Once
}

func NewTelemetryHub(runID, mission string, log *utils.Logger) *TelemetryHub {
	return &TelemetryHub{
		runID:   runID,
		mission: mission,
		log:     log,
		clients: make(map[*hubClient]struct{}),
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Operator laptops connect from whatever address the boat network hands out.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler serves /telemetry (websocket) and /health.
func (h *TelemetryHub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", h.handleWS)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// Publish fans a report out to every connected client.
func (h *TelemetryHub) Publish(rep control.TickReport) {
	msg, err := json.Marshal(telemetryMessage{RunID: h.runID, Mission: h.mission, Tick: rep})
	if err != nil {
		h.log.Error("Marshal tick %d: %v", rep.Seq, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &rep
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			c.dropped++
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *TelemetryHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *TelemetryHub) register() *hubClient {
	c := &hubClient{send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *TelemetryHub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	dropped := c.dropped
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("Client dropped %d messages", dropped)
	}
}

func (h *TelemetryHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	c := h.register()
	defer h.unregister(c)
	h.log.Info("Telemetry client connected: %s", r.RemoteAddr)

	// Clients only listen; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			h.log.Info("Telemetry client disconnected: %s", r.RemoteAddr)
			return
		case <-h.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeTimeout))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Warn("Write to %s failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

type healthResponse struct {
	Status  string    `json:"status"`
	RunID   string    `json:"run_id"`
	Mission string    `json:"mission"`
	Clients int       `json:"clients"`
	Seq     uint64    `json:"seq"`
	Mode    string    `json:"mode,omitempty"`
	LastAt  time.Time `json:"last_tick_at"`
}

func (h *TelemetryHub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	resp := healthResponse{Status: "starting", RunID: h.runID, Mission: h.mission, Clients: len(h.clients)}
	if h.last != nil {
		resp.Status = "ok"
		resp.Seq = h.last.Seq
		resp.Mode = h.last.Mode.String()
		resp.LastAt = h.last.At
		if h.last.Mode == control.ModeStale {
			resp.Status = "stale"
		}
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Serve runs the HTTP server on ln until ctx ends.
func (h *TelemetryHub) Serve(ctx context.Context, ln net.Listener) error {
	h.server = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		h.closeOnce.Do(func() { close(h.closing) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	})
	defer stop()

	h.log.Info("Telemetry on http://%s/telemetry", ln.Addr())
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
