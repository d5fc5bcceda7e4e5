package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

func newTestHub() *TelemetryHub {
	return NewTelemetryHub("run-1", "daytona_buoy", utils.NewLogger(io.Discard, utils.CRITICAL))
}

func waitForClients(t *testing.T, h *TelemetryHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTelemetryHubStreamsTicks(t *testing.T) {
	hub := newTestHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/telemetry"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Publish(control.TickReport{
		Seq:     7,
		Mode:    control.ModeSteer,
		Fix:     &control.BearingFix{DistanceM: 729, RelativeBearingDeg: -75},
		Command: control.PowerCommand{Right: 20, Left: -20},
		Sent:    true,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		RunID   string `json:"run_id"`
		Mission string `json:"mission"`
		Tick    struct {
			Seq     uint64               `json:"seq"`
			Mode    string               `json:"mode"`
			Fix     *control.BearingFix  `json:"fix"`
			Command control.PowerCommand `json:"command"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if msg.RunID != "run-1" || msg.Mission != "daytona_buoy" || msg.Tick.Seq != 7 || msg.Tick.Mode != "STEER" {
		t.Errorf("message = %s", data)
	}
	if msg.Tick.Fix == nil || msg.Tick.Fix.RelativeBearingDeg != -75 || msg.Tick.Command.Left != -20 {
		t.Errorf("tick payload = %s", data)
	}

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestTelemetryHubHealth(t *testing.T) {
	hub := newTestHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	get := func() healthResponse {
		t.Helper()
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var h healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			t.Fatal(err)
		}
		return h
	}

	if h := get(); h.Status != "starting" || h.RunID != "run-1" {
		t.Errorf("before first tick: %+v", h)
	}
	hub.Publish(control.TickReport{Seq: 3, Mode: control.ModeStale})
	if h := get(); h.Status != "stale" || h.Seq != 3 || h.Mode != "STALE" {
		t.Errorf("stale tick: %+v", h)
	}
	hub.Publish(control.TickReport{Seq: 4, Mode: control.ModeHold})
	if h := get(); h.Status != "ok" || h.Seq != 4 {
		t.Errorf("hold tick: %+v", h)
	}
}

func TestTelemetryHubPublishNeverBlocks(t *testing.T) {
	hub := newTestHub()
	c := hub.register()
	defer hub.unregister(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientQueue*3; i++ {
			hub.Publish(control.TickReport{Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled client")
	}
	if len(c.send) != clientQueue || c.dropped != clientQueue*2 {
		t.Errorf("queued=%d dropped=%d", len(c.send), c.dropped)
	}
}

func TestTelemetryHubServeClosesClients(t *testing.T) {
	hub := newTestHub()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/telemetry", nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
