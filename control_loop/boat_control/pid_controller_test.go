package control

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestHeadingPIDSignAndDeadband(t *testing.T) {
	pid := NewHeadingPID(HeadingPIDConfig{Kp: 2, MaxTurn: 200, IntegralLimit: 100, DeadbandDeg: 1})

	if out := pid.Update(30, 0.125); out != 60 {
		t.Errorf("starboard bearing: out = %v, want 60", out)
	}
	if out := pid.Update(-30, 0.125); out != -60 {
		t.Errorf("port bearing: out = %v, want -60", out)
	}
	pid.Reset()
	if out := pid.Update(0.5, 0.125); out != 0 {
		t.Errorf("inside deadband: out = %v, want 0", out)
	}
}

func TestHeadingPIDClampsAndLimitsWindup(t *testing.T) {
	cfg := HeadingPIDConfig{Kp: 5, Ki: 1, MaxTurn: 100, IntegralLimit: 50}
	pid := NewHeadingPID(cfg)

	for i := 0; i < 200; i++ {
		if out := pid.Update(90, 0.125); out > cfg.MaxTurn {
			t.Fatalf("tick %d: out = %v above MaxTurn", i, out)
		}
	}
	d := pid.Diagnostics()
	if d.Output != cfg.MaxTurn {
		t.Errorf("saturated output = %v, want %v", d.Output, cfg.MaxTurn)
	}
	if math.Abs(d.Integral) > cfg.IntegralLimit {
		t.Errorf("integral %v exceeds limit", d.Integral)
	}

	// Crossing the setpoint bleeds the integral instead of carrying it over.
	before := d.Integral
	pid.Update(-1, 0.125)
	if after := pid.Diagnostics().Integral; math.Abs(after) >= math.Abs(before)*0.2 {
		t.Errorf("integral after crossing = %v (was %v)", after, before)
	}
}

func TestDurationJSON(t *testing.T) {
	var cfg LoopConfig
	if err := json.Unmarshal([]byte(`{"stale_after": "750ms"}`), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.StaleAfter.D() != 750*time.Millisecond {
		t.Errorf("stale_after = %s", cfg.StaleAfter.D())
	}
	out, err := json.Marshal(Duration(2 * time.Second))
	if err != nil || string(out) != `"2s"` {
		t.Errorf("marshal = %s, %v", out, err)
	}
	if err := json.Unmarshal([]byte(`{"stale_after": 750}`), &cfg); err == nil {
		t.Error("bare number accepted as duration")
	}
}

func TestDefaultConfigsValidate(t *testing.T) {
	pc := DefaultPlannerConfig()
	if err := pc.Validate(); err != nil {
		t.Errorf("default planner: %v", err)
	}
	lc := DefaultLoopConfig()
	lc.Waypoint = GeoPosition{Latitude: 29.15168, Longitude: -81.01726}
	if err := lc.Validate(); err != nil {
		t.Errorf("default loop: %v", err)
	}
	lc.StaleAfter = Duration(ControlPeriod / 2)
	if err := lc.Validate(); err == nil {
		t.Error("stale_after shorter than a tick accepted")
	}
}
