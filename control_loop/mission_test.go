package main

import (
	"strings"
	"testing"
	"time"

	"usv-nav-core/utils"
)

func TestLoadExampleMission(t *testing.T) {
	m, err := LoadMission("missions/daytona_buoy.json")
	if err != nil {
		t.Fatalf("LoadMission: %v", err)
	}
	if m.Loop.Waypoint.Latitude != 29.15168 || m.Loop.Waypoint.Longitude != -81.01726 {
		t.Errorf("waypoint = %v", m.Loop.Waypoint)
	}
	if m.Motor.BaudRate != 115200 || m.Loop.NorthYawDeg != 0 {
		t.Errorf("motor/yaw = %+v / %v", m.Motor, m.Loop.NorthYawDeg)
	}
	if len(m.Obstacles) != 3 {
		t.Errorf("obstacle sources = %d", len(m.Obstacles))
	}
	if m.Loop.StaleAfter.D() != time.Second {
		t.Errorf("stale_after = %s", m.Loop.StaleAfter.D())
	}
}

func TestParseMissionAppliesDefaults(t *testing.T) {
	m, err := ParseMission([]byte(`{"loop": {"waypoint": {"lat": 29.15168, "lon": -81.01726}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Loop.ArrivalRadiusM != 3 {
		t.Errorf("loop defaults = %+v", m.Loop)
	}
	if m.Motor.BaudRate != 115200 || len(m.Motor.PortPatterns) != len(utils.DefaultMotorPortPatterns) {
		t.Errorf("motor defaults = %+v", m.Motor)
	}
	if m.Pose.Kind != "udp" || m.Planner.CruisePower != 200 {
		t.Errorf("pose/planner defaults = %+v / %+v", m.Pose, m.Planner)
	}
	lc := m.Motor.MotorLinkConfig()
	if lc.AckTimeout != 10*time.Millisecond || lc.ReconnectMax != 5*time.Second {
		t.Errorf("link config = %+v", lc)
	}
}

func TestParseMissionDoesNotMutateDefaultPatterns(t *testing.T) {
	before := append([]string(nil), utils.DefaultMotorPortPatterns...)
	_, err := ParseMission([]byte(`{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "motor": {"port_patterns": ["CH340"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	for i := range before {
		if utils.DefaultMotorPortPatterns[i] != before[i] {
			t.Fatalf("defaults mutated: %v", utils.DefaultMotorPortPatterns)
		}
	}
}

func TestParseMissionRejects(t *testing.T) {
	cases := map[string]string{
		"no waypoint":      `{}`,
		"bad latitude":     `{"loop": {"waypoint": {"lat": 91, "lon": 0}}}`,
		"bad duration":     `{"loop": {"waypoint": {"lat": 1, "lon": 1}, "stale_after": 5}}`,
		"stale too short":  `{"loop": {"waypoint": {"lat": 1, "lon": 1}, "stale_after": "50ms"}}`,
		"pose kind":        `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "pose": {"kind": "serial"}}`,
		"can without if":   `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "pose": {"kind": "can"}}`,
		"duplicate source": `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "obstacles": [{"name": "lidar", "listen": ":1"}, {"name": "lidar", "listen": ":2"}]}`,
		"reserved source":  `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "obstacles": [{"name": "pose", "listen": ":1"}]}`,
		"cruise too high":  `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "planner": {"cruise_power": 500}}`,
		"no motor port":    `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "motor": {"port_patterns": []}}`,
		"ramp step":        `{"loop": {"waypoint": {"lat": 1, "lon": 1}, "ramp_threshold": 800}}`,
		"unknown section":  `{"loop": {"waypoint": {"lat": 1, "lon": 1}}, "control_period": "10ms"}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMission([]byte(src)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissionMissingFile(t *testing.T) {
	_, err := LoadMission("missions/does_not_exist.json")
	if err == nil || !strings.Contains(err.Error(), "read file") {
		t.Errorf("err = %v", err)
	}
}
