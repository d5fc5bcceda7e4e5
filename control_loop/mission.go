package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

// Mission defines one run: where to go and how to reach the hardware.
type Mission struct {
	Meta         MissionMeta            `json:"meta"`
	Loop         control.LoopConfig     `json:"loop"`
	Planner      control.PlannerConfig  `json:"planner"`
	Motor        MotorConfig            `json:"motor"`
	Pose         PoseSourceConfig       `json:"pose"`
	Obstacles    []ObstacleSourceConfig `json:"obstacles"`
	Telemetry    TelemetryConfig        `json:"telemetry"`
	CANTelemetry CANTelemetryConfig     `json:"can_telemetry"`
	Record       RecordConfig           `json:"record"`
}

// MissionMeta contains mission metadata
type MissionMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// MotorConfig selects and configures the motor controller serial port.
type MotorConfig struct {
	Port             string           `json:"port,omitempty"` // skips discovery
	BaudRate         int              `json:"baud_rate"`
	PortPatterns     []string         `json:"port_patterns"`
	AckTimeout       control.Duration `json:"ack_timeout"`
	ReconnectInitial control.Duration `json:"reconnect_initial"`
	ReconnectMax     control.Duration `json:"reconnect_max"`
}

// PoseSourceConfig selects where pose comes from: "udp" or "can".
type PoseSourceConfig struct {
	Kind     string `json:"kind"`
	Listen   string `json:"listen,omitempty"`
	CANIface string `json:"can_iface,omitempty"`
	CANMap   string `json:"can_map,omitempty"` // empty uses the embedded map
}

type ObstacleSourceConfig struct {
	Name   string `json:"name"`
	Listen string `json:"listen"`
}

type TelemetryConfig struct {
	Listen string `json:"listen,omitempty"` // empty disables the server
}

type CANTelemetryConfig struct {
	Iface  string `json:"iface,omitempty"` // empty disables THRUST_CMD broadcast
	CANMap string `json:"can_map,omitempty"`
}

type RecordConfig struct {
	Path string `json:"path,omitempty"` // empty disables the recorder
}

// DefaultMission holds everything except the waypoint.
func DefaultMission() Mission {
	return Mission{
		Meta:    MissionMeta{Name: "unnamed", Version: 1},
		Loop:    control.DefaultLoopConfig(),
		Planner: control.DefaultPlannerConfig(),
		Motor: MotorConfig{
			BaudRate:         115200,
			PortPatterns:     append([]string(nil), utils.DefaultMotorPortPatterns...),
			AckTimeout:       control.Duration(10 * time.Millisecond),
			ReconnectInitial: control.Duration(250 * time.Millisecond),
			ReconnectMax:     control.Duration(5 * time.Second),
		},
		Pose: PoseSourceConfig{Kind: "udp", Listen: ":5600"},
	}
}

// LoadMission reads a mission JSON file over DefaultMission and validates it.
func LoadMission(path string) (Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mission{}, fmt.Errorf("read file: %w", err)
	}
	return ParseMission(data)
}

// ParseMission rejects unknown keys, so a mission cannot carry settings that are
// fixed in code (tick period, ramp step).
func ParseMission(data []byte) (Mission, error) {
	m := DefaultMission()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Mission{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mission{}, err
	}
	return m, nil
}

func (m *Mission) Validate() error {
	if m.Loop.Waypoint == (control.GeoPosition{}) {
		return fmt.Errorf("loop: waypoint is required")
	}
	if err := m.Loop.Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if err := m.Planner.Validate(); err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	if m.Motor.BaudRate <= 0 {
		return fmt.Errorf("motor: invalid baud_rate %d", m.Motor.BaudRate)
	}
	if m.Motor.Port == "" && len(m.Motor.PortPatterns) == 0 {
		return fmt.Errorf("motor: either port or port_patterns must be set")
	}

	switch m.Pose.Kind {
	case "udp":
		if m.Pose.Listen == "" {
			return fmt.Errorf("pose: udp source requires listen")
		}
	case "can":
		if m.Pose.CANIface == "" {
			return fmt.Errorf("pose: can source requires can_iface")
		}
	default:
		return fmt.Errorf("pose: unknown kind %q (want udp or can)", m.Pose.Kind)
	}

	seen := make(map[string]bool)
	for i, o := range m.Obstacles {
		if o.Name == "" || o.Listen == "" {
			return fmt.Errorf("obstacles[%d]: name and listen are required", i)
		}
		if o.Name == "pose" || seen[o.Name] {
			return fmt.Errorf("obstacles[%d]: duplicate or reserved name %q", i, o.Name)
		}
		seen[o.Name] = true
	}
	return nil
}

// MotorLinkConfig converts to the serial link settings.
func (c MotorConfig) MotorLinkConfig() utils.MotorLinkConfig {
	return utils.MotorLinkConfig{
		PortName:            c.Port,
		BaudRate:            c.BaudRate,
		DescriptionPatterns: c.PortPatterns,
		AckTimeout:          c.AckTimeout.D(),
		ReconnectInitial:    c.ReconnectInitial.D(),
		ReconnectMax:        c.ReconnectMax.D(),
	}
}
