package control

import (
	"fmt"
	"time"
)

// HeadingPIDConfig holds heading controller parameters. Output is a differential
// thrust term in controller units.
type HeadingPIDConfig struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	MaxTurn       float64 `json:"max_turn"`
	IntegralLimit float64 `json:"integral_limit"`
	DeadbandDeg   float64 `json:"deadband_deg"`
}

// PlannerConfig holds the differential planner parameters
type PlannerConfig struct {
	CruisePower        int              `json:"cruise_power"`
	AvoidPower         int              `json:"avoid_power"`
	AvoidTurn          int              `json:"avoid_turn"`
	SlowdownDeg        float64          `json:"slowdown_deg"` // cruise falls off linearly up to this bearing error
	SafetyRadiusM      float64          `json:"safety_radius_m"`
	CorridorHalfWidthM float64          `json:"corridor_half_width_m"`
	Heading            HeadingPIDConfig `json:"heading_pid"`
}

// LoopConfig holds the control task parameters. The tick period (ControlPeriod) and the
// ramp step (DefaultRampThreshold) are fixed and not configurable.
type LoopConfig struct {
	Waypoint       GeoPosition `json:"waypoint"`
	NorthYawDeg    float64     `json:"north_yaw_deg"`
	ArrivalRadiusM float64     `json:"arrival_radius_m"`
	StaleAfter     Duration    `json:"stale_after"`
}

// DefaultPlannerConfig is tuned for the competition hull at ~1.5 m/s cruise.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		CruisePower:        200,
		AvoidPower:         120,
		AvoidTurn:          160,
		SlowdownDeg:        90,
		SafetyRadiusM:      8,
		CorridorHalfWidthM: 2.5,
		Heading: HeadingPIDConfig{
			Kp:            2.5,
			Ki:            0.2,
			Kd:            0.4,
			MaxTurn:       200,
			IntegralLimit: 100,
			DeadbandDeg:   1,
		},
	}
}

// DefaultLoopConfig fills everything but the waypoint.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ArrivalRadiusM: DefaultArrivalRadiusM,
		StaleAfter:     Duration(DefaultStaleAfter),
	}
}

func (c *PlannerConfig) Validate() error {
	if c.CruisePower < 0 || c.CruisePower > MaxPower {
		return fmt.Errorf("cruise_power %d outside 0..%d", c.CruisePower, MaxPower)
	}
	if c.AvoidPower < 0 || c.AvoidPower > MaxPower {
		return fmt.Errorf("avoid_power %d outside 0..%d", c.AvoidPower, MaxPower)
	}
	if c.AvoidTurn < 0 || c.AvoidTurn > MaxPower {
		return fmt.Errorf("avoid_turn %d outside 0..%d", c.AvoidTurn, MaxPower)
	}
	if c.SlowdownDeg <= 0 || c.SlowdownDeg > 180 {
		return fmt.Errorf("slowdown_deg %.1f outside (0,180]", c.SlowdownDeg)
	}
	if c.SafetyRadiusM <= 0 || c.CorridorHalfWidthM <= 0 {
		return fmt.Errorf("safety_radius_m and corridor_half_width_m must be positive")
	}
	if c.Heading.MaxTurn <= 0 || c.Heading.MaxTurn > 2*MaxPower {
		return fmt.Errorf("heading_pid.max_turn %.1f outside (0,%d]", c.Heading.MaxTurn, 2*MaxPower)
	}
	if c.Heading.IntegralLimit < 0 {
		return fmt.Errorf("heading_pid.integral_limit must not be negative")
	}
	return nil
}

func (c *LoopConfig) Validate() error {
	if err := c.Waypoint.Validate(); err != nil {
		return fmt.Errorf("waypoint: %w", err)
	}
	if c.ArrivalRadiusM <= 0 {
		return fmt.Errorf("arrival_radius_m must be positive, got %.2f", c.ArrivalRadiusM)
	}
	if c.StaleAfter.D() < ControlPeriod {
		return fmt.Errorf("stale_after %s shorter than the control period %s", c.StaleAfter.D(), ControlPeriod)
	}
	return nil
}

// Duration is a time.Duration that reads "750ms" style strings from JSON.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("duration %s must be a quoted string like \"750ms\"", s)
	}
	v, err := time.ParseDuration(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
