package control

import "math"

// HeadingPID drives the relative bearing to zero. Positive output means
// "turn to starboard": more power on the left thruster.
type HeadingPID struct {
	cfg HeadingPIDConfig

	// State
	integral    float64
	prevError   float64
	lastOutput  float64
	initialized bool
}

func NewHeadingPID(cfg HeadingPIDConfig) *HeadingPID {
	return &HeadingPID{cfg: cfg}
}

// Reset clears the PID state
func (pid *HeadingPID) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.lastOutput = 0
	pid.initialized = false
}

// Update computes the turn term for the current relative bearing (degrees).
func (pid *HeadingPID) Update(bearingDeg float64, dt float64) float64 {
	err := bearingDeg
	if math.Abs(err) < pid.cfg.DeadbandDeg {
		err = 0
	}

	if !pid.initialized {
		pid.prevError = err
		pid.initialized = true
	}

	p := pid.cfg.Kp * err

	if err != 0 {
		pid.integral += err * dt
	}
	// Crossing the setpoint: keep only 10% of the accumulated integral.
	if (pid.prevError > 0 && err < 0) || (pid.prevError < 0 && err > 0) {
		pid.integral *= 0.1
	}
	pid.integral = ClampFloat(pid.integral, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
	i := pid.cfg.Ki * pid.integral

	var d float64
	if dt > 0 {
		d = pid.cfg.Kd * (err - pid.prevError) / dt
	}

	out := p + i + d
	if out > pid.cfg.MaxTurn || out < -pid.cfg.MaxTurn {
		out = ClampFloat(out, -pid.cfg.MaxTurn, pid.cfg.MaxTurn)
		// Anti-windup: back-calculate integral
		if pid.cfg.Ki != 0 {
			pid.integral = ClampFloat((out-p-d)/pid.cfg.Ki, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
		}
	}

	pid.prevError = err
	pid.lastOutput = out
	return out
}

// Diagnostics returns current PID state for logging
func (pid *HeadingPID) Diagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		P:        pid.cfg.Kp * pid.prevError,
		I:        pid.cfg.Ki * pid.integral,
		Output:   pid.lastOutput,
	}
}

type PIDDiagnostics struct {
	Error    float64 `json:"error"`
	Integral float64 `json:"integral"`
	P        float64 `json:"p"`
	I        float64 `json:"i"`
	Output   float64 `json:"output"`
}
