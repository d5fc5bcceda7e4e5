package control

import (
	"errors"
	"fmt"
	"math"

	"usv-nav-core/utils"
)

// Thruster power bounds, shared with the motor link framing. Controller units are
// signed offsets from neutral.
const (
	MinHardwarePower = utils.MotorMinPower
	MaxHardwarePower = utils.MotorMaxPower
	NeutralPower     = utils.MotorNeutral
	MaxPower         = utils.MotorPowerRange
	RampFraction     = 0.025
)

var ErrOutOfRange = errors.New("power command out of range")

// PowerCommand is a thruster pair in controller units, each within ±MaxPower.
type PowerCommand struct {
	Right int `json:"power_right"`
	Left  int `json:"power_left"`
}

// Neutral stops both thrusters.
var Neutral = PowerCommand{}

func (c PowerCommand) Validate() error {
	if c.Right < -MaxPower || c.Right > MaxPower || c.Left < -MaxPower || c.Left > MaxPower {
		return fmt.Errorf("%w: right=%d left=%d (limit ±%d)", ErrOutOfRange, c.Right, c.Left, MaxPower)
	}
	return nil
}

// Clamp clips both sides into ±MaxPower.
func (c PowerCommand) Clamp() PowerCommand {
	return PowerCommand{Right: clampInt(c.Right, -MaxPower, MaxPower), Left: clampInt(c.Left, -MaxPower, MaxPower)}
}

// Hardware returns the PWM values sent to the motor controller.
func (c PowerCommand) Hardware() (right, left int) {
	return c.Right + NeutralPower, c.Left + NeutralPower
}

func (c PowerCommand) String() string {
	return fmt.Sprintf("R=%+d L=%+d", c.Right, c.Left)
}

// RampThreshold is the largest per-tick change allowed on one side.
func RampThreshold(minPower, maxPower int, fraction float64) int {
	return int(math.Round(fraction * float64(maxPower-minPower)))
}

// DefaultRampThreshold is 2.5% of the hardware span (20 units).
var DefaultRampThreshold = RampThreshold(MinHardwarePower, MaxHardwarePower, RampFraction)

// ThrustRamper limits how fast each thruster's power changes between control ticks.
// It is owned by the control task and is not safe for concurrent use.
type ThrustRamper struct {
	prev      PowerCommand
	threshold int
}

// NewThrustRamper returns a ramper starting at neutral. A non-positive threshold uses DefaultRampThreshold.
func NewThrustRamper(threshold int) *ThrustRamper {
	if threshold <= 0 {
		threshold = DefaultRampThreshold
	}
	return &ThrustRamper{threshold: threshold}
}

// Step advances one tick toward desired. Out-of-range input is rejected and the
// previous command is returned unchanged.
func (r *ThrustRamper) Step(desired PowerCommand) (PowerCommand, error) {
	if err := desired.Validate(); err != nil {
		return r.prev, err
	}
	r.prev = PowerCommand{
		Right: approach(r.prev.Right, desired.Right, r.threshold),
		Left:  approach(r.prev.Left, desired.Left, r.threshold),
	}
	return r.prev, nil
}

// Previous is the last command Step produced.
func (r *ThrustRamper) Previous() PowerCommand { return r.prev }

func (r *ThrustRamper) Threshold() int { return r.threshold }

// Reset moves the ramp origin, e.g. to the last command the hardware accepted.
func (r *ThrustRamper) Reset(cmd PowerCommand) { r.prev = cmd.Clamp() }

// TicksToConverge is the number of Step calls needed to move one side from -> to.
func TicksToConverge(from, to, threshold int) int {
	diff := to - from
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		return 0
	}
	return (diff + threshold - 1) / threshold
}

func approach(current, target, step int) int {
	diff := target - current
	switch {
	case diff > step:
		return current + step
	case diff < -step:
		return current - step
	default:
		return target
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
