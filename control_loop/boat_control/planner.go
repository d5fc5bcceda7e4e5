package control

import (
	"math"

	"github.com/golang/geo/r2"
)

// Plan is the desired thruster output for one tick, already inside ±MaxPower.
type Plan struct {
	Desired  PowerCommand `json:"desired"`
	Turn     float64      `json:"turn"`
	Avoiding bool         `json:"avoiding"`
	Blocking *Obstacle    `json:"blocking,omitempty"`
	Clipped  bool         `json:"clipped"`
}

// Planner maps a bearing fix and the obstacle picture to desired power.
type Planner interface {
	Plan(snap Snapshot, fix BearingFix, dt float64) Plan
	Reset()
}

// DifferentialPlanner steers with a heading PID and swerves away from the nearest
// obstacle inside the corridor ahead of the bow.
type DifferentialPlanner struct {
	cfg      PlannerConfig
	pid      *HeadingPID
	corridor r2.Rect
}

func NewDifferentialPlanner(cfg PlannerConfig) *DifferentialPlanner {
	return &DifferentialPlanner{
		cfg: cfg,
		pid: NewHeadingPID(cfg.Heading),
		corridor: r2.RectFromPoints(
			r2.Point{X: -cfg.CorridorHalfWidthM, Y: 0},
			r2.Point{X: cfg.CorridorHalfWidthM, Y: cfg.SafetyRadiusM},
		),
	}
}

func (p *DifferentialPlanner) Reset() { p.pid.Reset() }

func (p *DifferentialPlanner) Diagnostics() PIDDiagnostics { return p.pid.Diagnostics() }

func (p *DifferentialPlanner) Plan(snap Snapshot, fix BearingFix, dt float64) Plan {
	if blocking := p.nearestBlocking(snap.AllObstacles()); blocking != nil {
		// Turn away from the side the obstacle is on; dead ahead goes to port.
		turn := float64(p.cfg.AvoidTurn)
		if bodyPoint(*blocking).X >= 0 {
			turn = -turn
		}
		plan := differential(float64(p.cfg.AvoidPower), turn)
		plan.Avoiding = true
		plan.Blocking = blocking
		return plan
	}

	bearing := float64(fix.RelativeBearingDeg)
	turn := p.pid.Update(bearing, dt)
	scale := ClampFloat(1-math.Abs(bearing)/p.cfg.SlowdownDeg, 0, 1)
	return differential(float64(p.cfg.CruisePower)*scale, turn)
}

// nearestBlocking returns the closest obstacle inside the corridor, or nil.
func (p *DifferentialPlanner) nearestBlocking(obs []Obstacle) *Obstacle {
	var best *Obstacle
	for i := range obs {
		if !p.corridor.ContainsPoint(bodyPoint(obs[i])) {
			continue
		}
		if best == nil || obs[i].DistanceM < best.DistanceM {
			o := obs[i]
			best = &o
		}
	}
	return best
}

// bodyPoint projects an obstacle into the hull frame: X to starboard, Y ahead.
func bodyPoint(o Obstacle) r2.Point {
	b := toRadians(o.BearingDeg)
	return r2.Point{X: o.DistanceM * math.Sin(b), Y: o.DistanceM * math.Cos(b)}
}

// differential turns a forward power and a turn term into a clipped thruster pair.
// Positive turn adds power on the left to swing the bow to starboard.
func differential(forward, turn float64) Plan {
	raw := PowerCommand{
		Right: int(math.Round(forward - turn)),
		Left:  int(math.Round(forward + turn)),
	}
	desired := raw.Clamp()
	return Plan{Desired: desired, Turn: turn, Clipped: desired != raw}
}
