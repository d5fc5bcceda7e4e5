package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usv-nav-core/utils"
)

const (
	// ControlPeriod is the fixed tick of the control task. The ramp step is sized for it.
	ControlPeriod = 125 * time.Millisecond

	DefaultArrivalRadiusM = 3.0
	DefaultStaleAfter     = time.Second
	shutdownTimeout       = 500 * time.Millisecond
)

// CommandSender delivers a thruster pair to the motor controller.
type CommandSender interface {
	Send(ctx context.Context, powerRight, powerLeft int) ([]byte, error)
}

// TickReport describes one control tick. Observers receive it by value.
type TickReport struct {
	Seq          uint64         `json:"seq"`
	At           time.Time      `json:"at"`
	Mode         TickMode       `json:"mode"`
	Pose         Pose           `json:"pose"`
	Fix          *BearingFix    `json:"fix,omitempty"`
	Desired      PowerCommand   `json:"desired"`
	Command      PowerCommand   `json:"command"`
	Sent         bool           `json:"sent"`
	Ack          string         `json:"ack,omitempty"`
	Err          string         `json:"error,omitempty"`
	Blocking     *Obstacle      `json:"blocking,omitempty"`
	Clipped      bool           `json:"clipped,omitempty"`
	StaleSources []string       `json:"stale_sources,omitempty"`
	PID          PIDDiagnostics `json:"pid"`
}

// TickObserver must return quickly; it runs on the control task.
type TickObserver func(TickReport)

type pidReporter interface {
	Diagnostics() PIDDiagnostics
}

// ControlLoop is the single control task: SENSE, PLAN, RAMP, SEND on every tick.
// It is the only writer of the ramper and of the last command.
type ControlLoop struct {
	cfg     LoopConfig
	state   *NavigationState
	sender  CommandSender
	planner Planner
	ramper  *ThrustRamper
	log     *utils.Logger

	observers   []TickObserver
	lastDesired PowerCommand
	accepted    PowerCommand
	lastTick    time.Time
	seq         uint64
	lastMode    TickMode
}

func NewControlLoop(cfg LoopConfig, state *NavigationState, sender CommandSender, planner Planner, log *utils.Logger) (*ControlLoop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("control loop config: %w", err)
	}
	if err := state.SetWaypoint(cfg.Waypoint); err != nil {
		return nil, err
	}
	return &ControlLoop{
		cfg:      cfg,
		state:    state,
		sender:   sender,
		planner:  planner,
		ramper:   NewThrustRamper(DefaultRampThreshold),
		log:      log,
		lastMode: -1,
	}, nil
}

// OnTick registers an observer. Call before Run.
func (l *ControlLoop) OnTick(fn TickObserver) {
	l.observers = append(l.observers, fn)
}

// Run ticks every ControlPeriod until ctx ends, then stops the thrusters.
// A tick that overruns delays the next one; ticks never overlap.
func (l *ControlLoop) Run(ctx context.Context) error {
	l.log.Info("Control loop started: waypoint=%s period=%s arrival=%.1fm stale_after=%s ramp=%d",
		l.cfg.Waypoint, ControlPeriod, l.cfg.ArrivalRadiusM, l.cfg.StaleAfter.D(), l.ramper.Threshold())

	ticker := time.NewTicker(ControlPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Warn("Context canceled; stopping thrusters")
			l.Shutdown(ctx)
			return ctx.Err()
		case now := <-ticker.C:
			l.Tick(ctx, now)
		}
	}
}

// Tick runs one SENSE, PLAN, RAMP, SEND cycle at time now.
func (l *ControlLoop) Tick(ctx context.Context, now time.Time) TickReport {
	dt := ControlPeriod.Seconds()
	if !l.lastTick.IsZero() {
		if d := now.Sub(l.lastTick).Seconds(); d > 0 && d < 1 {
			dt = d
		}
	}
	l.lastTick = now
	l.seq++

	// SENSE
	snap := l.state.Snapshot()
	rep := TickReport{Seq: l.seq, At: now, Pose: snap.Pose}

	// PLAN
	rep.StaleSources = snap.StaleSources(now, l.cfg.StaleAfter.D())
	switch {
	case len(rep.StaleSources) > 0:
		rep.Mode = ModeStale
		l.lastDesired = Neutral
		l.planner.Reset()
	case !snap.HasWaypoint:
		rep.Mode = ModeHold
	default:
		fix := BearingAndDistance(snap.Pose.Position, snap.Waypoint, l.cfg.NorthYawDeg, snap.Pose.HeadingDeg)
		rep.Fix = &fix
		if float64(fix.DistanceM) > l.cfg.ArrivalRadiusM {
			plan := l.planner.Plan(snap, fix, dt)
			l.lastDesired = plan.Desired
			rep.Blocking = plan.Blocking
			rep.Clipped = plan.Clipped
			rep.Mode = ModeSteer
			if plan.Avoiding {
				rep.Mode = ModeAvoid
			}
		} else {
			rep.Mode = ModeHold
		}
	}
	rep.Desired = l.lastDesired
	if pr, ok := l.planner.(pidReporter); ok {
		rep.PID = pr.Diagnostics()
	}
	l.logModeChange(rep)

	// RAMP
	cmd, err := l.ramper.Step(rep.Desired)
	if err != nil {
		l.log.Error("Ramp rejected desired %s, holding %s: %v", rep.Desired, cmd, err)
	}
	rep.Command = cmd

	// SEND
	ack, err := l.sender.Send(ctx, cmd.Right, cmd.Left)
	if err != nil {
		rep.Err = err.Error()
		if errors.Is(err, utils.ErrLinkReset) {
			// The controller restarted at neutral; ramp up from there.
			l.accepted = Neutral
			l.state.SetLastCommand(Neutral, now)
			l.log.Warn("Motor controller reset, ramping from neutral: %v", err)
		} else {
			l.log.Error("Send %s failed, resyncing ramp to %s: %v", cmd, l.accepted, err)
		}
		l.ramper.Reset(l.accepted)
	} else {
		rep.Sent = true
		rep.Ack = string(ack)
		l.accepted = cmd
		l.state.SetLastCommand(cmd, now)
	}

	l.log.Trace("Tick %d mode=%s desired=%s cmd=%s sent=%v", rep.Seq, rep.Mode, rep.Desired, rep.Command, rep.Sent)
	l.notify(rep)
	return rep
}

// Shutdown sends neutral regardless of ramp state. It outlives ctx cancellation.
func (l *ControlLoop) Shutdown(ctx context.Context) TickReport {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	now := time.Now()
	l.seq++
	rep := TickReport{Seq: l.seq, At: now, Mode: ModeShutdown, Desired: Neutral, Command: Neutral}

	if _, err := l.sender.Send(sendCtx, Neutral.Right, Neutral.Left); err != nil {
		rep.Err = err.Error()
		l.log.Error("Neutral command on shutdown failed: %v", err)
	} else {
		rep.Sent = true
		l.accepted = Neutral
		l.state.SetLastCommand(Neutral, now)
		l.log.Info("Thrusters set to neutral")
	}
	l.ramper.Reset(Neutral)
	l.notify(rep)
	return rep
}

func (l *ControlLoop) notify(rep TickReport) {
	for _, fn := range l.observers {
		fn(rep)
	}
}

func (l *ControlLoop) logModeChange(rep TickReport) {
	if rep.Mode == l.lastMode {
		return
	}
	l.lastMode = rep.Mode
	switch rep.Mode {
	case ModeStale:
		l.log.Warn("Stale sensor data from %v; holding neutral", rep.StaleSources)
	case ModeHold:
		if rep.Fix != nil {
			l.log.Info("Waypoint reached: %d m; holding %s", rep.Fix.DistanceM, rep.Desired)
		} else {
			l.log.Warn("No waypoint set; holding %s", rep.Desired)
		}
	case ModeAvoid:
		l.log.Info("Avoiding obstacle at %.0f° %.1f m (%s)", rep.Blocking.BearingDeg, rep.Blocking.DistanceM, rep.Blocking.Source)
	case ModeSteer:
		l.log.Info("Steering: distance=%d m bearing=%d°", rep.Fix.DistanceM, rep.Fix.RelativeBearingDeg)
	}
}
